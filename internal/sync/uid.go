package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeriveUID returns the stable target calendar UID for a source event.
// Deterministic: re-creating the same source event always lands on the same
// target object. The 8 hex chars are a deliberate collision bound accepted
// per namespace; the sanitized source id suffix keeps namespaces apart.
func DeriveUID(sourceID, sourceEventID string) string {
	sum := sha256.Sum256([]byte(sourceID + ":" + sourceEventID))
	prefix := hex.EncodeToString(sum[:])[:8]
	return prefix + "@" + sanitizeSourceID(sourceID) + ".caldav"
}

// sanitizeSourceID keeps only alphanumerics and hyphens so the UID stays a
// valid iCalendar value regardless of what the source calls itself.
func sanitizeSourceID(sourceID string) string {
	var b strings.Builder
	b.Grow(len(sourceID))
	for _, r := range sourceID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
