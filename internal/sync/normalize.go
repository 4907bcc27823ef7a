package sync

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Source systems name zones in their own vocabulary. Known names map to
// IANA identifiers; unmapped names are tried verbatim.
var zoneNames = map[string]string{
	"UTC":                        "UTC",
	"Pacific Standard Time":      "America/Los_Angeles",
	"Mountain Standard Time":     "America/Denver",
	"Central Standard Time":      "America/Chicago",
	"Eastern Standard Time":      "America/New_York",
	"GMT Standard Time":          "Europe/London",
	"W. Europe Standard Time":    "Europe/Berlin",
	"AUS Eastern Standard Time":  "Australia/Sydney",
	"E. Australia Standard Time": "Australia/Brisbane",
}

var htmlEntities = map[string]string{
	"&nbsp;":  " ",
	"&lt;":    "<",
	"&gt;":    ">",
	"&amp;":   "&",
	"&quot;":  `"`,
	"&#39;":   "'",
	"&mdash;": "—",
	"&ndash;": "–",
}

var (
	htmlTagRe     = regexp.MustCompile(`<[^>]+>`)
	controlRe     = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
	naiveLayouts  = []string{"2006-01-02T15:04:05.9999999", "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}
	offsetLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.9999999Z07:00"}
)

// NormalizeText converts a source text field into clean plain text. HTML
// content has its tags stripped and a small entity table decoded; control
// characters and whitespace runs collapse to single spaces; output longer
// than maxLen is truncated with an ellipsis marker. Never fails: bad input
// degrades to an empty string.
func NormalizeText(t *TextValue, maxLen int) string {
	if t == nil || !t.Present {
		return ""
	}

	text := t.Content
	if strings.EqualFold(t.ContentType, "html") {
		text = htmlTagRe.ReplaceAllString(text, " ")
		for entity, replacement := range htmlEntities {
			text = strings.ReplaceAll(text, entity, replacement)
		}
	}

	text = controlRe.ReplaceAllString(text, " ")
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if maxLen > 3 && utf8.RuneCountInString(text) > maxLen {
		runes := []rune(text)
		text = string(runes[:maxLen-3]) + "..."
	}
	return text
}

// NormalizeInstant resolves a source time field into an instant in the
// default zone. A zone-bearing value is converted; a naive value is
// interpreted in the payload's zone name when one is given, else in the
// default zone. Returns nil when the value is absent or unparseable, so
// callers can reject rather than partially write.
func NormalizeInstant(t *TimeValue, defaultZone *time.Location) *time.Time {
	if t == nil || !t.Present || t.DateTime == "" {
		return nil
	}

	value := strings.TrimSpace(t.DateTime)

	// Values carrying an explicit offset or Z are unambiguous.
	for _, layout := range offsetLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			converted := parsed.In(defaultZone)
			return &converted
		}
	}

	loc := defaultZone
	if t.TimeZone != "" {
		loc = resolveZone(t.TimeZone, defaultZone)
	}

	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, value, loc); err == nil {
			converted := parsed.In(defaultZone)
			return &converted
		}
	}
	return nil
}

// resolveZone maps a source zone name to a location, falling back to the
// default zone when the name is unknown to both the table and the tzdata.
func resolveZone(name string, defaultZone *time.Location) *time.Location {
	if iana, ok := zoneNames[name]; ok {
		name = iana
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return defaultZone
}
