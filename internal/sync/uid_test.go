package sync

import (
	"fmt"
	"strings"
	"testing"
)

func TestDeriveUID(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		first := DeriveUID("m365-work", "AAMkAGI2TG93AAA=")
		second := DeriveUID("m365-work", "AAMkAGI2TG93AAA=")
		if first != second {
			t.Errorf("expected identical UIDs, got %q and %q", first, second)
		}
	})

	t.Run("format", func(t *testing.T) {
		uid := DeriveUID("m365-work", "evt-1")

		at := strings.Index(uid, "@")
		if at != 8 {
			t.Fatalf("expected 8 char hash prefix, got %q", uid)
		}
		for _, r := range uid[:at] {
			if !strings.ContainsRune("0123456789abcdef", r) {
				t.Errorf("expected hex prefix, got %q", uid[:at])
				break
			}
		}
		if !strings.HasSuffix(uid, "@m365-work.caldav") {
			t.Errorf("expected source suffix, got %q", uid)
		}
	})

	t.Run("strips unsafe characters from source id", func(t *testing.T) {
		uid := DeriveUID("m365 work (east)!", "evt-1")
		if !strings.HasSuffix(uid, "@m365workeast.caldav") {
			t.Errorf("expected sanitized suffix, got %q", uid)
		}
	})

	t.Run("different events get different UIDs", func(t *testing.T) {
		a := DeriveUID("m365-work", "evt-1")
		b := DeriveUID("m365-work", "evt-2")
		c := DeriveUID("icloud-personal", "evt-1")
		if a == b {
			t.Errorf("expected distinct UIDs per event, got %q twice", a)
		}
		if a == c {
			t.Errorf("expected distinct UIDs per source, got %q twice", a)
		}
	})

	t.Run("no collisions across many events", func(t *testing.T) {
		seen := make(map[string]string, 10000)
		for i := 0; i < 10000; i++ {
			eventID := fmt.Sprintf("event-%d", i)
			uid := DeriveUID("m365-work", eventID)
			if prev, ok := seen[uid]; ok {
				t.Fatalf("collision: %q and %q both map to %q", prev, eventID, uid)
			}
			seen[uid] = eventID
		}
	})
}
