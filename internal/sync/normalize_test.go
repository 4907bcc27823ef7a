package sync

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func textValue(content, contentType string) *TextValue {
	return &TextValue{Content: content, ContentType: contentType, Present: true}
}

func timeValue(dateTime, timeZone string) *TimeValue {
	return &TimeValue{DateTime: dateTime, TimeZone: timeZone, Present: true}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name  string
		input *TextValue
		max   int
		want  string
	}{
		{"nil value", nil, 255, ""},
		{"absent value", &TextValue{}, 255, ""},
		{"plain text passes through", textValue("Team Standup", "text"), 255, "Team Standup"},
		{"html tags stripped", textValue("<p>Weekly <b>planning</b> meeting</p>", "html"), 255, "Weekly planning meeting"},
		{"html entities decoded", textValue("Budget&nbsp;Q1&nbsp;&amp;&nbsp;Q2", "html"), 255, "Budget Q1 & Q2"},
		{"angle brackets survive in plain text", textValue("Meeting <urgent> with <Bob>", "text"), 255, "Meeting <urgent> with <Bob>"},
		{"control characters removed", textValue("Status\x00\x07 call", "text"), 255, "Status call"},
		{"whitespace collapsed", textValue("  Sprint\n\treview   meeting ", "text"), 255, "Sprint review meeting"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeText(tt.input, tt.max)
			if got != tt.want {
				t.Errorf("NormalizeText() = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("long text truncated with ellipsis", func(t *testing.T) {
		got := NormalizeText(textValue(strings.Repeat("a", 300), "text"), 255)
		if len(got) != 255 {
			t.Errorf("expected length 255, got %d", len(got))
		}
		if !strings.HasSuffix(got, "...") {
			t.Errorf("expected ellipsis suffix, got %q", got[len(got)-10:])
		}
	})

	t.Run("truncation keeps rune boundaries intact", func(t *testing.T) {
		got := NormalizeText(textValue(strings.Repeat("é", 100), "text"), 50)
		if !utf8.ValidString(got) {
			t.Errorf("expected valid UTF-8, got %q", got)
		}
		if n := utf8.RuneCountInString(got); n != 50 {
			t.Errorf("expected 50 runes, got %d", n)
		}
		if !strings.HasSuffix(got, "...") {
			t.Errorf("expected ellipsis suffix, got %q", got)
		}
	})
}

func TestNormalizeInstant(t *testing.T) {
	utc := time.UTC
	newYork, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("failed to load zone: %v", err)
	}

	t.Run("nil and absent values", func(t *testing.T) {
		if got := NormalizeInstant(nil, utc); got != nil {
			t.Errorf("expected nil for nil value, got %v", got)
		}
		if got := NormalizeInstant(&TimeValue{}, utc); got != nil {
			t.Errorf("expected nil for absent value, got %v", got)
		}
	})

	t.Run("offset value converts to default zone", func(t *testing.T) {
		got := NormalizeInstant(timeValue("2026-03-02T17:00:00Z", ""), newYork)
		if got == nil {
			t.Fatal("expected a parsed instant")
		}
		want := time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("expected instant %v, got %v", want, got)
		}
		if got.Location() != newYork {
			t.Errorf("expected result in default zone, got %v", got.Location())
		}
	})

	t.Run("naive value interpreted in named zone", func(t *testing.T) {
		got := NormalizeInstant(timeValue("2026-03-02T09:00:00", "Eastern Standard Time"), utc)
		if got == nil {
			t.Fatal("expected a parsed instant")
		}
		want := time.Date(2026, 3, 2, 9, 0, 0, 0, newYork)
		if !got.Equal(want) {
			t.Errorf("expected instant %v, got %v", want, got)
		}
	})

	t.Run("naive value without zone uses default zone", func(t *testing.T) {
		got := NormalizeInstant(timeValue("2026-03-02T09:00:00", ""), newYork)
		if got == nil {
			t.Fatal("expected a parsed instant")
		}
		want := time.Date(2026, 3, 2, 9, 0, 0, 0, newYork)
		if !got.Equal(want) {
			t.Errorf("expected instant %v, got %v", want, got)
		}
	})

	t.Run("fractional seconds accepted", func(t *testing.T) {
		got := NormalizeInstant(timeValue("2026-03-02T09:00:00.0000000", "UTC"), utc)
		if got == nil {
			t.Fatal("expected a parsed instant")
		}
	})

	t.Run("date only value", func(t *testing.T) {
		got := NormalizeInstant(timeValue("2026-03-02", ""), utc)
		if got == nil {
			t.Fatal("expected a parsed instant")
		}
		want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("expected instant %v, got %v", want, got)
		}
	})

	t.Run("unknown zone name falls back to default", func(t *testing.T) {
		got := NormalizeInstant(timeValue("2026-03-02T09:00:00", "Atlantis Standard Time"), newYork)
		if got == nil {
			t.Fatal("expected a parsed instant")
		}
		want := time.Date(2026, 3, 2, 9, 0, 0, 0, newYork)
		if !got.Equal(want) {
			t.Errorf("expected instant %v, got %v", want, got)
		}
	})

	t.Run("unparseable value returns nil", func(t *testing.T) {
		if got := NormalizeInstant(timeValue("next tuesday", ""), utc); got != nil {
			t.Errorf("expected nil for garbage, got %v", got)
		}
	})
}
