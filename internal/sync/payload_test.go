package sync

import (
	"errors"
	"testing"
)

func TestParsePayload(t *testing.T) {
	t.Run("structured fields", func(t *testing.T) {
		raw := []byte(`{
			"id": "AAMkAGI2TG93AAA=",
			"subject": "Sprint Planning",
			"body": {"content": "<p>Agenda</p>", "contentType": "html"},
			"location": {"displayName": "Conference Room A"},
			"start": {"dateTime": "2026-03-02T09:00:00", "timeZone": "Eastern Standard Time"},
			"end": {"dateTime": "2026-03-02T10:00:00", "timeZone": "Eastern Standard Time"},
			"isAllDay": false,
			"changeKey": "CQAAABYAAA=="
		}`)

		p, err := ParsePayload(raw)
		if err != nil {
			t.Fatalf("failed to parse payload: %v", err)
		}

		if p.ID != "AAMkAGI2TG93AAA=" {
			t.Errorf("unexpected id %q", p.ID)
		}
		if p.Subject == nil || p.Subject.Content != "Sprint Planning" {
			t.Errorf("unexpected subject %+v", p.Subject)
		}
		if p.Body == nil || p.Body.ContentType != "html" {
			t.Errorf("expected html body, got %+v", p.Body)
		}
		if p.Location == nil || p.Location.Content != "Conference Room A" {
			t.Errorf("expected displayName to populate location, got %+v", p.Location)
		}
		if p.Start == nil || p.Start.TimeZone != "Eastern Standard Time" {
			t.Errorf("unexpected start %+v", p.Start)
		}
		if p.IsAllDay == nil || *p.IsAllDay {
			t.Errorf("expected isAllDay false, got %+v", p.IsAllDay)
		}
		if p.ChangeKey != "CQAAABYAAA==" {
			t.Errorf("unexpected change key %q", p.ChangeKey)
		}
	})

	t.Run("plain string fields", func(t *testing.T) {
		raw := []byte(`{"id": "evt-1", "subject": "Lunch", "start": "2026-03-02T12:00:00Z", "end": "2026-03-02T13:00:00Z"}`)

		p, err := ParsePayload(raw)
		if err != nil {
			t.Fatalf("failed to parse payload: %v", err)
		}
		if p.Subject.Content != "Lunch" {
			t.Errorf("unexpected subject %q", p.Subject.Content)
		}
		if p.Start.DateTime != "2026-03-02T12:00:00Z" || p.Start.TimeZone != "" {
			t.Errorf("unexpected start %+v", p.Start)
		}
	})

	t.Run("absent fields stay nil", func(t *testing.T) {
		p, err := ParsePayload([]byte(`{"id": "evt-1"}`))
		if err != nil {
			t.Fatalf("failed to parse payload: %v", err)
		}
		if p.Subject != nil || p.Body != nil || p.Start != nil || p.End != nil || p.IsAllDay != nil || p.Recurrence != nil {
			t.Errorf("expected absent fields to be nil, got %+v", p)
		}
	})

	t.Run("unknown fields ignored", func(t *testing.T) {
		p, err := ParsePayload([]byte(`{"id": "evt-1", "organizer": {"name": "Pat"}, "attendees": []}`))
		if err != nil {
			t.Fatalf("failed to parse payload: %v", err)
		}
		if p.ID != "evt-1" {
			t.Errorf("unexpected id %q", p.ID)
		}
	})

	t.Run("recurrence descriptor", func(t *testing.T) {
		raw := []byte(`{
			"id": "evt-1",
			"recurrence": {
				"pattern": {"type": "weekly", "interval": 2, "daysOfWeek": ["monday", "wednesday"]},
				"range": {"type": "endDate", "endDate": "2026-06-30"}
			}
		}`)

		p, err := ParsePayload(raw)
		if err != nil {
			t.Fatalf("failed to parse payload: %v", err)
		}
		if p.Recurrence == nil {
			t.Fatal("expected recurrence to be set")
		}
		if p.Recurrence.Pattern.Type != "weekly" || p.Recurrence.Pattern.Interval != 2 {
			t.Errorf("unexpected pattern %+v", p.Recurrence.Pattern)
		}
		if len(p.Recurrence.Pattern.DaysOfWeek) != 2 {
			t.Errorf("unexpected days %v", p.Recurrence.Pattern.DaysOfWeek)
		}
		if p.Recurrence.Range.EndDate != "2026-06-30" {
			t.Errorf("unexpected range %+v", p.Recurrence.Range)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := ParsePayload([]byte(`{"id": `))
		if !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload, got %v", err)
		}
	})

	t.Run("wrong shape for text field", func(t *testing.T) {
		_, err := ParsePayload([]byte(`{"id": "evt-1", "subject": 42}`))
		if !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload, got %v", err)
		}
	})
}
