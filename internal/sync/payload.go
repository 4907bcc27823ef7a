package sync

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidPayload = errors.New("invalid payload")

// TextValue holds a text field that sources deliver either as a plain
// string or as a structured {content, contentType} object. Decoded once at
// the boundary; the engine only sees the normalized form.
type TextValue struct {
	Content     string
	ContentType string
	Present     bool
}

// UnmarshalJSON accepts "text", {"content": ..., "contentType": ...} and
// {"displayName": ...} shapes.
func (t *TextValue) UnmarshalJSON(data []byte) error {
	t.Present = true

	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		t.Content = plain
		t.ContentType = "text"
		return nil
	}

	var structured struct {
		Content     string `json:"content"`
		ContentType string `json:"contentType"`
		DisplayName string `json:"displayName"`
	}
	if err := json.Unmarshal(data, &structured); err != nil {
		return fmt.Errorf("%w: text field is neither string nor object", ErrInvalidPayload)
	}

	if structured.Content == "" && structured.DisplayName != "" {
		t.Content = structured.DisplayName
		t.ContentType = "text"
		return nil
	}

	t.Content = structured.Content
	t.ContentType = structured.ContentType
	if t.ContentType == "" {
		t.ContentType = "text"
	}
	return nil
}

// TimeValue holds an instant that sources deliver either as a bare string
// or as a structured {dateTime, timeZone} object.
type TimeValue struct {
	DateTime string
	TimeZone string
	Present  bool
}

// UnmarshalJSON accepts "2026-01-15T09:00:00" and
// {"dateTime": ..., "timeZone": ...} shapes.
func (t *TimeValue) UnmarshalJSON(data []byte) error {
	t.Present = true

	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		t.DateTime = plain
		return nil
	}

	var structured struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	}
	if err := json.Unmarshal(data, &structured); err != nil {
		return fmt.Errorf("%w: time field is neither string nor object", ErrInvalidPayload)
	}

	t.DateTime = structured.DateTime
	t.TimeZone = structured.TimeZone
	return nil
}

// RecurrencePattern describes how often an event repeats.
type RecurrencePattern struct {
	Type       string   `json:"type"`
	Interval   int      `json:"interval"`
	DaysOfWeek []string `json:"daysOfWeek"`
	DayOfMonth int      `json:"dayOfMonth"`
	Month      int      `json:"month"`
}

// RecurrenceRange describes when a repeating event stops.
type RecurrenceRange struct {
	Type                string `json:"type"`
	StartDate           string `json:"startDate"`
	EndDate             string `json:"endDate"`
	NumberOfOccurrences int    `json:"numberOfOccurrences"`
}

// Recurrence is the source-side recurrence descriptor.
type Recurrence struct {
	Pattern RecurrencePattern `json:"pattern"`
	Range   RecurrenceRange   `json:"range"`
}

// Payload is one decoded change notification body. Pointer fields
// distinguish absent from empty: updates only touch fields the source sent.
type Payload struct {
	ID         string      `json:"id"`
	Subject    *TextValue  `json:"subject"`
	Body       *TextValue  `json:"body"`
	Location   *TextValue  `json:"location"`
	Start      *TimeValue  `json:"start"`
	End        *TimeValue  `json:"end"`
	IsAllDay   *bool       `json:"isAllDay"`
	Recurrence *Recurrence `json:"recurrence"`
	ChangeKey  string      `json:"changeKey"`
}

// ParsePayload decodes a notification body. Unknown fields are ignored so
// sources can send their full event representation. The raw bytes are kept
// by the caller as the stored snapshot.
func ParsePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return &p, nil
}
