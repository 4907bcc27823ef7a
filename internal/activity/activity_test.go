package activity

import (
	"fmt"
	"testing"
)

func TestTracker(t *testing.T) {
	t.Run("recent is newest first and bounded", func(t *testing.T) {
		tracker := NewTracker()
		for i := 0; i < 60; i++ {
			tracker.Observe(Record{
				SourceID:      "m365-work",
				Operation:     "create",
				Status:        "success",
				SourceEventID: fmt.Sprintf("evt-%d", i),
			})
		}

		recent := tracker.Recent()
		if len(recent) != 50 {
			t.Fatalf("expected feed capped at 50, got %d", len(recent))
		}
		if recent[0].SourceEventID != "evt-59" {
			t.Errorf("expected newest first, got %q", recent[0].SourceEventID)
		}
		if recent[0].OccurredAt.IsZero() {
			t.Error("expected timestamp to be stamped")
		}
	})

	t.Run("tallies accumulate per source", func(t *testing.T) {
		tracker := NewTracker()
		tracker.Observe(Record{SourceID: "m365-work", Status: "success"})
		tracker.Observe(Record{SourceID: "m365-work", Status: "success"})
		tracker.Observe(Record{SourceID: "m365-work", Status: "skipped"})
		tracker.Observe(Record{SourceID: "icloud-personal", Status: "error"})

		tallies := tracker.Tallies()
		byID := make(map[string]*Tally)
		for _, tally := range tallies {
			byID[tally.SourceID] = tally
		}

		work := byID["m365-work"]
		if work == nil || work.Success != 2 || work.Skipped != 1 || work.Errors != 0 {
			t.Errorf("unexpected tally %+v", work)
		}
		personal := byID["icloud-personal"]
		if personal == nil || personal.Errors != 1 {
			t.Errorf("unexpected tally %+v", personal)
		}
	})

	t.Run("returned records are copies", func(t *testing.T) {
		tracker := NewTracker()
		tracker.Observe(Record{SourceID: "m365-work", Status: "success"})

		recent := tracker.Recent()
		recent[0].SourceID = "mutated"

		if tracker.Recent()[0].SourceID != "m365-work" {
			t.Error("expected internal state to be isolated from callers")
		}
	})
}
