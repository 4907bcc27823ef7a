package activity

import (
	"sync"
	"time"
)

// Record is one handler outcome as shown on the activity feed.
type Record struct {
	SourceID      string    `json:"source_id"`
	Operation     string    `json:"operation"`
	Status        string    `json:"status"`
	SourceEventID string    `json:"source_event_id"`
	TargetUID     string    `json:"target_uid,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	ProcessingMS  int64     `json:"processing_ms"`
	RequestID     string    `json:"request_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Tracker keeps a bounded in-memory feed of recent handler outcomes, plus
// per-source running tallies since startup.
type Tracker struct {
	mu        sync.RWMutex
	recent    []*Record
	maxRecent int
	tallies   map[string]*Tally
}

// Tally accumulates per-source operation counts.
type Tally struct {
	SourceID string `json:"source_id"`
	Success  int    `json:"success"`
	Skipped  int    `json:"skipped"`
	Errors   int    `json:"errors"`
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		recent:    make([]*Record, 0),
		maxRecent: 50,
		tallies:   make(map[string]*Tally),
	}
}

// Observe records one handler outcome.
func (t *Tracker) Observe(r Record) {
	if r.OccurredAt.IsZero() {
		r.OccurredAt = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.recent = append([]*Record{&r}, t.recent...)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[:t.maxRecent]
	}

	tally, ok := t.tallies[r.SourceID]
	if !ok {
		tally = &Tally{SourceID: r.SourceID}
		t.tallies[r.SourceID] = tally
	}
	switch r.Status {
	case "success":
		tally.Success++
	case "skipped":
		tally.Skipped++
	default:
		tally.Errors++
	}
}

// Recent returns the newest outcomes, newest first.
func (t *Tracker) Recent() []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Record, len(t.recent))
	for i, r := range t.recent {
		copy := *r
		result[i] = &copy
	}
	return result
}

// Tallies returns the per-source counters accumulated since startup.
func (t *Tracker) Tallies() []*Tally {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Tally, 0, len(t.tallies))
	for _, tally := range t.tallies {
		copy := *tally
		result = append(result, &copy)
	}
	return result
}
