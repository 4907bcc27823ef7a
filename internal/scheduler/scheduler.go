package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/macjediwizard/calsyncmw/internal/db"
	syncengine "github.com/macjediwizard/calsyncmw/internal/sync"
)

const (
	sweepBatchSize   = 50
	sweepMaxAttempts = 10
	sweepTimeout     = 5 * time.Minute
)

// Handler is the engine surface the retry sweep drives.
type Handler interface {
	HandleUpdated(ctx context.Context, sourceID string, rawPayload []byte, requestID string) *syncengine.Result
}

// Scheduler runs the background jobs: the retry sweep that re-drives
// error-status mappings from their stored payload snapshots, and the daily
// audit retention cleanup.
type Scheduler struct {
	db            *db.DB
	engine        Handler
	cron          *cron.Cron
	sweepSchedule string
	retentionDays int
}

// New creates a scheduler. sweepSchedule is a cron expression or @every
// form; retentionDays bounds how long audit rows are kept.
func New(database *db.DB, engine Handler, sweepSchedule string, retentionDays int) *Scheduler {
	return &Scheduler{
		db:            database,
		engine:        engine,
		cron:          cron.New(),
		sweepSchedule: sweepSchedule,
		retentionDays: retentionDays,
	}
}

// Start registers and starts the background jobs.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.sweepSchedule, s.retrySweep); err != nil {
		return fmt.Errorf("invalid retry sweep schedule %q: %w", s.sweepSchedule, err)
	}
	if s.retentionDays > 0 {
		if _, err := s.cron.AddFunc("@daily", s.cleanupHistory); err != nil {
			return fmt.Errorf("failed to register history cleanup: %w", err)
		}
	}

	s.cron.Start()
	log.Printf("Scheduler started (retry sweep %q, retention %d days)", s.sweepSchedule, s.retentionDays)
	return nil
}

// Stop shuts down the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("Scheduler stopped")
}

// retrySweep re-drives mappings stuck in error status through the update
// path using their stored source payload snapshot. Mappings without a
// snapshot or past the attempt ceiling are left for manual inspection.
func (s *Scheduler) retrySweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	mappings, err := s.db.ListErrorMappings(sweepMaxAttempts, sweepBatchSize)
	if err != nil {
		log.Printf("Retry sweep: failed to list error mappings: %v", err)
		return
	}
	if len(mappings) == 0 {
		return
	}

	log.Printf("Retry sweep: retrying %d errored mappings", len(mappings))

	var recovered, failed, skipped int
	for _, m := range mappings {
		if ctx.Err() != nil {
			log.Printf("Retry sweep: timed out with %d mappings remaining", len(mappings)-recovered-failed-skipped)
			return
		}
		if m.SourceEventData == "" {
			skipped++
			continue
		}

		source, err := s.db.GetSourceByRef(m.SourceRef)
		if err != nil {
			log.Printf("Retry sweep: failed to resolve source for mapping %s: %v", m.ID, err)
			skipped++
			continue
		}

		requestID := "retry-sweep-" + uuid.New().String()
		result := s.engine.HandleUpdated(ctx, source.SourceID, []byte(m.SourceEventData), requestID)
		if result.OK() {
			recovered++
		} else {
			failed++
		}
	}

	log.Printf("Retry sweep: %d recovered, %d still failing, %d skipped", recovered, failed, skipped)
}

// cleanupHistory deletes audit rows older than the retention period.
func (s *Scheduler) cleanupHistory() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted, err := s.db.DeleteHistoryBefore(cutoff)
	if err != nil {
		log.Printf("Failed to clean old sync history: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Cleaned %d old sync history rows", deleted)
	}
}
