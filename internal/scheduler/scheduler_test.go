package scheduler

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/macjediwizard/calsyncmw/internal/db"
	syncengine "github.com/macjediwizard/calsyncmw/internal/sync"
)

// fakeHandler records the retries the sweep issues.
type fakeHandler struct {
	calls   []string
	outcome db.HistoryStatus
}

func (f *fakeHandler) HandleUpdated(ctx context.Context, sourceID string, rawPayload []byte, requestID string) *syncengine.Result {
	f.calls = append(f.calls, sourceID+":"+string(rawPayload)+":"+requestID)
	return &syncengine.Result{Status: f.outcome, Operation: db.OperationUpdate, SourceID: sourceID}
}

func setupTestScheduler(t *testing.T) (*db.DB, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calsyncmw-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		database.Close()
		os.RemoveAll(tempDir)
	}
	return database, cleanup
}

func createErroredMapping(t *testing.T, database *db.DB, sourceRef, eventID, snapshot string, attempts int) *db.EventMapping {
	t.Helper()

	m := &db.EventMapping{
		SourceRef:       sourceRef,
		SourceEventID:   eventID,
		TargetUID:       eventID + "@test.caldav",
		SyncStatus:      db.SyncStatusError,
		SyncAttempts:    attempts,
		LastError:       "put failed",
		SourceEventData: snapshot,
	}
	err := database.WithTx(func(tx *sql.Tx) error {
		return database.CreateMappingTx(tx, m)
	})
	if err != nil {
		t.Fatalf("failed to create errored mapping: %v", err)
	}
	return m
}

func TestRetrySweep(t *testing.T) {
	t.Run("re-drives errored mappings from their snapshots", func(t *testing.T) {
		database, cleanup := setupTestScheduler(t)
		defer cleanup()

		source, err := database.ResolveSource("m365-work", 5)
		if err != nil {
			t.Fatalf("failed to resolve source: %v", err)
		}
		createErroredMapping(t, database, source.ID, "evt-1", `{"id":"evt-1"}`, 2)

		handler := &fakeHandler{outcome: db.HistorySuccess}
		s := New(database, handler, "@every 5m", 90)
		s.retrySweep()

		if len(handler.calls) != 1 {
			t.Fatalf("expected 1 retry, got %d", len(handler.calls))
		}
		if !strings.HasPrefix(handler.calls[0], `m365-work:{"id":"evt-1"}:retry-sweep-`) {
			t.Errorf("unexpected retry call %q", handler.calls[0])
		}
	})

	t.Run("skips mappings without a snapshot", func(t *testing.T) {
		database, cleanup := setupTestScheduler(t)
		defer cleanup()

		source, _ := database.ResolveSource("m365-work", 5)
		createErroredMapping(t, database, source.ID, "evt-1", "", 2)

		handler := &fakeHandler{outcome: db.HistorySuccess}
		s := New(database, handler, "@every 5m", 90)
		s.retrySweep()

		if len(handler.calls) != 0 {
			t.Errorf("expected no retries, got %d", len(handler.calls))
		}
	})

	t.Run("skips mappings past the attempt ceiling", func(t *testing.T) {
		database, cleanup := setupTestScheduler(t)
		defer cleanup()

		source, _ := database.ResolveSource("m365-work", 5)
		createErroredMapping(t, database, source.ID, "evt-1", `{"id":"evt-1"}`, sweepMaxAttempts)

		handler := &fakeHandler{outcome: db.HistorySuccess}
		s := New(database, handler, "@every 5m", 90)
		s.retrySweep()

		if len(handler.calls) != 0 {
			t.Errorf("expected no retries past the ceiling, got %d", len(handler.calls))
		}
	})

	t.Run("ignores synced mappings", func(t *testing.T) {
		database, cleanup := setupTestScheduler(t)
		defer cleanup()

		source, _ := database.ResolveSource("m365-work", 5)
		m := &db.EventMapping{
			SourceRef:       source.ID,
			SourceEventID:   "evt-ok",
			TargetUID:       "ok@test.caldav",
			SyncStatus:      db.SyncStatusSynced,
			SourceEventData: `{"id":"evt-ok"}`,
		}
		err := database.WithTx(func(tx *sql.Tx) error {
			return database.CreateMappingTx(tx, m)
		})
		if err != nil {
			t.Fatalf("failed to create mapping: %v", err)
		}

		handler := &fakeHandler{outcome: db.HistorySuccess}
		s := New(database, handler, "@every 5m", 90)
		s.retrySweep()

		if len(handler.calls) != 0 {
			t.Errorf("expected healthy mappings untouched, got %d retries", len(handler.calls))
		}
	})
}

func TestCleanupHistory(t *testing.T) {
	database, cleanup := setupTestScheduler(t)
	defer cleanup()

	source, err := database.ResolveSource("m365-work", 5)
	if err != nil {
		t.Fatalf("failed to resolve source: %v", err)
	}
	if err := database.InsertHistory(&db.SyncHistory{
		SourceRef: source.ID,
		Operation: db.OperationCreate,
		Status:    db.HistorySuccess,
	}); err != nil {
		t.Fatalf("failed to insert history: %v", err)
	}

	s := New(database, &fakeHandler{}, "@every 5m", 90)
	s.cleanupHistory()

	// A fresh row is well inside the retention window.
	rows, err := database.ListHistory(source.ID, "", "", 10)
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected recent history kept, got %d rows", len(rows))
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	database, cleanup := setupTestScheduler(t)
	defer cleanup()

	s := New(database, &fakeHandler{}, "every five minutes", 90)
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("expected error for invalid cron expression")
	}
}
