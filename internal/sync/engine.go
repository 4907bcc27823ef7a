package sync

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/macjediwizard/calsyncmw/internal/caldav"
	"github.com/macjediwizard/calsyncmw/internal/db"
)

// Error categories surfaced on Result.Category.
const (
	CategoryMissingField    = "missing_field"
	CategoryInvalidPayload  = "invalid_payload"
	CategoryConflict        = "conflict"
	CategoryTargetTransient = "target_transient"
	CategoryTargetPermanent = "target_permanent"
	CategoryStorage         = "storage"
)

const (
	subjectMaxLen     = 255
	locationMaxLen    = 255
	descriptionMaxLen = 8192

	defaultSubject = "Untitled Event"
)

// TargetStore is the narrow gateway surface the engine drives. All three
// mutations are idempotent from the engine's perspective.
type TargetStore interface {
	CreateEvent(ctx context.Context, event *caldav.EventData) (*caldav.PutResult, error)
	UpdateEvent(ctx context.Context, uid, href string, patch *caldav.EventPatch) (*caldav.PutResult, error)
	DeleteEvent(ctx context.Context, uid, href string) error
}

// Result is the structured outcome of one handler invocation. Handlers
// never raise past the boundary; every path produces one of these.
type Result struct {
	Status        db.HistoryStatus `json:"status"`
	Operation     db.OperationType `json:"operation"`
	SourceID      string           `json:"source_id"`
	SourceEventID string           `json:"source_event_id"`
	TargetUID     string           `json:"target_uid,omitempty"`
	TargetHref    string           `json:"target_href,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Message       string           `json:"message,omitempty"`
	Category      string           `json:"category,omitempty"`
	ProcessingMS  int64            `json:"processing_ms"`
	RequestID     string           `json:"request_id,omitempty"`
}

// OK reports whether the handler reached a terminal non-error outcome.
func (r *Result) OK() bool {
	return r.Status != db.HistoryError
}

// Options configures engine behavior.
type Options struct {
	Strategy          string
	Deduplicate       bool
	DefaultZone       *time.Location
	PriorityFor       func(sourceID string) int
	OnSourceErrors    func(sourceID string, consecutive int)
	OnSourceRecovered func(sourceID string)
}

// Engine orchestrates the three sync operations: resolve the source, look
// up the mapping, decide conflicts, drive the target store and record
// every decision in the audit log.
type Engine struct {
	db     *db.DB
	target TargetStore
	opts   Options
}

// New creates a sync engine. An unrecognized conflict strategy is reported
// once here and treated as last_write_wins at decision time.
func New(database *db.DB, target TargetStore, opts Options) *Engine {
	if opts.DefaultZone == nil {
		opts.DefaultZone = time.UTC
	}
	if opts.PriorityFor == nil {
		opts.PriorityFor = func(string) int { return 5 }
	}
	if opts.Strategy != "" && !ValidStrategy(opts.Strategy) {
		log.Printf("WARNING: unknown conflict resolution strategy %q, falling back to %s", opts.Strategy, StrategyLastWriteWins)
	}
	return &Engine{db: database, target: target, opts: opts}
}

// HandleCreated processes a creation notification.
func (e *Engine) HandleCreated(ctx context.Context, sourceID string, rawPayload []byte, requestID string) *Result {
	started := time.Now()

	src, res := e.resolveSource(sourceID, db.OperationCreate, requestID, started)
	if res != nil {
		return res
	}

	p, err := ParsePayload(rawPayload)
	if err != nil {
		return e.failure(src, nil, db.OperationCreate, "", "", CategoryInvalidPayload, err, requestID, started)
	}

	return e.handleCreated(ctx, src, p, rawPayload, requestID, started)
}

// HandleUpdated processes an update notification.
func (e *Engine) HandleUpdated(ctx context.Context, sourceID string, rawPayload []byte, requestID string) *Result {
	started := time.Now()

	src, res := e.resolveSource(sourceID, db.OperationUpdate, requestID, started)
	if res != nil {
		return res
	}

	p, err := ParsePayload(rawPayload)
	if err != nil {
		return e.failure(src, nil, db.OperationUpdate, "", "", CategoryInvalidPayload, err, requestID, started)
	}

	return e.handleUpdated(ctx, src, p, rawPayload, requestID, started)
}

// HandleDeleted processes a deletion notification. Deleting an unknown
// event is an idempotent no-op recorded as skipped, not an error.
func (e *Engine) HandleDeleted(ctx context.Context, sourceID string, rawPayload []byte, requestID string) *Result {
	started := time.Now()

	src, res := e.resolveSource(sourceID, db.OperationDelete, requestID, started)
	if res != nil {
		return res
	}

	p, err := ParsePayload(rawPayload)
	if err != nil {
		return e.failure(src, nil, db.OperationDelete, "", "", CategoryInvalidPayload, err, requestID, started)
	}
	if p.ID == "" {
		return e.failure(src, nil, db.OperationDelete, "", "", CategoryMissingField, errors.New("payload is missing the event identifier"), requestID, started)
	}

	mapping, err := e.db.FindMapping(src.ID, p.ID)
	if errors.Is(err, db.ErrNotFound) {
		return e.skipped(src, nil, db.OperationDelete, p.ID, "", "not found", "no mapping found for event", requestID, started)
	}
	if err != nil {
		return e.failure(src, nil, db.OperationDelete, p.ID, "", CategoryStorage, err, requestID, started)
	}

	// The source says the event is gone. A target store failure here must
	// not contradict that intent, so the mapping is soft-deleted either way.
	if err := e.target.DeleteEvent(ctx, mapping.TargetUID, mapping.TargetHref); err != nil && !errors.Is(err, caldav.ErrNotFound) {
		log.Printf("WARNING: target delete failed for %s/%s (uid %s), soft-deleting mapping anyway: %v",
			src.SourceID, p.ID, mapping.TargetUID, err)
	}

	elapsed := time.Since(started)
	err = e.db.WithTx(func(tx *sql.Tx) error {
		if err := e.db.SoftDeleteMappingTx(tx, mapping.ID); err != nil {
			return err
		}
		if err := e.db.MarkSourceSyncedTx(tx, src.ID); err != nil {
			return err
		}
		return e.db.InsertHistoryTx(tx, &db.SyncHistory{
			MappingRef:    mapping.ID,
			SourceRef:     src.ID,
			Operation:     db.OperationDelete,
			Status:        db.HistorySuccess,
			SourceEventID: p.ID,
			TargetUID:     mapping.TargetUID,
			Details:       "event deleted",
			Duration:      elapsed,
			RequestID:     requestID,
		})
	})
	if err != nil {
		return e.failure(src, mapping, db.OperationDelete, p.ID, mapping.TargetUID, CategoryStorage, err, requestID, started)
	}
	e.sourceRecovered(src)

	return &Result{
		Status:        db.HistorySuccess,
		Operation:     db.OperationDelete,
		SourceID:      src.SourceID,
		SourceEventID: p.ID,
		TargetUID:     mapping.TargetUID,
		ProcessingMS:  elapsed.Milliseconds(),
		RequestID:     requestID,
	}
}

func (e *Engine) handleCreated(ctx context.Context, src *db.Source, p *Payload, rawPayload []byte, requestID string, started time.Time) *Result {
	if p.ID == "" {
		return e.failure(src, nil, db.OperationCreate, "", "", CategoryMissingField, errors.New("payload is missing the event identifier"), requestID, started)
	}

	if e.opts.Deduplicate {
		_, err := e.db.FindMapping(src.ID, p.ID)
		if err == nil {
			log.Printf("Duplicate create for %s/%s, forwarding to update", src.SourceID, p.ID)
			return e.handleUpdated(ctx, src, p, rawPayload, requestID, started)
		}
		if !errors.Is(err, db.ErrNotFound) {
			return e.failure(src, nil, db.OperationCreate, p.ID, "", CategoryStorage, err, requestID, started)
		}
	}

	start := NormalizeInstant(p.Start, e.opts.DefaultZone)
	end := NormalizeInstant(p.End, e.opts.DefaultZone)
	if start == nil || end == nil {
		return e.failure(src, nil, db.OperationCreate, p.ID, "", CategoryInvalidPayload,
			errors.New("event start or end time is missing or unparseable"), requestID, started)
	}

	uid := DeriveUID(src.SourceID, p.ID)

	subject := NormalizeText(p.Subject, subjectMaxLen)
	if subject == "" {
		subject = defaultSubject
	}
	allDay := p.IsAllDay != nil && *p.IsAllDay

	event := &caldav.EventData{
		UID:         uid,
		Subject:     subject,
		Description: NormalizeText(p.Body, descriptionMaxLen),
		Location:    NormalizeText(p.Location, locationMaxLen),
		Start:       *start,
		End:         *end,
		AllDay:      allDay,
	}
	if p.Recurrence != nil {
		rule, err := TranslateRecurrence(p.Recurrence)
		if err != nil {
			log.Printf("WARNING: dropping recurrence for %s/%s: %v", src.SourceID, p.ID, err)
		}
		event.RecurrenceRule = rule
	}

	putResult, err := e.target.CreateEvent(ctx, event)
	if err != nil {
		return e.failure(src, nil, db.OperationCreate, p.ID, uid, targetCategory(err), err, requestID, started)
	}

	now := time.Now().UTC()
	mapping := &db.EventMapping{
		SourceRef:       src.ID,
		SourceEventID:   p.ID,
		SourceChangeKey: p.ChangeKey,
		TargetUID:       uid,
		TargetHref:      putResult.Href,
		TargetETag:      putResult.ETag,
		EventSubject:    subject,
		EventStart:      start,
		EventEnd:        end,
		IsAllDay:        allDay,
		IsRecurring:     event.RecurrenceRule != "",
		RecurrenceRule:  event.RecurrenceRule,
		SyncStatus:      db.SyncStatusSynced,
		LastSyncedAt:    &now,
		SourceEventData: string(rawPayload),
		TargetEventData: putResult.ICalendar,
	}

	elapsed := time.Since(started)
	txErr := e.db.WithTx(func(tx *sql.Tx) error {
		if err := e.db.CreateMappingTx(tx, mapping); err != nil {
			return err
		}
		if err := e.db.MarkSourceSyncedTx(tx, src.ID); err != nil {
			return err
		}
		return e.db.InsertHistoryTx(tx, &db.SyncHistory{
			MappingRef:    mapping.ID,
			SourceRef:     src.ID,
			Operation:     db.OperationCreate,
			Status:        db.HistorySuccess,
			SourceEventID: p.ID,
			TargetUID:     uid,
			Details:       "event created",
			Duration:      elapsed,
			RequestID:     requestID,
		})
	})
	if errors.Is(txErr, db.ErrDuplicate) {
		// A concurrent create for the same event landed first. The target
		// put was an upsert on the same UID, so falling back to the update
		// path is safe.
		log.Printf("Concurrent create detected for %s/%s, falling back to update", src.SourceID, p.ID)
		return e.handleUpdated(ctx, src, p, rawPayload, requestID, started)
	}
	if txErr != nil {
		return e.failure(src, nil, db.OperationCreate, p.ID, uid, CategoryStorage, txErr, requestID, started)
	}
	e.sourceRecovered(src)

	return &Result{
		Status:        db.HistorySuccess,
		Operation:     db.OperationCreate,
		SourceID:      src.SourceID,
		SourceEventID: p.ID,
		TargetUID:     uid,
		TargetHref:    putResult.Href,
		ProcessingMS:  elapsed.Milliseconds(),
		RequestID:     requestID,
	}
}

func (e *Engine) handleUpdated(ctx context.Context, src *db.Source, p *Payload, rawPayload []byte, requestID string, started time.Time) *Result {
	if p.ID == "" {
		return e.failure(src, nil, db.OperationUpdate, "", "", CategoryMissingField, errors.New("payload is missing the event identifier"), requestID, started)
	}

	mapping, err := e.db.FindMapping(src.ID, p.ID)
	if errors.Is(err, db.ErrNotFound) {
		log.Printf("Update for unknown event %s/%s, treating as create", src.SourceID, p.ID)
		return e.handleCreated(ctx, src, p, rawPayload, requestID, started)
	}
	if err != nil {
		return e.failure(src, nil, db.OperationUpdate, p.ID, "", CategoryStorage, err, requestID, started)
	}

	// The mapping carries the priority assigned when its owner was first
	// seen; the incoming change carries the currently configured priority.
	existingPriority := src.Priority
	incomingPriority := e.opts.PriorityFor(src.SourceID)
	apply, reason := Decide(existingPriority, incomingPriority, e.opts.Strategy)

	if !apply {
		res := e.skipped(src, mapping, db.OperationUpdate, p.ID, mapping.TargetUID, reason, reason, requestID, started)
		e.recordConflict(mapping, reason, mapping.SourceEventData, string(rawPayload), mapping.SourceEventData)
		return res
	}

	patch := &caldav.EventPatch{}
	if p.Subject != nil {
		subject := NormalizeText(p.Subject, subjectMaxLen)
		if subject == "" {
			subject = defaultSubject
		}
		patch.Subject = &subject
		mapping.EventSubject = subject
	}
	if p.Body != nil {
		description := NormalizeText(p.Body, descriptionMaxLen)
		patch.Description = &description
	}
	if p.Location != nil {
		location := NormalizeText(p.Location, locationMaxLen)
		patch.Location = &location
	}
	if p.Start != nil {
		if start := NormalizeInstant(p.Start, e.opts.DefaultZone); start != nil {
			patch.Start = start
			mapping.EventStart = start
		} else {
			log.Printf("WARNING: unparseable start time in update for %s/%s, leaving stored value", src.SourceID, p.ID)
		}
	}
	if p.End != nil {
		if end := NormalizeInstant(p.End, e.opts.DefaultZone); end != nil {
			patch.End = end
			mapping.EventEnd = end
		} else {
			log.Printf("WARNING: unparseable end time in update for %s/%s, leaving stored value", src.SourceID, p.ID)
		}
	}
	if p.IsAllDay != nil {
		patch.AllDay = p.IsAllDay
		mapping.IsAllDay = *p.IsAllDay
	}
	if p.Recurrence != nil {
		rule, err := TranslateRecurrence(p.Recurrence)
		if err != nil {
			log.Printf("WARNING: dropping recurrence for %s/%s: %v", src.SourceID, p.ID, err)
		} else {
			patch.RecurrenceRule = &rule
			mapping.RecurrenceRule = rule
			mapping.IsRecurring = rule != ""
		}
	}
	if p.ChangeKey != "" {
		mapping.SourceChangeKey = p.ChangeKey
	}

	putResult, err := e.target.UpdateEvent(ctx, mapping.TargetUID, mapping.TargetHref, patch)
	if err != nil {
		return e.failure(src, mapping, db.OperationUpdate, p.ID, mapping.TargetUID, targetCategory(err), err, requestID, started)
	}

	now := time.Now().UTC()
	previousSnapshot := mapping.SourceEventData
	mapping.TargetHref = putResult.Href
	mapping.TargetETag = putResult.ETag
	mapping.SyncStatus = db.SyncStatusSynced
	mapping.SyncAttempts = 0
	mapping.LastError = ""
	mapping.LastSyncedAt = &now
	mapping.SourceEventData = string(rawPayload)
	mapping.TargetEventData = putResult.ICalendar

	elapsed := time.Since(started)
	err = e.db.WithTx(func(tx *sql.Tx) error {
		if err := e.db.UpdateMappingTx(tx, mapping); err != nil {
			return err
		}
		if err := e.db.MarkSourceSyncedTx(tx, src.ID); err != nil {
			return err
		}
		return e.db.InsertHistoryTx(tx, &db.SyncHistory{
			MappingRef:    mapping.ID,
			SourceRef:     src.ID,
			Operation:     db.OperationUpdate,
			Status:        db.HistorySuccess,
			SourceEventID: p.ID,
			TargetUID:     mapping.TargetUID,
			Details:       "event updated",
			Duration:      elapsed,
			RequestID:     requestID,
		})
	})
	if err != nil {
		return e.failure(src, mapping, db.OperationUpdate, p.ID, mapping.TargetUID, CategoryStorage, err, requestID, started)
	}
	e.sourceRecovered(src)

	// Record the evaluation when priorities genuinely disagreed; a routine
	// same-priority update is not a conflict worth auditing.
	if e.opts.Strategy == StrategyPriorityBased && existingPriority != incomingPriority {
		e.recordConflict(mapping, reason, previousSnapshot, string(rawPayload), string(rawPayload))
	}

	return &Result{
		Status:        db.HistorySuccess,
		Operation:     db.OperationUpdate,
		SourceID:      src.SourceID,
		SourceEventID: p.ID,
		TargetUID:     mapping.TargetUID,
		TargetHref:    mapping.TargetHref,
		ProcessingMS:  elapsed.Milliseconds(),
		RequestID:     requestID,
	}
}

// resolveSource loads or provisions the source record. A storage failure
// here cannot be attributed to a source row, so no history is written.
func (e *Engine) resolveSource(sourceID string, op db.OperationType, requestID string, started time.Time) (*db.Source, *Result) {
	src, err := e.db.ResolveSource(sourceID, e.opts.PriorityFor(sourceID))
	if err != nil {
		log.Printf("ERROR: failed to resolve source %s: %v", sourceID, err)
		return nil, &Result{
			Status:       db.HistoryError,
			Operation:    op,
			SourceID:     sourceID,
			Category:     CategoryStorage,
			Message:      err.Error(),
			ProcessingMS: time.Since(started).Milliseconds(),
			RequestID:    requestID,
		}
	}
	return src, nil
}

// sourceRecovered fires the recovery callback when a source that had
// accumulated errors syncs cleanly again. The counter itself was already
// reset by MarkSourceSyncedTx inside the commit.
func (e *Engine) sourceRecovered(src *db.Source) {
	if e.opts.OnSourceRecovered != nil && src.SyncErrors > 0 {
		e.opts.OnSourceRecovered(src.SourceID)
	}
}

// skipped records a non-error skip outcome with its audit row.
func (e *Engine) skipped(src *db.Source, mapping *db.EventMapping, op db.OperationType, eventID, uid, reason, details, requestID string, started time.Time) *Result {
	elapsed := time.Since(started)
	h := &db.SyncHistory{
		SourceRef:     src.ID,
		Operation:     op,
		Status:        db.HistorySkipped,
		SourceEventID: eventID,
		TargetUID:     uid,
		Details:       details,
		Duration:      elapsed,
		RequestID:     requestID,
	}
	if mapping != nil {
		h.MappingRef = mapping.ID
	}
	if err := e.db.InsertHistory(h); err != nil {
		log.Printf("WARNING: failed to record skipped %s for %s/%s: %v", op, src.SourceID, eventID, err)
	}

	result := &Result{
		Status:        db.HistorySkipped,
		Operation:     op,
		SourceID:      src.SourceID,
		SourceEventID: eventID,
		TargetUID:     uid,
		Reason:        reason,
		ProcessingMS:  elapsed.Milliseconds(),
		RequestID:     requestID,
	}
	if mapping != nil {
		result.Category = CategoryConflict
	}
	return result
}

// recordConflict persists why a conflicting update was accepted or
// rejected. Best-effort: an audit miss here must not fail the sync.
func (e *Engine) recordConflict(mapping *db.EventMapping, reason, versionA, versionB, resolved string) {
	err := e.db.WithTx(func(tx *sql.Tx) error {
		return e.db.InsertConflictTx(tx, &db.ConflictResolution{
			MappingRef:   mapping.ID,
			ConflictType: "concurrent_update",
			Strategy:     e.strategyName(),
			VersionA:     versionA,
			VersionB:     versionB,
			Resolved:     resolved,
			Details:      reason,
		})
	})
	if err != nil {
		log.Printf("WARNING: failed to record conflict resolution for mapping %s: %v", mapping.ID, err)
	}
}

func (e *Engine) strategyName() string {
	if ValidStrategy(e.opts.Strategy) {
		return e.opts.Strategy
	}
	return StrategyLastWriteWins
}

// failure converts any error into the structured error outcome: mapping
// and source error counters are bumped and a history row is attempted,
// all best-effort so the original error is never masked.
func (e *Engine) failure(src *db.Source, mapping *db.EventMapping, op db.OperationType, eventID, uid, category string, cause error, requestID string, started time.Time) *Result {
	elapsed := time.Since(started)
	log.Printf("ERROR: %s failed for %s/%s (%s): %v", op, src.SourceID, eventID, category, cause)

	if mapping != nil {
		if err := e.db.MarkMappingError(mapping.ID, cause.Error()); err != nil {
			log.Printf("WARNING: failed to mark mapping %s errored: %v", mapping.ID, err)
		}
	}

	count, err := e.db.IncrementSourceErrors(src.ID)
	if err != nil {
		log.Printf("WARNING: failed to increment error counter for source %s: %v", src.SourceID, err)
	} else if e.opts.OnSourceErrors != nil {
		e.opts.OnSourceErrors(src.SourceID, count)
	}

	h := &db.SyncHistory{
		SourceRef:     src.ID,
		Operation:     op,
		Status:        db.HistoryError,
		SourceEventID: eventID,
		TargetUID:     uid,
		ErrorMessage:  cause.Error(),
		Duration:      elapsed,
		RequestID:     requestID,
	}
	if mapping != nil {
		h.MappingRef = mapping.ID
	}
	if err := e.db.InsertHistory(h); err != nil {
		log.Printf("WARNING: failed to record error history for %s/%s: %v", src.SourceID, eventID, err)
	}

	return &Result{
		Status:        db.HistoryError,
		Operation:     op,
		SourceID:      src.SourceID,
		SourceEventID: eventID,
		TargetUID:     uid,
		Message:       cause.Error(),
		Category:      category,
		ProcessingMS:  elapsed.Milliseconds(),
		RequestID:     requestID,
	}
}

// targetCategory classifies a gateway error for the result record.
func targetCategory(err error) string {
	if errors.Is(err, caldav.ErrTransient) {
		return CategoryTargetTransient
	}
	return CategoryTargetPermanent
}
