package db

import (
	"strings"
	"time"
)

// SyncStatus represents the lifecycle status of an event mapping.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
	SyncStatusDeleted SyncStatus = "deleted"
)

// OperationType represents the kind of sync operation.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// HistoryStatus represents the outcome recorded for a sync operation.
type HistoryStatus string

const (
	HistorySuccess HistoryStatus = "success"
	HistoryError   HistoryStatus = "error"
	HistorySkipped HistoryStatus = "skipped"
)

// SourceType represents the provider family of a source calendar.
type SourceType string

const (
	SourceTypeMicrosoft365 SourceType = "microsoft365"
	SourceTypeICloud       SourceType = "icloud"
	SourceTypeGoogle       SourceType = "google"
	SourceTypeUnknown      SourceType = "unknown"
)

// InferSourceType derives the provider family from a source identifier.
func InferSourceType(sourceID string) SourceType {
	lower := strings.ToLower(sourceID)
	switch {
	case strings.Contains(lower, "m365"), strings.Contains(lower, "outlook"), strings.Contains(lower, "microsoft"):
		return SourceTypeMicrosoft365
	case strings.Contains(lower, "icloud"):
		return SourceTypeICloud
	case strings.Contains(lower, "google"):
		return SourceTypeGoogle
	default:
		return SourceTypeUnknown
	}
}

// DisplayNameFor derives a human-readable name from a source identifier.
func DisplayNameFor(sourceID string) string {
	words := strings.Split(strings.ReplaceAll(sourceID, "-", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Source represents one upstream calendar system emitting change
// notifications. Provisioned lazily on the first notification seen for an
// unknown identifier and never deleted by the engine.
type Source struct {
	ID           string     `json:"id"`
	SourceID     string     `json:"source_id"`
	SourceType   SourceType `json:"source_type"`
	DisplayName  string     `json:"display_name"`
	Priority     int        `json:"priority"`
	SyncEnabled  bool       `json:"sync_enabled"`
	SyncErrors   int        `json:"sync_errors"`
	LastSyncTime *time.Time `json:"last_sync_time"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// EventMapping associates one source event with one event in the target
// calendar. (source, source_event_id) is unique among live rows; the
// target UID never changes for the life of the row.
type EventMapping struct {
	ID              string     `json:"id"`
	SourceRef       string     `json:"source_ref"` // sources.id
	SourceEventID   string     `json:"source_event_id"`
	SourceChangeKey string     `json:"source_change_key,omitempty"`
	TargetUID       string     `json:"target_uid"`
	TargetHref      string     `json:"target_href"`
	TargetETag      string     `json:"target_etag"`
	EventSubject    string     `json:"event_subject"`
	EventStart      *time.Time `json:"event_start"`
	EventEnd        *time.Time `json:"event_end"`
	IsAllDay        bool       `json:"is_all_day"`
	IsRecurring     bool       `json:"is_recurring"`
	RecurrenceRule  string     `json:"recurrence_rule,omitempty"`
	SyncStatus      SyncStatus `json:"sync_status"`
	SyncAttempts    int        `json:"sync_attempts"`
	LastError       string     `json:"last_error,omitempty"`
	LastSyncedAt    *time.Time `json:"last_synced_at"`
	SourceEventData string     `json:"source_event_data,omitempty"` // JSON snapshot
	TargetEventData string     `json:"target_event_data,omitempty"` // iCalendar snapshot
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at"`
}

// IsDeleted reports whether the mapping has been soft-deleted.
func (m *EventMapping) IsDeleted() bool {
	return m.DeletedAt != nil
}

// SyncHistory is an append-only audit row recorded for every engine
// decision. The engine never mutates or deletes rows; retention cleanup is
// a scheduler concern.
type SyncHistory struct {
	ID            string        `json:"id"`
	MappingRef    string        `json:"mapping_ref,omitempty"` // empty when no mapping exists
	SourceRef     string        `json:"source_ref"`
	Operation     OperationType `json:"operation"`
	Status        HistoryStatus `json:"status"`
	SourceEventID string        `json:"source_event_id"`
	TargetUID     string        `json:"target_uid,omitempty"`
	Details       string        `json:"details,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Duration      time.Duration `json:"duration"`
	RequestID     string        `json:"request_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ConflictResolution records why a conflicting update was accepted or
// rejected.
type ConflictResolution struct {
	ID           string    `json:"id"`
	MappingRef   string    `json:"mapping_ref"`
	ConflictType string    `json:"conflict_type"`
	Strategy     string    `json:"strategy"`
	VersionA     string    `json:"version_a,omitempty"` // existing snapshot, JSON
	VersionB     string    `json:"version_b,omitempty"` // incoming snapshot, JSON
	Resolved     string    `json:"resolved,omitempty"`
	Details      string    `json:"details,omitempty"`
	ResolvedBy   string    `json:"resolved_by"`
	CreatedAt    time.Time `json:"created_at"`
}

// SourceStats aggregates per-source counts for the stats endpoint.
type SourceStats struct {
	SourceID    string     `json:"source_id"`
	DisplayName string     `json:"display_name"`
	EventCount  int        `json:"event_count"`
	LastSync    *time.Time `json:"last_sync"`
	SyncErrors  int        `json:"sync_errors"`
}

// OperationCount aggregates recent sync operations by kind and outcome.
type OperationCount struct {
	Operation OperationType `json:"operation"`
	Status    HistoryStatus `json:"status"`
	Count     int           `json:"count"`
}
