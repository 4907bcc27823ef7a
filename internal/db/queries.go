package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// execer is satisfied by both *sql.DB and *sql.Tx so mutations can run
// standalone or inside the engine's state+audit transactions.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// ResolveSource returns the source record for sourceID, provisioning it on
// first sight. Safe under concurrent first-arrival: the loser of a
// duplicate insert re-reads the winner's row.
func (db *DB) ResolveSource(sourceID string, priority int) (*Source, error) {
	source, err := db.GetSourceBySourceID(sourceID)
	if err == nil {
		return source, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	source = &Source{
		ID:          uuid.New().String(),
		SourceID:    sourceID,
		SourceType:  InferSourceType(sourceID),
		DisplayName: DisplayNameFor(sourceID),
		Priority:    priority,
		SyncEnabled: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := `INSERT INTO sources (id, source_id, source_type, display_name, priority, sync_enabled, sync_errors, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`
	_, err = db.conn.Exec(query, source.ID, source.SourceID, source.SourceType, source.DisplayName,
		source.Priority, source.SyncEnabled, source.CreatedAt, source.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Another notification from this source won the race.
			return db.GetSourceBySourceID(sourceID)
		}
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	return source, nil
}

// GetSourceBySourceID returns a source by its external identifier.
func (db *DB) GetSourceBySourceID(sourceID string) (*Source, error) {
	query := `SELECT id, source_id, source_type, display_name, priority, sync_enabled, sync_errors, last_sync_time, created_at, updated_at
		FROM sources WHERE source_id = ?`
	return scanSource(db.conn.QueryRow(query, sourceID))
}

// GetSourceByRef returns a source by its row id.
func (db *DB) GetSourceByRef(ref string) (*Source, error) {
	query := `SELECT id, source_id, source_type, display_name, priority, sync_enabled, sync_errors, last_sync_time, created_at, updated_at
		FROM sources WHERE id = ?`
	return scanSource(db.conn.QueryRow(query, ref))
}

// ListSources returns all known sources ordered by identifier.
func (db *DB) ListSources() ([]*Source, error) {
	query := `SELECT id, source_id, source_type, display_name, priority, sync_enabled, sync_errors, last_sync_time, created_at, updated_at
		FROM sources ORDER BY source_id`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		source := &Source{}
		var lastSync sql.NullTime
		err := rows.Scan(&source.ID, &source.SourceID, &source.SourceType, &source.DisplayName,
			&source.Priority, &source.SyncEnabled, &source.SyncErrors, &lastSync,
			&source.CreatedAt, &source.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		if lastSync.Valid {
			source.LastSyncTime = &lastSync.Time
		}
		sources = append(sources, source)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sources: %w", err)
	}
	return sources, nil
}

// IncrementSourceErrors bumps the consecutive error counter and returns the
// new value.
func (db *DB) IncrementSourceErrors(ref string) (int, error) {
	now := time.Now().UTC()
	_, err := db.conn.Exec(`UPDATE sources SET sync_errors = sync_errors + 1, updated_at = ? WHERE id = ?`, now, ref)
	if err != nil {
		return 0, fmt.Errorf("failed to increment source errors: %w", err)
	}

	var count int
	if err := db.conn.QueryRow(`SELECT sync_errors FROM sources WHERE id = ?`, ref).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read source errors: %w", err)
	}
	return count, nil
}

// MarkSourceSyncedTx resets the error counter and stamps the last
// successful sync time.
func (db *DB) MarkSourceSyncedTx(tx *sql.Tx, ref string) error {
	now := time.Now().UTC()
	_, err := tx.Exec(`UPDATE sources SET sync_errors = 0, last_sync_time = ?, updated_at = ? WHERE id = ?`, now, now, ref)
	if err != nil {
		return fmt.Errorf("failed to mark source synced: %w", err)
	}
	return nil
}

// FindMapping returns the live mapping for (source, source event id).
// Soft-deleted rows are excluded.
func (db *DB) FindMapping(sourceRef, sourceEventID string) (*EventMapping, error) {
	query := mappingSelect + ` WHERE source_ref = ? AND source_event_id = ? AND deleted_at IS NULL`
	return scanMapping(db.conn.QueryRow(query, sourceRef, sourceEventID))
}

// GetMappingByID returns a mapping by row id, including soft-deleted rows.
func (db *DB) GetMappingByID(id string) (*EventMapping, error) {
	query := mappingSelect + ` WHERE id = ?`
	return scanMapping(db.conn.QueryRow(query, id))
}

const mappingSelect = `SELECT id, source_ref, source_event_id, source_change_key, target_uid, target_href, target_etag,
	event_subject, event_start, event_end, is_all_day, is_recurring, recurrence_rule,
	sync_status, sync_attempts, last_error, last_synced_at, source_event_data, target_event_data,
	created_at, updated_at, deleted_at
	FROM event_mappings`

// CreateMappingTx inserts a new mapping. Returns ErrDuplicate when a
// concurrent create for the same live (source, event) pair already landed;
// the caller falls back to the update path.
func (db *DB) CreateMappingTx(tx *sql.Tx, m *EventMapping) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	query := `INSERT INTO event_mappings (
		id, source_ref, source_event_id, source_change_key, target_uid, target_href, target_etag,
		event_subject, event_start, event_end, is_all_day, is_recurring, recurrence_rule,
		sync_status, sync_attempts, last_error, last_synced_at, source_event_data, target_event_data,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.Exec(query,
		m.ID, m.SourceRef, m.SourceEventID, nullStr(m.SourceChangeKey), m.TargetUID, nullStr(m.TargetHref), nullStr(m.TargetETag),
		m.EventSubject, nullTime(m.EventStart), nullTime(m.EventEnd), m.IsAllDay, m.IsRecurring, nullStr(m.RecurrenceRule),
		m.SyncStatus, m.SyncAttempts, nullStr(m.LastError), nullTime(m.LastSyncedAt), nullStr(m.SourceEventData), nullStr(m.TargetEventData),
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create mapping: %w", err)
	}
	return nil
}

// UpdateMappingTx persists the mutable fields of a mapping.
func (db *DB) UpdateMappingTx(tx *sql.Tx, m *EventMapping) error {
	m.UpdatedAt = time.Now().UTC()

	query := `UPDATE event_mappings SET
		source_change_key = ?, target_href = ?, target_etag = ?,
		event_subject = ?, event_start = ?, event_end = ?, is_all_day = ?, is_recurring = ?, recurrence_rule = ?,
		sync_status = ?, sync_attempts = ?, last_error = ?, last_synced_at = ?,
		source_event_data = ?, target_event_data = ?, updated_at = ?
		WHERE id = ?`

	result, err := tx.Exec(query,
		nullStr(m.SourceChangeKey), nullStr(m.TargetHref), nullStr(m.TargetETag),
		m.EventSubject, nullTime(m.EventStart), nullTime(m.EventEnd), m.IsAllDay, m.IsRecurring, nullStr(m.RecurrenceRule),
		m.SyncStatus, m.SyncAttempts, nullStr(m.LastError), nullTime(m.LastSyncedAt),
		nullStr(m.SourceEventData), nullStr(m.TargetEventData), m.UpdatedAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update mapping: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteMappingTx marks a mapping deleted without removing the row, so
// its audit history stays attributable.
func (db *DB) SoftDeleteMappingTx(tx *sql.Tx, id string) error {
	now := time.Now().UTC()
	result, err := tx.Exec(`UPDATE event_mappings SET sync_status = ?, deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		SyncStatusDeleted, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to soft delete mapping: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMappingError records a failed sync attempt on the mapping.
// Best-effort: called outside the main transaction on error paths.
func (db *DB) MarkMappingError(id, errMsg string) error {
	now := time.Now().UTC()
	_, err := db.conn.Exec(`UPDATE event_mappings SET sync_status = ?, sync_attempts = sync_attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		SyncStatusError, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark mapping error: %w", err)
	}
	return nil
}

// ListMappings returns live mappings, optionally filtered by source and
// status, newest first.
func (db *DB) ListMappings(sourceRef string, status SyncStatus, limit int) ([]*EventMapping, error) {
	query := mappingSelect + ` WHERE deleted_at IS NULL`
	args := []any{}
	if sourceRef != "" {
		query += ` AND source_ref = ?`
		args = append(args, sourceRef)
	}
	if status != "" {
		query += ` AND sync_status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	return collectMappings(rows)
}

// ListErrorMappings returns live mappings stuck in error status with fewer
// than maxAttempts recorded attempts, oldest first. Used by the retry sweep.
func (db *DB) ListErrorMappings(maxAttempts, limit int) ([]*EventMapping, error) {
	query := mappingSelect + ` WHERE deleted_at IS NULL AND sync_status = ? AND sync_attempts < ? ORDER BY updated_at ASC LIMIT ?`

	rows, err := db.conn.Query(query, SyncStatusError, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query error mappings: %w", err)
	}
	defer rows.Close()

	return collectMappings(rows)
}

// CountMappingsByStatus returns live mapping counts grouped by status.
func (db *DB) CountMappingsByStatus() (map[SyncStatus]int, error) {
	rows, err := db.conn.Query(`SELECT sync_status, COUNT(*) FROM event_mappings WHERE deleted_at IS NULL GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mappings: %w", err)
	}
	defer rows.Close()

	counts := make(map[SyncStatus]int)
	for rows.Next() {
		var status SyncStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan mapping count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// SourceEventCounts returns per-source live event counts for the stats
// endpoint.
func (db *DB) SourceEventCounts() ([]*SourceStats, error) {
	query := `SELECT s.source_id, s.display_name, s.sync_errors, s.last_sync_time,
		(SELECT COUNT(*) FROM event_mappings m WHERE m.source_ref = s.id AND m.deleted_at IS NULL)
		FROM sources s ORDER BY s.source_id`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query source stats: %w", err)
	}
	defer rows.Close()

	var stats []*SourceStats
	for rows.Next() {
		st := &SourceStats{}
		var lastSync sql.NullTime
		if err := rows.Scan(&st.SourceID, &st.DisplayName, &st.SyncErrors, &lastSync, &st.EventCount); err != nil {
			return nil, fmt.Errorf("failed to scan source stats: %w", err)
		}
		if lastSync.Valid {
			st.LastSync = &lastSync.Time
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// InsertHistoryTx appends an audit row inside a transaction.
func (db *DB) InsertHistoryTx(tx *sql.Tx, h *SyncHistory) error {
	return insertHistory(tx, h)
}

// InsertHistory appends an audit row outside any transaction. Used on
// error paths where the audit write is best-effort.
func (db *DB) InsertHistory(h *SyncHistory) error {
	return insertHistory(db.conn, h)
}

func insertHistory(q execer, h *SyncHistory) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	h.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_history (id, mapping_ref, source_ref, operation, status, source_event_id, target_uid,
		details, error_message, duration_ms, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.Exec(query, h.ID, nullStr(h.MappingRef), h.SourceRef, h.Operation, h.Status,
		h.SourceEventID, nullStr(h.TargetUID), nullStr(h.Details), nullStr(h.ErrorMessage),
		h.Duration.Milliseconds(), nullStr(h.RequestID), h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert sync history: %w", err)
	}
	return nil
}

// ListHistory returns audit rows, optionally filtered, newest first.
func (db *DB) ListHistory(sourceRef string, operation OperationType, status HistoryStatus, limit int) ([]*SyncHistory, error) {
	query := `SELECT id, mapping_ref, source_ref, operation, status, source_event_id, target_uid,
		details, error_message, duration_ms, request_id, created_at
		FROM sync_history WHERE 1=1`
	args := []any{}
	if sourceRef != "" {
		query += ` AND source_ref = ?`
		args = append(args, sourceRef)
	}
	if operation != "" {
		query += ` AND operation = ?`
		args = append(args, operation)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync history: %w", err)
	}
	defer rows.Close()

	var entries []*SyncHistory
	for rows.Next() {
		h := &SyncHistory{}
		var mappingRef, targetUID, details, errMsg, requestID sql.NullString
		var durationMs int64
		err := rows.Scan(&h.ID, &mappingRef, &h.SourceRef, &h.Operation, &h.Status, &h.SourceEventID,
			&targetUID, &details, &errMsg, &durationMs, &requestID, &h.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}
		h.MappingRef = mappingRef.String
		h.TargetUID = targetUID.String
		h.Details = details.String
		h.ErrorMessage = errMsg.String
		h.RequestID = requestID.String
		h.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// RecentOperationCounts aggregates operations since the given time by kind
// and outcome.
func (db *DB) RecentOperationCounts(since time.Time) ([]*OperationCount, error) {
	query := `SELECT operation, status, COUNT(*) FROM sync_history WHERE created_at >= ? GROUP BY operation, status`

	rows, err := db.conn.Query(query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation counts: %w", err)
	}
	defer rows.Close()

	var counts []*OperationCount
	for rows.Next() {
		oc := &OperationCount{}
		if err := rows.Scan(&oc.Operation, &oc.Status, &oc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan operation count: %w", err)
		}
		counts = append(counts, oc)
	}
	return counts, rows.Err()
}

// DeleteHistoryBefore deletes audit rows older than the cutoff.
func (db *DB) DeleteHistoryBefore(cutoff time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM sync_history WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync history: %w", err)
	}
	return result.RowsAffected()
}

// InsertConflictTx records a conflict resolution decision.
func (db *DB) InsertConflictTx(tx *sql.Tx, c *ConflictResolution) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now().UTC()
	if c.ResolvedBy == "" {
		c.ResolvedBy = "system"
	}

	query := `INSERT INTO conflict_resolutions (id, mapping_ref, conflict_type, strategy, version_a, version_b, resolved, details, resolved_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.Exec(query, c.ID, c.MappingRef, c.ConflictType, c.Strategy,
		nullStr(c.VersionA), nullStr(c.VersionB), nullStr(c.Resolved), nullStr(c.Details), c.ResolvedBy, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conflict resolution: %w", err)
	}
	return nil
}

// ListConflicts returns conflict resolution rows for a mapping, newest first.
func (db *DB) ListConflicts(mappingRef string, limit int) ([]*ConflictResolution, error) {
	query := `SELECT id, mapping_ref, conflict_type, strategy, version_a, version_b, resolved, details, resolved_by, created_at
		FROM conflict_resolutions WHERE mapping_ref = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, mappingRef, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*ConflictResolution
	for rows.Next() {
		c := &ConflictResolution{}
		var versionA, versionB, resolved, details sql.NullString
		err := rows.Scan(&c.ID, &c.MappingRef, &c.ConflictType, &c.Strategy, &versionA, &versionB, &resolved, &details, &c.ResolvedBy, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.VersionA = versionA.String
		c.VersionB = versionB.String
		c.Resolved = resolved.String
		c.Details = details.String
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// scanSource scans a single row into a Source struct.
func scanSource(row *sql.Row) (*Source, error) {
	source := &Source{}
	var lastSync sql.NullTime

	err := row.Scan(&source.ID, &source.SourceID, &source.SourceType, &source.DisplayName,
		&source.Priority, &source.SyncEnabled, &source.SyncErrors, &lastSync,
		&source.CreatedAt, &source.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}

	if lastSync.Valid {
		source.LastSyncTime = &lastSync.Time
	}
	return source, nil
}

// scanMapping scans a single row into an EventMapping struct.
func scanMapping(row *sql.Row) (*EventMapping, error) {
	m := &EventMapping{}
	fields, assign := mappingScanDest(m)
	err := row.Scan(fields...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}
	assign()
	return m, nil
}

// collectMappings drains rows into EventMapping structs.
func collectMappings(rows *sql.Rows) ([]*EventMapping, error) {
	var mappings []*EventMapping
	for rows.Next() {
		m := &EventMapping{}
		fields, assign := mappingScanDest(m)
		if err := rows.Scan(fields...); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		assign()
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return mappings, nil
}

// mappingScanDest builds the scan destinations for mappingSelect columns
// plus a closure assigning the nullable ones back onto m.
func mappingScanDest(m *EventMapping) ([]any, func()) {
	var changeKey, targetHref, targetETag, recurrenceRule, lastError, sourceData, targetData sql.NullString
	var eventStart, eventEnd, lastSyncedAt, deletedAt sql.NullTime

	fields := []any{
		&m.ID, &m.SourceRef, &m.SourceEventID, &changeKey, &m.TargetUID, &targetHref, &targetETag,
		&m.EventSubject, &eventStart, &eventEnd, &m.IsAllDay, &m.IsRecurring, &recurrenceRule,
		&m.SyncStatus, &m.SyncAttempts, &lastError, &lastSyncedAt, &sourceData, &targetData,
		&m.CreatedAt, &m.UpdatedAt, &deletedAt,
	}

	assign := func() {
		m.SourceChangeKey = changeKey.String
		m.TargetHref = targetHref.String
		m.TargetETag = targetETag.String
		m.RecurrenceRule = recurrenceRule.String
		m.LastError = lastError.String
		m.SourceEventData = sourceData.String
		m.TargetEventData = targetData.String
		if eventStart.Valid {
			m.EventStart = &eventStart.Time
		}
		if eventEnd.Valid {
			m.EventEnd = &eventEnd.Time
		}
		if lastSyncedAt.Valid {
			m.LastSyncedAt = &lastSyncedAt.Time
		}
		if deletedAt.Valid {
			m.DeletedAt = &deletedAt.Time
		}
	}
	return fields, assign
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
