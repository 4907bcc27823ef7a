package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calsyncmw/internal/activity"
	"github.com/macjediwizard/calsyncmw/internal/db"
	syncengine "github.com/macjediwizard/calsyncmw/internal/sync"
)

const healthProbeTimeout = 5 * time.Second

// HealthProber is the target store liveness surface used by the health
// endpoint.
type HealthProber interface {
	HealthCheck(ctx context.Context) error
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	db        *db.DB
	engine    *syncengine.Engine
	tracker   *activity.Tracker
	target    HealthProber
	startedAt time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(database *db.DB, engine *syncengine.Engine, tracker *activity.Tracker, target HealthProber) *Handlers {
	return &Handlers{
		db:        database,
		engine:    engine,
		tracker:   tracker,
		target:    target,
		startedAt: time.Now(),
	}
}

// EventCreated handles a creation notification.
func (h *Handlers) EventCreated(c *gin.Context) {
	h.handleWebhook(c, h.engine.HandleCreated)
}

// EventUpdated handles an update notification.
func (h *Handlers) EventUpdated(c *gin.Context) {
	h.handleWebhook(c, h.engine.HandleUpdated)
}

// EventDeleted handles a deletion notification.
func (h *Handlers) EventDeleted(c *gin.Context) {
	h.handleWebhook(c, h.engine.HandleDeleted)
}

type engineHandler func(ctx context.Context, sourceID string, rawPayload []byte, requestID string) *syncengine.Result

func (h *Handlers) handleWebhook(c *gin.Context, handle engineHandler) {
	sourceID := c.GetHeader("X-Calendar-Source")
	if sourceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "missing X-Calendar-Source header",
		})
		return
	}

	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "missing request body",
		})
		return
	}

	result := handle(c.Request.Context(), sourceID, body, GetRequestID(c))

	h.tracker.Observe(activity.Record{
		SourceID:      result.SourceID,
		Operation:     string(result.Operation),
		Status:        string(result.Status),
		SourceEventID: result.SourceEventID,
		TargetUID:     result.TargetUID,
		Detail:        firstNonEmpty(result.Reason, result.Message),
		ProcessingMS:  result.ProcessingMS,
		RequestID:     result.RequestID,
	})

	c.JSON(statusCodeFor(result), result)
}

// statusCodeFor maps an engine outcome to a transport status. Caller
// errors are 400; everything else that failed is 500. Skips are terminal
// successes.
func statusCodeFor(result *syncengine.Result) int {
	if result.OK() {
		return http.StatusOK
	}
	switch result.Category {
	case syncengine.CategoryMissingField, syncengine.CategoryInvalidPayload:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ListSources returns all known sources.
func (h *Handlers) ListSources(c *gin.Context) {
	sources, err := h.db.ListSources()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sources"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

// GetSource returns one source with its recent history.
func (h *Handlers) GetSource(c *gin.Context) {
	source, err := h.db.GetSourceBySourceID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		return
	}

	history, err := h.db.ListHistory(source.ID, "", "", 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"source":  source,
		"history": history,
	})
}

// ListEvents returns live event mappings, optionally filtered by source
// and status.
func (h *Handlers) ListEvents(c *gin.Context) {
	sourceRef := ""
	if sourceID := c.Query("source"); sourceID != "" {
		source, err := h.db.GetSourceBySourceID(sourceID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
			return
		}
		sourceRef = source.ID
	}

	mappings, err := h.db.ListMappings(sourceRef, db.SyncStatus(c.Query("status")), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": mappings})
}

// SyncHistory returns audit rows, optionally filtered.
func (h *Handlers) SyncHistory(c *gin.Context) {
	sourceRef := ""
	if sourceID := c.Query("source"); sourceID != "" {
		source, err := h.db.GetSourceBySourceID(sourceID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
			return
		}
		sourceRef = source.ID
	}

	history, err := h.db.ListHistory(sourceRef,
		db.OperationType(c.Query("operation")),
		db.HistoryStatus(c.Query("status")),
		queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// Stats returns aggregate counts for the dashboard.
func (h *Handlers) Stats(c *gin.Context) {
	byStatus, err := h.db.CountMappingsByStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}

	sourceStats, err := h.db.SourceEventCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}

	recentOps, err := h.db.RecentOperationCounts(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events_by_status":  byStatus,
		"sources":           sourceStats,
		"recent_operations": recentOps,
		"uptime":            time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// Activity returns the recent in-memory handler outcomes.
func (h *Handlers) Activity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"recent":  h.tracker.Recent(),
		"tallies": h.tracker.Tallies(),
	})
}

// HealthCheck verifies database and target store connectivity.
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	checks := gin.H{"database": "ok", "caldav": "ok"}
	healthy := true

	if err := h.db.Ping(); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := h.target.HealthCheck(ctx); err != nil {
		checks["caldav"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
	})
}

// queryLimit parses the limit query param with a default and a hard cap.
func queryLimit(c *gin.Context, defaultLimit int) int {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return defaultLimit
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
