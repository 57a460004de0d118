package api

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bikegroups/calendar-sync/app/database"
	"github.com/bikegroups/calendar-sync/app/report"
	"github.com/bikegroups/calendar-sync/app/tasks"
)

const (
	defaultHistoryLimit = 20
	defaultReportLimit  = 50
	maxLimit            = 500
)

// NewHandler builds the API handlers. calendarID, when set, adds Google
// Calendar links to records.
func NewHandler(records database.RecordRepository, posts database.PostRepository,
	scheduler RunScheduler, calendarID, version string) *Handler {
	return &Handler{
		records:    records,
		posts:      posts,
		scheduler:  scheduler,
		calendarID: calendarID,
		version:    version,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := gin.H{
		"status":    "ok",
		"version":   h.version,
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
		"busy":      h.scheduler.Busy(),
	}

	if count, err := h.records.GetRecordCount(); err == nil {
		health["records"] = count
	}
	if count, err := h.posts.GetSeenCount(); err == nil {
		health["seen_posts"] = count
	}

	if last := h.scheduler.Last(); last != nil {
		run := gin.H{
			"id":          last.ID,
			"type":        last.Type,
			"finished_at": last.FinishedAt.Format(time.RFC3339),
			"duration":    last.Duration.String(),
		}
		if last.Error != "" {
			run["error"] = last.Error
		}
		health["last_run"] = run
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) APIListRecords(c *gin.Context) {
	limit, ok := parseLimit(c, defaultHistoryLimit)
	if !ok {
		return
	}

	records, err := h.records.GetHistory(limit)
	if err != nil {
		slog.Error("Database error", "operation", "get_history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	items := make([]RecordResponse, 0, len(records))
	for _, r := range records {
		items = append(items, newRecordResponse(r, h.calendarID))
	}

	total, err := h.records.GetTotalCost()
	if err != nil {
		slog.Warn("Failed to read total cost", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"records":    items,
		"total":      len(items),
		"total_cost": total,
	})
}

func (h *Handler) APIGetRecord(c *gin.Context) {
	id := c.Param("id")

	record, err := h.records.GetRecord(id)
	if err != nil {
		slog.Error("Database error", "operation", "get_record", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	}

	c.JSON(http.StatusOK, newRecordResponse(*record, h.calendarID))
}

func (h *Handler) APIResetRecord(c *gin.Context) {
	id := c.Param("id")

	task := tasks.NewResetTask(h.records, id)
	err := h.scheduler.RunExclusive(c.Request.Context(), task)
	switch {
	case errors.Is(err, tasks.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "A sync run is in progress"})
		return
	case errors.Is(err, tasks.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
		return
	case err != nil:
		slog.Error("Error resetting record", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset record", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Record reset, the post will be processed on the next run",
		"task":    gin.H{"id": task.ID, "type": task.Type},
	})
}

func (h *Handler) APIProcess(c *gin.Context) {
	limit, ok := parseLimit(c, 0)
	if !ok {
		return
	}

	id, err := h.scheduler.EnqueueSync(tasks.SyncOptions{Limit: limit})
	switch {
	case errors.Is(err, tasks.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "A sync run is already queued or in progress"})
		return
	case err != nil:
		slog.Error("Error enqueueing sync task", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue sync task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"task":    gin.H{"id": id, "type": tasks.TaskTypeSync, "limit": limit},
	})
}

func (h *Handler) APIReport(c *gin.Context) {
	limit, ok := parseLimit(c, defaultReportLimit)
	if !ok {
		return
	}

	records, err := h.records.GetHistory(limit)
	if err != nil {
		slog.Error("Database error", "operation", "get_history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	total, err := h.records.GetTotalCost()
	if err != nil {
		slog.Warn("Failed to read total cost", "error", err)
	}

	var buf bytes.Buffer
	err = report.Render(&buf, records, report.Options{
		CalendarID: h.calendarID,
		Location:   time.Local,
		TotalCost:  total,
	})
	if err != nil {
		slog.Error("Report rendering error", "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

// parseLimit reads ?limit=. It writes a 400 and returns false when the
// value is not a non-negative integer.
func parseLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return min(limit, maxLimit), true
}
