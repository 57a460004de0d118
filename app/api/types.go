package api

import (
	"context"
	"time"

	"github.com/bikegroups/calendar-sync/app/database"
	"github.com/bikegroups/calendar-sync/app/report"
	"github.com/bikegroups/calendar-sync/app/tasks"
)

// RunScheduler is the part of the task scheduler the API drives.
type RunScheduler interface {
	EnqueueSync(opts tasks.SyncOptions) (string, error)
	RunExclusive(ctx context.Context, task tasks.TaskInterface) error
	Busy() bool
	Last() *tasks.LastRun
}

var _ RunScheduler = (*tasks.Scheduler)(nil)

type Handler struct {
	records    database.RecordRepository
	posts      database.PostRepository
	scheduler  RunScheduler
	calendarID string
	version    string
}

type RecordResponse struct {
	Fingerprint string     `json:"fingerprint"`
	GUID        string     `json:"guid"`
	Title       string     `json:"title"`
	Author      string     `json:"author"`
	Link        string     `json:"link"`
	PublishedAt *time.Time `json:"published_at"`
	ProcessedAt time.Time  `json:"processed_at"`

	Status      string  `json:"status"`
	Outcome     string  `json:"outcome"`
	Confidence  float64 `json:"confidence"`
	Rationale   string  `json:"rationale"`
	EventID     string  `json:"event_id,omitempty"`
	EventURL    string  `json:"event_url,omitempty"`
	NeedsReview bool    `json:"needs_review"`

	Event *EventSummary `json:"event,omitempty"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LogPath      string  `json:"log_path,omitempty"`
	Error        string  `json:"error,omitempty"`
}

type EventSummary struct {
	Title    string `json:"title"`
	Date     string `json:"date"`
	Time     string `json:"time,omitempty"`
	Location string `json:"location,omitempty"`
}

func newRecordResponse(r database.Record, calendarID string) RecordResponse {
	resp := RecordResponse{
		Fingerprint:  r.Fingerprint,
		GUID:         r.GUID,
		Title:        r.Title,
		Author:       r.Author,
		Link:         r.Link,
		PublishedAt:  r.PublishedAt,
		ProcessedAt:  r.ProcessedAt,
		Status:       string(r.Status),
		Outcome:      string(r.Outcome),
		Confidence:   r.Confidence,
		Rationale:    r.Rationale,
		EventID:      r.EventID,
		NeedsReview:  r.NeedsReview,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		CostUSD:      r.CostUSD,
		LogPath:      r.LogPath,
		Error:        r.Error,
	}
	if r.EventID != "" && calendarID != "" {
		resp.EventURL = report.EventURL(r.EventID, calendarID)
	}
	if r.EventTitle != "" {
		resp.Event = &EventSummary{
			Title:    r.EventTitle,
			Date:     r.EventDate,
			Time:     r.EventTime,
			Location: r.EventLocation,
		}
	}
	return resp
}
