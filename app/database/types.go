package database

import (
	"time"
)

type RecordStatus string

const (
	StatusProcessed RecordStatus = "processed"
	StatusError     RecordStatus = "error"
	StatusReset     RecordStatus = "reset"
)

type Outcome string

const (
	OutcomeCreate Outcome = "create"
	OutcomeUpdate Outcome = "update"
	OutcomeCancel Outcome = "cancel"
	OutcomeIgnore Outcome = "ignore"
	OutcomeError  Outcome = "error"
)

// PostAttrs are the feed attributes tracked for every processed post.
type PostAttrs struct {
	Fingerprint string
	GUID        string
	Title       string
	Author      string
	Link        string
	Content     string
	PublishedAt *time.Time
}

// Result is what the pipeline decided for a post.
type Result struct {
	Status      RecordStatus
	Outcome     Outcome
	Confidence  float64
	Rationale   string
	EventID     string // empty when no calendar event is linked
	NeedsReview bool

	EventTitle    string
	EventDate     string
	EventTime     string
	EventLocation string

	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LogPath      string
	Error        string
}

type Record struct {
	PostAttrs
	Result
	ProcessedAt time.Time
}

type SeenPost struct {
	Fingerprint string
	GUID        string
	Title       string
	Author      string
	Link        string
	PublishedAt *time.Time
	ImageCount  int
	FirstSeenAt time.Time
}
