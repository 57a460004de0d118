package calendar

import (
	"context"
	"time"
)

// Event is a calendar entry as seen through a Backend. End is exclusive;
// all-day events span whole days in TimeZone.
type Event struct {
	ID          string
	Title       string
	Start       time.Time
	End         time.Time
	AllDay      bool
	TimeZone    string
	Location    string
	Description string
	Status      string
	Recurrence  []string // RRULE values without the "RRULE:" prefix
}

type ListQuery struct {
	From time.Time
	To   time.Time
	Text string // free-text filter, empty for none
}

// Backend is the narrow set of operations a calendar provider offers.
// Implementations return *NotFoundError for ids that do not exist and wrap
// every other failure in *RemoteError.
type Backend interface {
	List(ctx context.Context, q ListQuery) ([]Event, error)
	Get(ctx context.Context, id string) (*Event, error)
	Insert(ctx context.Context, ev Event) (string, error)
	Update(ctx context.Context, ev Event) error
	Delete(ctx context.Context, id string) error
}

// Query is a search for candidate duplicates. Keywords are matched by the
// configured MatchPolicy; an empty keyword list searches by date only.
type Query struct {
	From     time.Time
	To       time.Time
	Keywords []string
}

// EventFields is the event description produced by a decision.
type EventFields struct {
	Title       string `json:"title"`
	Date        string `json:"date"`               // YYYY-MM-DD
	Time        string `json:"time,omitempty"`     // HH:MM, empty for all-day
	EndTime     string `json:"end_time,omitempty"` // HH:MM
	Timezone    string `json:"timezone,omitempty"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	Recurrence  string `json:"recurrence,omitempty"` // RRULE
}
