package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/bikegroups/calendar-sync/app/calendar"
	"github.com/bikegroups/calendar-sync/app/database"
	"github.com/bikegroups/calendar-sync/app/evidence"
	"github.com/bikegroups/calendar-sync/app/feed"
	"github.com/bikegroups/calendar-sync/app/oracle"
)

type Oracle interface {
	Converse(ctx context.Context, req oracle.Request) (*oracle.Response, error)
}

// Calendar is the part of the calendar adapter the agent may touch.
type Calendar interface {
	Search(ctx context.Context, q calendar.Query) ([]calendar.Event, error)
	Create(ctx context.Context, fields calendar.EventFields) (string, error)
	Update(ctx context.Context, id string, fields calendar.EventFields) error
	Cancel(ctx context.Context, id string) error
}

type EvidenceSource interface {
	Assemble(ctx context.Context, post feed.Post) evidence.Evidence
}

var (
	_ Oracle         = (*oracle.Client)(nil)
	_ Calendar       = (*calendar.Adapter)(nil)
	_ EvidenceSource = (*evidence.Assembler)(nil)
)

const (
	TimingUpcoming  = "upcoming"
	TimingPast      = "past"
	TimingAmbiguous = "ambiguous"
)

// Decision is a validated submit_decision call.
type Decision struct {
	IsEvent         bool                  `json:"is_event"`
	Confidence      float64               `json:"confidence"`
	Outcome         database.Outcome      `json:"outcome"`
	Rationale       string                `json:"rationale"`
	EventTiming     string                `json:"event_timing"`
	Event           *calendar.EventFields `json:"event,omitempty"`
	ExistingEventID string                `json:"existing_event_id,omitempty"`
	NeedsReview     bool                  `json:"needs_review"`
}

// Mutates reports whether the outcome changes the calendar.
func (d *Decision) Mutates() bool {
	switch d.Outcome {
	case database.OutcomeCreate, database.OutcomeUpdate, database.OutcomeCancel:
		return true
	}
	return false
}

// Mutation is a calendar change already applied from inside the loop.
type Mutation struct {
	Outcome database.Outcome
	EventID string
}

// Session is everything a single post analysis produced. It is returned
// alongside errors too, so failed posts still record their token usage.
type Session struct {
	Decision    *Decision
	Mutation    *Mutation
	Usage       oracle.Usage
	CostUSD     float64
	LogPath     string
	Turns       int
	Prefiltered bool
}

// EventID is the calendar event the session links to: the mid-loop
// mutation target, or the existing event named by the decision.
func (s *Session) EventID() string {
	if s.Mutation != nil {
		return s.Mutation.EventID
	}
	if s.Decision != nil {
		return s.Decision.ExistingEventID
	}
	return ""
}

// AgentTimeoutError means the turn ceiling was hit without a valid
// decision. MutatedIDs lists calendar events already changed in the loop.
type AgentTimeoutError struct {
	MaxTurns   int
	MutatedIDs []string
}

func (e *AgentTimeoutError) Error() string {
	msg := fmt.Sprintf("no decision submitted within %d turns", e.MaxTurns)
	if len(e.MutatedIDs) > 0 {
		msg += fmt.Sprintf(" (mutated events: %s)", strings.Join(e.MutatedIDs, ", "))
	}
	return msg
}
