package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bikegroups/calendar-sync/app/cfg"
	"github.com/bikegroups/calendar-sync/app/metrics"
)

const canceledPrefix = "[CANCELED] "

// Adapter is the only component that mutates the calendar. It applies the
// configured match and cancel policies on top of a Backend.
type Adapter struct {
	backend Backend
	policy  cfg.CalendarPolicy
	match   MatchPolicy
	now     func() time.Time
}

func NewAdapter(backend Backend, policy cfg.CalendarPolicy) (*Adapter, error) {
	match, err := NewMatchPolicy(policy.MatchPolicy)
	if err != nil {
		return nil, err
	}

	switch policy.CancelMode {
	case cfg.CancelModeDelete, cfg.CancelModeAnnotate:
	default:
		return nil, fmt.Errorf("unknown cancel mode: %s", policy.CancelMode)
	}

	return &Adapter{
		backend: backend,
		policy:  policy,
		match:   match,
		now:     time.Now,
	}, nil
}

func (a *Adapter) Backend() Backend {
	return a.backend
}

// Search returns candidate events. A keyword search without a range looks
// from now to keyword_window_days ahead, runs one backend query per keyword
// and keeps the first search_limit events by start time.
func (a *Adapter) Search(ctx context.Context, q Query) ([]Event, error) {
	keywords := NormalizeKeywords(q.Keywords)
	q.Keywords = keywords

	if len(keywords) == 0 {
		if q.From.IsZero() || q.To.IsZero() {
			return nil, fmt.Errorf("date search requires a range")
		}
		events, err := a.backend.List(ctx, ListQuery{From: q.From, To: q.To})
		if err != nil {
			return nil, err
		}
		return a.filter(q, events), nil
	}

	if q.From.IsZero() {
		q.From = a.now()
	}
	if q.To.IsZero() {
		q.To = q.From.AddDate(0, 0, a.policy.KeywordWindowDays)
	}

	seen := make(map[string]bool)
	var events []Event
	for _, kw := range keywords {
		found, err := a.backend.List(ctx, ListQuery{From: q.From, To: q.To, Text: kw})
		if err != nil {
			return nil, err
		}
		for _, ev := range found {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			events = append(events, ev)
		}
	}

	events = a.filter(q, events)
	if len(events) > a.policy.SearchLimit {
		events = events[:a.policy.SearchLimit]
	}
	return events, nil
}

func (a *Adapter) filter(q Query, events []Event) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if a.match.Match(q, ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

func (a *Adapter) Get(ctx context.Context, id string) (*Event, error) {
	return a.backend.Get(ctx, id)
}

func (a *Adapter) Create(ctx context.Context, fields EventFields) (string, error) {
	ev, err := a.build(fields)
	if err != nil {
		return "", err
	}

	id, err := a.backend.Insert(ctx, ev)
	metrics.ObserveMutation("create", err)
	if err != nil {
		return "", err
	}

	slog.Info("Calendar event created", "id", id, "title", ev.Title, "start", ev.Start)
	return id, nil
}

// Update replaces the event's fields. It fails with *NotFoundError when the
// event is gone; the event is never recreated.
func (a *Adapter) Update(ctx context.Context, id string, fields EventFields) error {
	if id == "" {
		return fmt.Errorf("event id is required")
	}

	ev, err := a.build(fields)
	if err != nil {
		return err
	}
	ev.ID = id

	err = a.backend.Update(ctx, ev)
	metrics.ObserveMutation("update", err)
	if err != nil {
		return err
	}

	slog.Info("Calendar event updated", "id", id, "title", ev.Title, "start", ev.Start)
	return nil
}

// Cancel deletes the event or marks it canceled, depending on cancel_mode.
func (a *Adapter) Cancel(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("event id is required")
	}

	if a.policy.CancelMode == cfg.CancelModeDelete {
		err := a.backend.Delete(ctx, id)
		metrics.ObserveMutation("delete", err)
		if err != nil {
			return err
		}
		slog.Info("Calendar event deleted", "id", id)
		return nil
	}

	ev, err := a.backend.Get(ctx, id)
	if err != nil {
		return err
	}

	if !strings.HasPrefix(ev.Title, canceledPrefix) {
		ev.Title = canceledPrefix + ev.Title
	}
	note := fmt.Sprintf("Canceled per feed announcement on %s.", a.now().Format(dateLayout))
	if ev.Description == "" {
		ev.Description = note
	} else if !strings.Contains(ev.Description, note) {
		ev.Description = ev.Description + "\n\n" + note
	}

	err = a.backend.Update(ctx, *ev)
	metrics.ObserveMutation("annotate", err)
	if err != nil {
		return err
	}

	slog.Info("Calendar event marked canceled", "id", id, "title", ev.Title)
	return nil
}

func (a *Adapter) build(fields EventFields) (Event, error) {
	return BuildEvent(fields, a.policy.Timezone, time.Duration(a.policy.DefaultDuration)*time.Minute)
}
