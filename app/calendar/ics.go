package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
)

const (
	icsTimezoneProperty = ical.ComponentProperty("X-CALSYNC-TZID")
	icsProductID        = "-//bikegroups//calendar-sync//EN"
	icsDateLayout       = "20060102"

	// recurring series are expanded at most this many times per List call
	maxOccurrences = 500
)

// ICSBackend keeps events in an iCalendar file, or only in memory when the
// path is empty. Every mutation rewrites the file.
type ICSBackend struct {
	path   string
	mu     sync.Mutex
	events map[string]Event
	newID  func() string
}

var _ Backend = (*ICSBackend)(nil)

func NewICSBackend(path string) (*ICSBackend, error) {
	b := &ICSBackend{
		path:   path,
		events: make(map[string]Event),
		newID:  func() string { return uuid.NewString() + "@calendar-sync" },
	}

	if path == "" {
		return b, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ics file: %w", err)
	}

	if err := b.load(data); err != nil {
		return nil, err
	}

	slog.Debug("ICS calendar loaded", "path", path, "events", len(b.events))

	return b, nil
}

func (b *ICSBackend) List(ctx context.Context, q ListQuery) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	text := Normalize(q.Text)

	var out []Event
	for _, ev := range b.events {
		if ev.Status == "CANCELLED" {
			continue
		}
		if text != "" && !strings.Contains(Normalize(ev.Title+" "+ev.Location+" "+ev.Description), text) {
			continue
		}

		occurrences, err := expand(ev, q.From, q.To)
		if err != nil {
			slog.Warn("Failed to expand recurring event", "id", ev.ID, "error", err)
			continue
		}
		out = append(out, occurrences...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})

	return out, nil
}

func (b *ICSBackend) Get(ctx context.Context, id string) (*Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev, ok := b.events[id]
	if !ok || ev.Status == "CANCELLED" {
		return nil, &NotFoundError{ID: id}
	}
	return &ev, nil
}

func (b *ICSBackend) Insert(ctx context.Context, ev Event) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev.ID = b.newID()
	ev.Status = "CONFIRMED"
	b.events[ev.ID] = ev

	if err := b.save(); err != nil {
		delete(b.events, ev.ID)
		return "", &RemoteError{Op: "insert", Err: err}
	}
	return ev.ID, nil
}

func (b *ICSBackend) Update(ctx context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, ok := b.events[ev.ID]
	if !ok || prev.Status == "CANCELLED" {
		return &NotFoundError{ID: ev.ID}
	}

	ev.Status = prev.Status
	b.events[ev.ID] = ev

	if err := b.save(); err != nil {
		b.events[ev.ID] = prev
		return &RemoteError{Op: "update", Err: err}
	}
	return nil
}

func (b *ICSBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, ok := b.events[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	delete(b.events, id)

	if err := b.save(); err != nil {
		b.events[id] = prev
		return &RemoteError{Op: "delete", Err: err}
	}
	return nil
}

// expand returns the occurrences of ev overlapping [from, to). Occurrences
// of a series share the series id.
func expand(ev Event, from, to time.Time) ([]Event, error) {
	if len(ev.Recurrence) == 0 {
		if overlaps(ev.Start, ev.End, from, to) {
			return []Event{ev}, nil
		}
		return nil, nil
	}

	var set rrule.Set
	for _, rule := range ev.Recurrence {
		r, err := rrule.StrToRRule(rule)
		if err != nil {
			return nil, err
		}
		r.DTStart(ev.Start)
		set.RRule(r)
	}

	duration := ev.End.Sub(ev.Start)
	var out []Event
	for _, start := range set.Between(from.Add(-duration), to, true) {
		occ := ev
		occ.Start = start
		occ.End = start.Add(duration)
		if !overlaps(occ.Start, occ.End, from, to) {
			continue
		}
		out = append(out, occ)
		if len(out) >= maxOccurrences {
			break
		}
	}
	return out, nil
}

func overlaps(start, end, from, to time.Time) bool {
	if !to.IsZero() && !start.Before(to) {
		return false
	}
	if !from.IsZero() && !end.After(from) {
		return false
	}
	return true
}

func (b *ICSBackend) load(data []byte) error {
	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse ics file: %w", err)
	}

	for _, ve := range cal.Events() {
		ev, err := parseVEvent(ve)
		if err != nil {
			slog.Warn("Skipping unreadable calendar event", "path", b.path, "error", err)
			continue
		}
		b.events[ev.ID] = ev
	}

	return nil
}

func parseVEvent(ve *ical.VEvent) (Event, error) {
	var ev Event

	ev.ID = ve.Id()
	if ev.ID == "" {
		return ev, errors.New("missing UID")
	}

	ev.Title = propValue(ve, ical.ComponentPropertySummary)
	ev.Description = propValue(ve, ical.ComponentPropertyDescription)
	ev.Location = propValue(ve, ical.ComponentPropertyLocation)
	ev.Status = strings.ToUpper(propValue(ve, ical.ComponentPropertyStatus))
	ev.TimeZone = propValue(ve, icsTimezoneProperty)

	loc := time.UTC
	if ev.TimeZone != "" {
		if l, err := time.LoadLocation(ev.TimeZone); err == nil {
			loc = l
		}
	}

	dtStart := propValue(ve, ical.ComponentPropertyDtStart)
	if dtStart == "" {
		return ev, fmt.Errorf("event %s has no DTSTART", ev.ID)
	}

	if !strings.Contains(dtStart, "T") {
		ev.AllDay = true
		start, err := time.ParseInLocation(icsDateLayout, dtStart, loc)
		if err != nil {
			return ev, fmt.Errorf("event %s has invalid DTSTART: %w", ev.ID, err)
		}
		ev.Start = start
		ev.End = start.AddDate(0, 0, 1)
		if dtEnd := propValue(ve, ical.ComponentPropertyDtEnd); dtEnd != "" {
			if end, err := time.ParseInLocation(icsDateLayout, dtEnd, loc); err == nil && end.After(start) {
				ev.End = end
			}
		}
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return ev, fmt.Errorf("event %s has invalid DTSTART: %w", ev.ID, err)
		}
		ev.Start = start.In(loc)
		ev.End = ev.Start.Add(2 * time.Hour)
		if end, err := ve.GetEndAt(); err == nil && end.After(start) {
			ev.End = end.In(loc)
		}
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyRrule) {
		if rule := NormalizeRecurrence(p.Value); rule != "" {
			ev.Recurrence = append(ev.Recurrence, rule)
		}
	}

	return ev, nil
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}

func (b *ICSBackend) save() error {
	if b.path == "" {
		return nil
	}

	cal := ical.NewCalendar()
	cal.SetProductId(icsProductID)
	cal.SetMethod(ical.MethodPublish)

	ids := make([]string, 0, len(b.events))
	for id := range b.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now().UTC()
	for _, id := range ids {
		ev := b.events[id]
		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(now)
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.TimeZone != "" {
			ve.SetProperty(icsTimezoneProperty, ev.TimeZone)
		}
		if ev.Status != "" {
			ve.SetProperty(ical.ComponentPropertyStatus, ev.Status)
		}
		if ev.AllDay {
			ve.SetProperty(ical.ComponentPropertyDtStart, ev.Start.Format(icsDateLayout), ical.WithValue(string(ical.ValueDataTypeDate)))
			ve.SetProperty(ical.ComponentPropertyDtEnd, ev.End.Format(icsDateLayout), ical.WithValue(string(ical.ValueDataTypeDate)))
		} else {
			ve.SetStartAt(ev.Start)
			ve.SetEndAt(ev.End)
		}
		for _, rule := range ev.Recurrence {
			ve.AddRrule(rule)
		}
	}

	if dir := filepath.Dir(b.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create calendar directory: %w", err)
		}
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(cal.Serialize()), 0o644); err != nil {
		return fmt.Errorf("failed to write ics file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("failed to replace ics file: %w", err)
	}

	return nil
}
