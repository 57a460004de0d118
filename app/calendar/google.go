package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleBackend talks to one Google calendar through the v3 API.
type GoogleBackend struct {
	service    *gcal.Service
	calendarID string
}

var _ Backend = (*GoogleBackend)(nil)

// NewGoogleBackend builds a backend using a service-account credential file.
func NewGoogleBackend(ctx context.Context, calendarID, credentialsPath string) (*GoogleBackend, error) {
	return NewGoogleBackendWithOptions(ctx, calendarID,
		option.WithCredentialsFile(credentialsPath),
		option.WithScopes(gcal.CalendarScope))
}

func NewGoogleBackendWithOptions(ctx context.Context, calendarID string, opts ...option.ClientOption) (*GoogleBackend, error) {
	if calendarID == "" {
		return nil, fmt.Errorf("calendar id is required")
	}

	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &GoogleBackend{service: service, calendarID: calendarID}, nil
}

func (b *GoogleBackend) List(ctx context.Context, q ListQuery) ([]Event, error) {
	call := b.service.Events.List(b.calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx)

	if !q.From.IsZero() {
		call = call.TimeMin(q.From.Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		call = call.TimeMax(q.To.Format(time.RFC3339))
	}
	if q.Text != "" {
		call = call.Q(q.Text)
	}

	var out []Event
	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			if item == nil || item.Id == "" || item.Status == "cancelled" {
				continue
			}
			ev, err := fromGoogleEvent(item)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, mapGoogleError("list", "", err)
	}

	return out, nil
}

func (b *GoogleBackend) Get(ctx context.Context, id string) (*Event, error) {
	item, err := b.service.Events.Get(b.calendarID, id).Context(ctx).Do()
	if err != nil {
		return nil, mapGoogleError("get", id, err)
	}
	if item.Status == "cancelled" {
		return nil, &NotFoundError{ID: id}
	}

	ev, err := fromGoogleEvent(item)
	if err != nil {
		return nil, &RemoteError{Op: "get", Err: err}
	}
	return &ev, nil
}

func (b *GoogleBackend) Insert(ctx context.Context, ev Event) (string, error) {
	created, err := b.service.Events.Insert(b.calendarID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", mapGoogleError("insert", "", err)
	}
	if created.Id == "" {
		return "", &RemoteError{Op: "insert", Err: errors.New("created event has no id")}
	}
	return created.Id, nil
}

func (b *GoogleBackend) Update(ctx context.Context, ev Event) error {
	existing, err := b.Get(ctx, ev.ID)
	if err != nil {
		return err
	}

	body := toGoogleEvent(ev)
	if ev.Status == "" {
		body.Status = strings.ToLower(existing.Status)
	}

	if _, err := b.service.Events.Update(b.calendarID, ev.ID, body).Context(ctx).Do(); err != nil {
		return mapGoogleError("update", ev.ID, err)
	}
	return nil
}

func (b *GoogleBackend) Delete(ctx context.Context, id string) error {
	if err := b.service.Events.Delete(b.calendarID, id).Context(ctx).Do(); err != nil {
		return mapGoogleError("delete", id, err)
	}
	return nil
}

func mapGoogleError(op, id string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) && id != "" {
		return &NotFoundError{ID: id}
	}
	return &RemoteError{Op: op, Err: err}
}

func toGoogleEvent(ev Event) *gcal.Event {
	body := &gcal.Event{
		Summary:     ev.Title,
		Location:    ev.Location,
		Description: ev.Description,
		Status:      strings.ToLower(ev.Status),
	}

	if ev.AllDay {
		body.Start = &gcal.EventDateTime{Date: ev.Start.Format(dateLayout)}
		body.End = &gcal.EventDateTime{Date: ev.End.Format(dateLayout)}
	} else {
		body.Start = &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.TimeZone}
		body.End = &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.TimeZone}
	}

	for _, rule := range ev.Recurrence {
		body.Recurrence = append(body.Recurrence, "RRULE:"+rule)
	}

	return body
}

func fromGoogleEvent(item *gcal.Event) (Event, error) {
	ev := Event{
		ID:          item.Id,
		Title:       item.Summary,
		Location:    item.Location,
		Description: item.Description,
		Status:      strings.ToUpper(item.Status),
	}

	for _, rule := range item.Recurrence {
		if strings.HasPrefix(strings.ToUpper(rule), "RRULE:") {
			ev.Recurrence = append(ev.Recurrence, NormalizeRecurrence(rule))
		}
	}

	if item.Start == nil {
		return ev, fmt.Errorf("event %s has no start", item.Id)
	}

	loc := time.UTC
	if item.Start.TimeZone != "" {
		if l, err := time.LoadLocation(item.Start.TimeZone); err == nil {
			loc = l
			ev.TimeZone = item.Start.TimeZone
		}
	}

	if item.Start.DateTime != "" {
		start, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			return ev, fmt.Errorf("event %s has invalid start: %w", item.Id, err)
		}
		ev.Start = start.In(loc)
		ev.End = ev.Start.Add(2 * time.Hour)
		if item.End != nil && item.End.DateTime != "" {
			if end, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
				ev.End = end.In(loc)
			}
		}
		return ev, nil
	}

	start, err := time.ParseInLocation(dateLayout, item.Start.Date, loc)
	if err != nil {
		return ev, fmt.Errorf("event %s has invalid start date: %w", item.Id, err)
	}
	ev.AllDay = true
	ev.Start = start
	ev.End = start.AddDate(0, 0, 1)
	if item.End != nil && item.End.Date != "" {
		if end, err := time.ParseInLocation(dateLayout, item.End.Date, loc); err == nil && end.After(start) {
			ev.End = end
		}
	}

	return ev, nil
}
