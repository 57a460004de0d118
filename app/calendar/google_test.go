package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

func newGoogleTestBackend(t *testing.T, handler http.HandlerFunc) *GoogleBackend {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	backend, err := NewGoogleBackendWithOptions(context.Background(), "cal-1",
		option.WithEndpoint(server.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	return backend
}

func TestGoogleBackendList(t *testing.T) {
	var query string
	backend := newGoogleTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gcal.Events{Items: []*gcal.Event{
			{
				Id:      "evt-1",
				Summary: "Unity Ride",
				Status:  "confirmed",
				Start:   &gcal.EventDateTime{DateTime: "2025-06-10T18:00:00-05:00", TimeZone: "America/Chicago"},
				End:     &gcal.EventDateTime{DateTime: "2025-06-10T20:00:00-05:00", TimeZone: "America/Chicago"},
			},
			{
				Id:      "evt-2",
				Summary: "Swap Meet",
				Start:   &gcal.EventDateTime{Date: "2025-06-14"},
				End:     &gcal.EventDateTime{Date: "2025-06-15"},
			},
			{Id: "evt-3", Status: "cancelled"},
		}})
	})

	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	events, err := backend.List(context.Background(), ListQuery{From: from, To: from.AddDate(0, 1, 0), Text: "unity"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !strings.Contains(query, "singleEvents=true") || !strings.Contains(query, "q=unity") {
		t.Errorf("Expected single events keyword query, got: %s", query)
	}

	if len(events) != 2 {
		t.Fatalf("Expected cancelled event to be skipped, got %d events", len(events))
	}
	if events[0].TimeZone != "America/Chicago" || events[0].End.Sub(events[0].Start) != 2*time.Hour {
		t.Errorf("Expected timed event in Chicago, got %+v", events[0])
	}
	if !events[1].AllDay || events[1].Start.Day() != 14 {
		t.Errorf("Expected all-day event on the 14th, got %+v", events[1])
	}
}

func TestGoogleBackendNotFound(t *testing.T) {
	backend := newGoogleTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
	})

	var notFound *NotFoundError
	if _, err := backend.Get(context.Background(), "evt-9"); !errors.As(err, &notFound) {
		t.Errorf("Expected NotFoundError from get, got: %v", err)
	}
	if err := backend.Delete(context.Background(), "evt-9"); !errors.As(err, &notFound) {
		t.Errorf("Expected NotFoundError from delete, got: %v", err)
	}
}

func TestGoogleBackendRemoteError(t *testing.T) {
	backend := newGoogleTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"Forbidden"}}`))
	})

	_, err := backend.Insert(context.Background(), Event{Title: "x", Start: time.Now(), End: time.Now().Add(time.Hour)})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Expected RemoteError, got: %v", err)
	}
	if remote.Op != "insert" {
		t.Errorf("Expected op 'insert', got '%s'", remote.Op)
	}
}

func TestGoogleEventConversion(t *testing.T) {
	ev, _ := BuildEvent(EventFields{Title: "Weekly", Date: "2025-06-10", Time: "18:00", Recurrence: "FREQ=WEEKLY"}, "America/Chicago", 2*time.Hour)

	body := toGoogleEvent(ev)
	if body.Start.TimeZone != "America/Chicago" || body.Start.DateTime != "2025-06-10T18:00:00-05:00" {
		t.Errorf("Expected Chicago start, got %+v", body.Start)
	}
	if len(body.Recurrence) != 1 || body.Recurrence[0] != "RRULE:FREQ=WEEKLY" {
		t.Errorf("Expected prefixed rule, got %v", body.Recurrence)
	}

	back, err := fromGoogleEvent(body)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !back.Start.Equal(ev.Start) || back.Recurrence[0] != "FREQ=WEEKLY" {
		t.Errorf("Expected conversion to round trip, got %+v", back)
	}

	allDay, _ := BuildEvent(EventFields{Title: "Day", Date: "2025-06-10"}, "UTC", time.Hour)
	body = toGoogleEvent(allDay)
	if body.Start.Date != "2025-06-10" || body.End.Date != "2025-06-11" {
		t.Errorf("Expected all-day dates, got %+v / %+v", body.Start, body.End)
	}
}
