package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/bikegroups/calendar-sync/app/database"
)

func record(fp string, published *time.Time, result database.Result) database.Record {
	return database.Record{
		PostAttrs: database.PostAttrs{
			Fingerprint: fp,
			GUID:        "guid-" + fp,
			Title:       "Post " + fp,
			Author:      "club",
			Link:        "https://example.com/" + fp,
			Content:     `<p>Ride</p><img src="https://cdn.example.com/` + fp + `.jpg">`,
			PublishedAt: published,
		},
		Result:      result,
		ProcessedAt: time.Date(2025, 6, 3, 18, 0, 0, 0, time.UTC),
	}
}

func TestRender(t *testing.T) {
	tuesday := time.Date(2025, 6, 3, 15, 0, 0, 0, time.UTC)
	records := []database.Record{
		record("aaa", &tuesday, database.Result{
			Status: database.StatusProcessed, Outcome: database.OutcomeCreate, Confidence: 0.9,
			Rationale: "New <ride> announced", EventID: "evt123", EventTitle: "Saturday ride",
			EventDate: "2025-06-07", EventTime: "09:00", EventLocation: "Park",
			InputTokens: 12345, OutputTokens: 678, CostUSD: 0.0472,
		}),
		record("bbb", nil, database.Result{
			Status: database.StatusError, Outcome: database.OutcomeError, Error: "no decision submitted within 10 turns",
			NeedsReview: true,
		}),
	}

	var buf bytes.Buffer
	err := Render(&buf, records, Options{
		CalendarID:  "club@group.calendar.google.com",
		Location:    time.UTC,
		TotalCost:   1.5,
		GeneratedAt: tuesday,
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	html := buf.String()
	expected := []string{
		"Last 2 processed posts",
		"Total cost: $1.5000",
		"Tuesday Jun 3",
		"Unknown Date",
		"background:#22c55e",
		"background:#f97316",
		"12,345 in / 678 out",
		"$0.0472",
		"2025-06-07 at 09:00",
		EventURL("evt123", "club@group.calendar.google.com"),
		`src="https://cdn.example.com/aaa.jpg"`,
		"New &lt;ride&gt; announced",
		"no decision submitted within 10 turns",
		"badge review",
	}
	for _, want := range expected {
		if !strings.Contains(html, want) {
			t.Errorf("Expected report to contain %q", want)
		}
	}

	if strings.Index(html, "Tuesday Jun 3") > strings.Index(html, "Unknown Date") {
		t.Error("Expected days in record order")
	}
}

func TestRenderWithoutCalendarLinks(t *testing.T) {
	records := []database.Record{
		record("aaa", nil, database.Result{
			Status: database.StatusProcessed, Outcome: database.OutcomeUpdate, EventID: "evt123", EventTitle: "Ride",
		}),
	}

	var buf bytes.Buffer
	if err := Render(&buf, records, Options{Location: time.UTC}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	html := buf.String()
	if strings.Contains(html, "google.com/calendar") {
		t.Error("Expected no calendar link without a calendar id")
	}
	if !strings.Contains(html, "<code>evt123</code>") {
		t.Error("Expected plain event id")
	}
}

func TestEventURL(t *testing.T) {
	got := EventURL("abc", "cal")
	if got != "https://www.google.com/calendar/event?eid=YWJjIGNhbA==" {
		t.Errorf("Expected encoded eid, got %s", got)
	}
}
