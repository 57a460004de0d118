package report

import (
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/bikegroups/calendar-sync/app/database"
	"github.com/bikegroups/calendar-sync/app/feed"
)

const unknownDay = "Unknown Date"

var outcomeColors = map[database.Outcome]string{
	database.OutcomeCreate: "#22c55e",
	database.OutcomeUpdate: "#3b82f6",
	database.OutcomeCancel: "#ef4444",
	database.OutcomeIgnore: "#9ca3af",
	database.OutcomeError:  "#f97316",
}

type Options struct {
	// CalendarID enables Google Calendar links on event ids when set.
	CalendarID  string
	Location    *time.Location
	TotalCost   float64
	GeneratedAt time.Time
}

type Day struct {
	Label string
	Cards []Card
}

type Card struct {
	Title       string
	Link        string
	Author      string
	GUID        string
	Thumbnail   string
	Outcome     string
	Color       string
	NeedsReview bool
	Rationale   string
	Error       string

	EventTitle    string
	EventWhen     string
	EventLocation string
	EventID       string
	EventURL      string

	PostTime  string
	Processed string
	TokensIn  string
	TokensOut string
	Cost      string
}

type page struct {
	Count       int
	TotalCost   string
	GeneratedAt string
	Days        []Day
}

// Render writes the history report. Records are grouped by the local day
// the post was published, keeping their given order.
func Render(w io.Writer, records []database.Record, opts Options) error {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	generated := opts.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}

	p := page{
		Count:       len(records),
		TotalCost:   fmt.Sprintf("$%.4f", opts.TotalCost),
		GeneratedAt: localTime(&generated, loc),
		Days:        group(records, opts.CalendarID, loc),
	}

	return pageTemplate.Execute(w, p)
}

func group(records []database.Record, calendarID string, loc *time.Location) []Day {
	var days []Day
	index := make(map[string]int)

	for _, r := range records {
		label := dayLabel(r.PublishedAt, loc)
		i, ok := index[label]
		if !ok {
			i = len(days)
			index[label] = i
			days = append(days, Day{Label: label})
		}
		days[i].Cards = append(days[i].Cards, card(r, calendarID, loc))
	}

	return days
}

func card(r database.Record, calendarID string, loc *time.Location) Card {
	p := message.NewPrinter(language.English)

	c := Card{
		Title:         fallback(r.Title, "-"),
		Link:          r.Link,
		Author:        fallback(r.Author, "-"),
		GUID:          r.GUID,
		Outcome:       string(r.Outcome),
		Color:         outcomeColors[r.Outcome],
		NeedsReview:   r.NeedsReview,
		Rationale:     fallback(r.Rationale, "-"),
		Error:         r.Error,
		EventTitle:    r.EventTitle,
		EventLocation: r.EventLocation,
		EventID:       r.EventID,
		PostTime:      localTime(r.PublishedAt, loc),
		Processed:     localTime(&r.ProcessedAt, loc),
		TokensIn:      p.Sprintf("%d", r.InputTokens),
		TokensOut:     p.Sprintf("%d", r.OutputTokens),
		Cost:          "-",
	}
	if c.Color == "" {
		c.Color = outcomeColors[database.OutcomeIgnore]
	}
	if r.CostUSD > 0 {
		c.Cost = fmt.Sprintf("$%.4f", r.CostUSD)
	}

	c.EventWhen = r.EventDate
	if r.EventTime != "" {
		c.EventWhen = r.EventDate + " at " + r.EventTime
	}

	if r.EventID != "" && calendarID != "" {
		c.EventURL = EventURL(r.EventID, calendarID)
	}

	if images := feed.InlineImages(r.Content); len(images) > 0 {
		c.Thumbnail = images[0]
	}

	return c
}

// EventURL is the Google Calendar web link for an event.
func EventURL(eventID, calendarID string) string {
	eid := base64.StdEncoding.EncodeToString([]byte(eventID + " " + calendarID))
	return "https://www.google.com/calendar/event?eid=" + eid
}

func dayLabel(t *time.Time, loc *time.Location) string {
	if t == nil {
		return unknownDay
	}
	local := t.In(loc)
	return local.Format("Monday Jan ") + fmt.Sprint(local.Day())
}

func localTime(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}

func fallback(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
