package calendar

import (
	"cmp"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// BuildEvent turns decision fields into a backend event. A missing time
// yields an all-day event; a missing end time yields defaultDuration.
func BuildEvent(fields EventFields, defaultTZ string, defaultDuration time.Duration) (Event, error) {
	if strings.TrimSpace(fields.Title) == "" {
		return Event{}, fmt.Errorf("event title is required")
	}

	tz := cmp.Or(strings.TrimSpace(fields.Timezone), defaultTZ)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Event{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	day, err := time.ParseInLocation(dateLayout, strings.TrimSpace(fields.Date), loc)
	if err != nil {
		return Event{}, fmt.Errorf("invalid event date %q, expected YYYY-MM-DD", fields.Date)
	}

	ev := Event{
		Title:       strings.TrimSpace(fields.Title),
		TimeZone:    tz,
		Location:    strings.TrimSpace(fields.Location),
		Description: strings.TrimSpace(fields.Description),
	}

	startTime := strings.TrimSpace(fields.Time)
	if startTime == "" {
		ev.AllDay = true
		ev.Start = day
		ev.End = day.AddDate(0, 0, 1)
	} else {
		start, err := atClock(day, startTime)
		if err != nil {
			return Event{}, fmt.Errorf("invalid event time %q, expected HH:MM", fields.Time)
		}
		ev.Start = start
		ev.End = start.Add(defaultDuration)

		if endTime := strings.TrimSpace(fields.EndTime); endTime != "" {
			end, err := atClock(day, endTime)
			if err != nil {
				return Event{}, fmt.Errorf("invalid event end time %q, expected HH:MM", fields.EndTime)
			}
			if !end.After(start) {
				return Event{}, fmt.Errorf("event end time %s is not after start time %s", fields.EndTime, fields.Time)
			}
			ev.End = end
		}
	}

	if rule := NormalizeRecurrence(fields.Recurrence); rule != "" {
		if _, err := rrule.StrToRRule(rule); err != nil {
			return Event{}, fmt.Errorf("invalid recurrence %q: %w", fields.Recurrence, err)
		}
		ev.Recurrence = []string{rule}
	}

	return ev, nil
}

// NormalizeRecurrence strips an optional "RRULE:" prefix.
func NormalizeRecurrence(rule string) string {
	rule = strings.TrimSpace(rule)
	if len(rule) >= 6 && strings.EqualFold(rule[:6], "RRULE:") {
		rule = rule[6:]
	}
	return rule
}

// ParseDate parses a YYYY-MM-DD day in loc.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dateLayout, strings.TrimSpace(value), loc)
}

func atClock(day time.Time, clock string) (time.Time, error) {
	t, err := time.Parse(timeLayout, clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}
