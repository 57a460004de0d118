package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bikegroups/calendar-sync/app/calendar"
	"github.com/bikegroups/calendar-sync/app/database"
	"github.com/bikegroups/calendar-sync/app/feed"
)

// ValidationError lists what is wrong with a tool call. It goes back to the
// oracle as a tool result so the oracle can correct itself.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// validator checks decisions and event fields against one post.
type validator struct {
	post            feed.Post
	now             time.Time
	defaultTZ       string
	defaultDuration time.Duration
}

func (v validator) decision(raw json.RawMessage) (*Decision, error) {
	var in decisionInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("input is not valid JSON: %v", err)}}
	}

	var problems []string
	d := &Decision{
		Outcome:     database.Outcome(in.Outcome),
		Rationale:   strings.TrimSpace(in.Rationale),
		EventTiming: in.EventTiming,
		NeedsReview: in.NeedsReview,
	}

	if in.IsEvent == nil {
		problems = append(problems, "is_event is required")
	} else {
		d.IsEvent = *in.IsEvent
	}

	if in.Confidence == nil {
		problems = append(problems, "confidence is required")
	} else if *in.Confidence < 0 || *in.Confidence > 1 {
		problems = append(problems, fmt.Sprintf("confidence must be between 0 and 1, got %g", *in.Confidence))
	} else {
		d.Confidence = *in.Confidence
	}

	if d.Rationale == "" {
		problems = append(problems, "rationale is required")
	}

	switch d.EventTiming {
	case TimingUpcoming, TimingPast, TimingAmbiguous:
	default:
		problems = append(problems, fmt.Sprintf("event_timing must be upcoming, past or ambiguous, got %q", d.EventTiming))
	}

	if in.ExistingEventID != nil {
		d.ExistingEventID = strings.TrimSpace(*in.ExistingEventID)
	}
	if in.Event != nil {
		fields := in.Event.fields()
		d.Event = &fields
	}

	switch d.Outcome {
	case database.OutcomeCreate:
		if d.EventTiming != TimingUpcoming {
			problems = append(problems, "create requires event_timing \"upcoming\"; past or ambiguous events must not be created")
		}
		problems = append(problems, v.eventProblems(d.Event, true)...)
	case database.OutcomeUpdate:
		if d.ExistingEventID == "" {
			problems = append(problems, "update requires existing_event_id")
		}
		problems = append(problems, v.eventProblems(d.Event, false)...)
	case database.OutcomeCancel:
		if d.ExistingEventID == "" {
			problems = append(problems, "cancel requires existing_event_id")
		}
	case database.OutcomeIgnore:
		if d.ExistingEventID != "" {
			problems = append(problems, "ignore must not name an existing_event_id")
		}
	default:
		problems = append(problems, fmt.Sprintf("outcome must be create, update, cancel or ignore, got %q", in.Outcome))
	}

	if d.Mutates() && in.IsEvent != nil && !d.IsEvent {
		problems = append(problems, fmt.Sprintf("%s requires is_event true", d.Outcome))
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return d, nil
}

// eventProblems checks event fields. New events must not be dated before the
// day the post was published, or the run day when the post has no date.
func (v validator) eventProblems(fields *calendar.EventFields, isNew bool) []string {
	if fields == nil {
		return []string{"event is required"}
	}

	ev, err := calendar.BuildEvent(*fields, v.defaultTZ, v.defaultDuration)
	if err != nil {
		return []string{fmt.Sprintf("event: %v", err)}
	}

	if !isNew {
		return nil
	}

	loc, err := time.LoadLocation(ev.TimeZone)
	if err != nil {
		return []string{fmt.Sprintf("event: invalid timezone %q", ev.TimeZone)}
	}

	day, err := calendar.ParseDate(fields.Date, loc)
	if err != nil {
		return []string{fmt.Sprintf("event: %v", err)}
	}

	published := v.post.PublishedDay(v.now, loc)
	if day.Before(published) {
		return []string{fmt.Sprintf("event date %s is before the post's publication day %s; only events still ahead may be created",
			fields.Date, published.Format("2006-01-02"))}
	}
	return nil
}

func (e *eventInput) fields() calendar.EventFields {
	return calendar.EventFields{
		Title:       strings.TrimSpace(e.Title),
		Date:        strings.TrimSpace(e.Date),
		Time:        deref(e.Time),
		EndTime:     deref(e.EndTime),
		Timezone:    deref(e.Timezone),
		Location:    deref(e.Location),
		Description: deref(e.Description),
		Recurrence:  deref(e.Recurrence),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
