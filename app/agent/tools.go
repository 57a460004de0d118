package agent

import (
	"encoding/json"

	"github.com/bikegroups/calendar-sync/app/oracle"
)

const (
	toolGetImages       = "get_images"
	toolSearchByDate    = "search_events_by_date"
	toolSearchByKeyword = "search_events_by_keyword"
	toolSubmitDecision  = "submit_decision"
	toolCreateEvent     = "create_event"
	toolUpdateEvent     = "update_event"
	toolCancelEvent     = "cancel_event"
)

const eventSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$", "description": "YYYY-MM-DD"},
		"time": {"type": ["string", "null"], "description": "Start time HH:MM, null for all-day"},
		"end_time": {"type": ["string", "null"], "description": "End time HH:MM"},
		"timezone": {"type": "string", "description": "IANA timezone"},
		"location": {"type": ["string", "null"]},
		"description": {"type": ["string", "null"]},
		"recurrence": {"type": ["string", "null"], "description": "RRULE for recurring events, e.g. FREQ=WEEKLY;BYDAY=TU"}
	},
	"required": ["title", "date"]
}`

var readTools = []oracle.ToolDef{
	{
		Name:        toolGetImages,
		Description: "Return the images attached to this post. Event posters often carry the date, time and location. Call this before any decision other than ignore when the post has images.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        toolSearchByDate,
		Description: "List calendar events between two dates, both inclusive.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"start_date": {"type": "string", "description": "YYYY-MM-DD"},
				"end_date": {"type": "string", "description": "YYYY-MM-DD"}
			},
			"required": ["start_date", "end_date"]
		}`),
	},
	{
		Name:        toolSearchByKeyword,
		Description: "Search upcoming calendar events by name, organizer or venue. Returns at most a handful of the soonest matches.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"keywords": {"type": "array", "items": {"type": "string"}, "description": "Search terms"}
			},
			"required": ["keywords"]
		}`),
	},
	{
		Name:        toolSubmitDecision,
		Description: "Submit the final decision for this post. You must call this to finish.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"is_event": {"type": "boolean"},
				"confidence": {"type": "number", "minimum": 0, "maximum": 1},
				"outcome": {"type": "string", "enum": ["create", "update", "cancel", "ignore"]},
				"rationale": {"type": "string"},
				"event_timing": {"type": "string", "enum": ["upcoming", "past", "ambiguous"]},
				"event": ` + eventSchema + `,
				"existing_event_id": {"type": ["string", "null"], "description": "Calendar event id for update and cancel"},
				"needs_review": {"type": "boolean", "description": "Ask a human to double check this post"}
			},
			"required": ["is_event", "confidence", "outcome", "rationale", "event_timing"]
		}`),
	},
}

var mutationTools = []oracle.ToolDef{
	{
		Name:        toolCreateEvent,
		Description: "Create a calendar event right away. At most one calendar change is allowed per post.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"event": ` + eventSchema + `},
			"required": ["event"]
		}`),
	},
	{
		Name:        toolUpdateEvent,
		Description: "Replace the details of an existing calendar event. At most one calendar change is allowed per post.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"event_id": {"type": "string"},
				"event": ` + eventSchema + `
			},
			"required": ["event_id", "event"]
		}`),
	},
	{
		Name:        toolCancelEvent,
		Description: "Cancel an existing calendar event. At most one calendar change is allowed per post.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"event_id": {"type": "string"}},
			"required": ["event_id"]
		}`),
	},
}

func toolset(allowMutations bool) []oracle.ToolDef {
	tools := append([]oracle.ToolDef{}, readTools...)
	if allowMutations {
		tools = append(tools, mutationTools...)
	}
	return tools
}

type dateSearchInput struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type keywordSearchInput struct {
	Keywords []string `json:"keywords"`
	Query    string   `json:"query"`
}

type decisionInput struct {
	IsEvent         *bool       `json:"is_event"`
	Confidence      *float64    `json:"confidence"`
	Outcome         string      `json:"outcome"`
	Rationale       string      `json:"rationale"`
	EventTiming     string      `json:"event_timing"`
	Event           *eventInput `json:"event"`
	ExistingEventID *string     `json:"existing_event_id"`
	NeedsReview     bool        `json:"needs_review"`
}

// eventInput accepts null for every optional field.
type eventInput struct {
	Title       string  `json:"title"`
	Date        string  `json:"date"`
	Time        *string `json:"time"`
	EndTime     *string `json:"end_time"`
	Timezone    *string `json:"timezone"`
	Location    *string `json:"location"`
	Description *string `json:"description"`
	Recurrence  *string `json:"recurrence"`
}

type mutationInput struct {
	EventID string      `json:"event_id"`
	Event   *eventInput `json:"event"`
}

type eventResult struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Start       string `json:"start"`
	End         string `json:"end"`
	AllDay      bool   `json:"all_day"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
}
