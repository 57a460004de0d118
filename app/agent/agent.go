package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bikegroups/calendar-sync/app/calendar"
	"github.com/bikegroups/calendar-sync/app/cfg"
	"github.com/bikegroups/calendar-sync/app/database"
	"github.com/bikegroups/calendar-sync/app/evidence"
	"github.com/bikegroups/calendar-sync/app/feed"
	"github.com/bikegroups/calendar-sync/app/oracle"
)

const prefilterMaxTokens = 8

// Agent runs the bounded tool loop that turns one post into a decision.
type Agent struct {
	oracle         Oracle
	calendar       Calendar
	evidence       EvidenceSource
	filterer       *feed.Filterer
	oraclePolicy   cfg.OraclePolicy
	policy         cfg.AgentPolicy
	calendarPolicy cfg.CalendarPolicy
	logDir         string
	now            func() time.Time
}

func NewAgent(o Oracle, cal Calendar, ev EvidenceSource, policy *cfg.Policy, logDir string) *Agent {
	return &Agent{
		oracle:         o,
		calendar:       cal,
		evidence:       ev,
		filterer:       feed.NewFilterer(policy.Feed.Filters),
		oraclePolicy:   policy.Oracle,
		policy:         policy.Agent,
		calendarPolicy: policy.Calendar,
		logDir:         logDir,
		now:            time.Now,
	}
}

// Decide analyzes a post. The returned session is never nil, also on
// error, so callers can record tokens, cost and the transcript path.
func (a *Agent) Decide(ctx context.Context, post feed.Post) (*Session, error) {
	now := a.now()
	s := &Session{}

	tr := newTranscript(a.logDir, post.Fingerprint, now)
	defer tr.close()
	s.LogPath = tr.path

	err := a.run(ctx, post, now, s, tr)
	s.CostUSD = a.oraclePolicy.Cost(s.Usage.InputTokens, s.Usage.OutputTokens)

	if err != nil {
		tr.fail(err)
		if s.Mutation != nil {
			slog.Warn("Post failed after calendar mutation", "fingerprint", post.Fingerprint,
				"mutation", string(s.Mutation.Outcome), "event_id", s.Mutation.EventID, "error", err)
		}
		return s, err
	}

	tr.final(s)
	return s, nil
}

func (a *Agent) run(ctx context.Context, post feed.Post, now time.Time, s *Session, tr *transcript) error {
	if excluded, reason := a.filterer.Run(post); excluded {
		s.Prefiltered = true
		s.Decision = &Decision{
			Outcome:    database.OutcomeIgnore,
			Confidence: 1,
			Rationale:  reason,
		}
		tr.printf("=== FEED FILTER ===\n%s\n\n", reason)
		slog.Debug("Post excluded by feed filter", "fingerprint", post.Fingerprint, "reason", reason)
		return nil
	}

	if a.policy.Prefilter {
		likely, err := a.prefilter(ctx, post, now, s, tr)
		if err != nil {
			return fmt.Errorf("prefilter: %w", err)
		}
		if !likely {
			s.Prefiltered = true
			s.Decision = &Decision{
				Outcome:    database.OutcomeIgnore,
				Confidence: 1,
				Rationale:  "Prefilter classified the post as not an event announcement.",
			}
			slog.Debug("Post short-circuited by prefilter", "fingerprint", post.Fingerprint)
			return nil
		}
	}

	l := &loop{
		Agent:    a,
		post:     post,
		evidence: a.evidence.Assemble(ctx, post),
		session:  s,
		tr:       tr,
		check: validator{
			post:            post,
			now:             now,
			defaultTZ:       a.calendarPolicy.Timezone,
			defaultDuration: time.Duration(a.calendarPolicy.DefaultDuration) * time.Minute,
		},
	}
	return l.turns(ctx, now)
}

// prefilter asks for a one-word YES/NO. Anything but NO counts as a
// possible event.
func (a *Agent) prefilter(ctx context.Context, post feed.Post, now time.Time, s *Session, tr *transcript) (bool, error) {
	system := fmt.Sprintf("%s\n\nThe current date and time is %s.", prefilterPrompt,
		now.In(a.location()).Format("Monday, 2006-01-02 15:04 MST"))

	resp, err := a.converse(ctx, oracle.Request{
		Model:     a.oraclePolicy.PrefilterModel,
		MaxTokens: prefilterMaxTokens,
		System:    system,
		Messages: []oracle.Message{{
			Role:    oracle.RoleUser,
			Content: []oracle.ContentBlock{oracle.TextBlock("Analyze this RSS post:\n\n" + a.postText(post))},
		}},
	})
	if err != nil {
		return false, err
	}
	s.Usage.Add(resp.Usage)

	answer, _, _ := strings.Cut(strings.TrimSpace(resp.Text()), "\n")
	answer = strings.ToUpper(strings.TrimSpace(answer))
	tr.prefilter(answer, resp.Usage)

	return answer != "NO", nil
}

func (a *Agent) converse(ctx context.Context, req oracle.Request) (*oracle.Response, error) {
	if a.oraclePolicy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.oraclePolicy.Timeout)*time.Second)
		defer cancel()
	}
	return a.oracle.Converse(ctx, req)
}

func (a *Agent) location() *time.Location {
	loc, err := time.LoadLocation(a.calendarPolicy.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// loop is the state of one post's conversation.
type loop struct {
	*Agent
	post     feed.Post
	evidence evidence.Evidence
	session  *Session
	tr       *transcript
	check    validator
	searched bool // a calendar search succeeded in this session
}

// searchFirst refuses a create until the calendar has been searched for
// an existing copy of the event.
func (l *loop) searchFirst() error {
	if l.searched {
		return nil
	}
	return &ValidationError{Problems: []string{
		"search the calendar before creating an event; use search_events_by_date or search_events_by_keyword"}}
}

func (l *loop) turns(ctx context.Context, now time.Time) error {
	userBlocks := []oracle.ContentBlock{oracle.TextBlock(l.userMessage(l.post, l.evidence))}
	l.tr.userMessage(userBlocks)

	req := oracle.Request{
		Model:     l.oraclePolicy.Model,
		MaxTokens: l.oraclePolicy.MaxTokens,
		System:    l.systemPrompt(now),
		Tools:     toolset(l.policy.AllowToolMutations),
	}
	messages := []oracle.Message{{Role: oracle.RoleUser, Content: userBlocks}}
	reminded := false

	for turn := 1; turn <= l.policy.MaxTurns; turn++ {
		req.Messages = messages
		resp, err := l.converse(ctx, req)
		if err != nil {
			return fmt.Errorf("oracle turn %d: %w", turn, err)
		}

		l.session.Turns = turn
		l.session.Usage.Add(resp.Usage)
		l.tr.response(resp)

		uses := resp.ToolUses()
		if len(uses) == 0 {
			if reminded {
				return fmt.Errorf("oracle stopped (%s) without submitting a decision after a reminder", resp.StopReason)
			}
			reminded = true
			messages = appendTurn(messages, resp.AssistantMessage(), []oracle.ContentBlock{oracle.TextBlock(reminderText)})
			continue
		}

		results := make([]oracle.ContentBlock, 0, len(uses))
		for _, use := range uses {
			result, decision := l.execute(ctx, use)
			results = append(results, result)
			if decision != nil {
				l.session.Decision = decision
				break
			}
		}
		l.tr.toolResults(results)

		if l.session.Decision != nil {
			return nil
		}

		messages = appendTurn(messages, resp.AssistantMessage(), results)
	}

	var mutated []string
	if l.session.Mutation != nil {
		mutated = append(mutated, l.session.Mutation.EventID)
	}
	return &AgentTimeoutError{MaxTurns: l.policy.MaxTurns, MutatedIDs: mutated}
}

// appendTurn adds the assistant reply and the next user content. An empty
// assistant reply is dropped and the content joins the previous user turn.
func appendTurn(messages []oracle.Message, assistant oracle.Message, user []oracle.ContentBlock) []oracle.Message {
	if len(assistant.Content) == 0 {
		last := &messages[len(messages)-1]
		last.Content = append(last.Content, user...)
		return messages
	}
	return append(messages, assistant, oracle.Message{Role: oracle.RoleUser, Content: user})
}

// execute runs one tool call. A non-nil decision ends the loop.
func (l *loop) execute(ctx context.Context, use oracle.ContentBlock) (oracle.ContentBlock, *Decision) {
	slog.Debug("Executing tool", "fingerprint", l.post.Fingerprint, "tool", use.Name)

	switch use.Name {
	case toolGetImages:
		return oracle.ToolResultBlock(use.ID, l.images(), false), nil

	case toolSearchByDate:
		var in dateSearchInput
		if err := json.Unmarshal(use.Input, &in); err != nil {
			return errorResult(use.ID, fmt.Errorf("invalid input: %w", err)), nil
		}
		return l.searchByDate(ctx, use.ID, in), nil

	case toolSearchByKeyword:
		var in keywordSearchInput
		if err := json.Unmarshal(use.Input, &in); err != nil {
			return errorResult(use.ID, fmt.Errorf("invalid input: %w", err)), nil
		}
		return l.searchByKeyword(ctx, use.ID, in), nil

	case toolSubmitDecision:
		return l.submit(use)

	case toolCreateEvent, toolUpdateEvent, toolCancelEvent:
		if l.policy.AllowToolMutations {
			return l.mutate(ctx, use), nil
		}
	}

	return errorResult(use.ID, fmt.Errorf("unknown tool: %s", use.Name)), nil
}

func (l *loop) images() []oracle.ContentBlock {
	images := l.evidence.Images
	if len(images.Loaded) == 0 {
		if images.Degraded() {
			return []oracle.ContentBlock{oracle.TextBlock(fmt.Sprintf(
				"The post references %d image(s) but none could be loaded.", images.Declared))}
		}
		return []oracle.ContentBlock{oracle.TextBlock("This post has no images.")}
	}

	blocks := []oracle.ContentBlock{oracle.TextBlock(fmt.Sprintf("Loaded %d image(s).", len(images.Loaded)))}
	for _, img := range images.Loaded {
		blocks = append(blocks, oracle.ImageBlock(img.MediaType, img.Data))
	}
	return blocks
}

func (l *loop) searchByDate(ctx context.Context, id string, in dateSearchInput) oracle.ContentBlock {
	loc := l.location()
	from, err := calendar.ParseDate(in.StartDate, loc)
	if err != nil {
		return errorResult(id, fmt.Errorf("invalid start_date %q, expected YYYY-MM-DD", in.StartDate))
	}
	to, err := calendar.ParseDate(in.EndDate, loc)
	if err != nil {
		return errorResult(id, fmt.Errorf("invalid end_date %q, expected YYYY-MM-DD", in.EndDate))
	}
	if to.Before(from) {
		return errorResult(id, fmt.Errorf("end_date %s is before start_date %s", in.EndDate, in.StartDate))
	}

	events, err := l.calendar.Search(ctx, calendar.Query{From: from, To: to.AddDate(0, 0, 1)})
	if err != nil {
		return errorResult(id, err)
	}
	l.searched = true
	return jsonResult(id, eventResults(events))
}

func (l *loop) searchByKeyword(ctx context.Context, id string, in keywordSearchInput) oracle.ContentBlock {
	keywords := in.Keywords
	if in.Query != "" {
		keywords = append(keywords, in.Query)
	}
	if len(calendar.NormalizeKeywords(keywords)) == 0 {
		return errorResult(id, errors.New("at least one keyword is required"))
	}

	events, err := l.calendar.Search(ctx, calendar.Query{Keywords: keywords})
	if err != nil {
		return errorResult(id, err)
	}
	l.searched = true
	return jsonResult(id, eventResults(events))
}

func (l *loop) submit(use oracle.ContentBlock) (oracle.ContentBlock, *Decision) {
	d, err := l.check.decision(use.Input)
	if err != nil {
		return errorResult(use.ID, err), nil
	}

	if m := l.session.Mutation; m != nil {
		if err := matchesMutation(d, m); err != nil {
			return errorResult(use.ID, err), nil
		}
	} else if d.Outcome == database.OutcomeCreate {
		if err := l.searchFirst(); err != nil {
			return errorResult(use.ID, err), nil
		}
	}

	return jsonResult(use.ID, map[string]any{"accepted": true, "outcome": d.Outcome}), d
}

// matchesMutation requires a terminal decision to describe the change that
// was already applied.
func matchesMutation(d *Decision, m *Mutation) error {
	if d.Outcome != m.Outcome {
		return &ValidationError{Problems: []string{fmt.Sprintf(
			"a %s was already applied to event %s; the decision must report outcome %q", m.Outcome, m.EventID, m.Outcome)}}
	}
	if d.ExistingEventID != "" && d.ExistingEventID != m.EventID {
		return &ValidationError{Problems: []string{fmt.Sprintf(
			"the %s was applied to event %s, not %s", m.Outcome, m.EventID, d.ExistingEventID)}}
	}
	return nil
}

func (l *loop) mutate(ctx context.Context, use oracle.ContentBlock) oracle.ContentBlock {
	if m := l.session.Mutation; m != nil {
		return errorResult(use.ID, fmt.Errorf(
			"a %s was already applied to event %s; only one calendar change is allowed per post", m.Outcome, m.EventID))
	}

	var in mutationInput
	if err := json.Unmarshal(use.Input, &in); err != nil {
		return errorResult(use.ID, fmt.Errorf("invalid input: %w", err))
	}
	eventID := strings.TrimSpace(in.EventID)

	var fields *calendar.EventFields
	if in.Event != nil {
		f := in.Event.fields()
		fields = &f
	}

	var outcome database.Outcome
	switch use.Name {
	case toolCreateEvent:
		outcome = database.OutcomeCreate
		if problems := l.check.eventProblems(fields, true); len(problems) > 0 {
			return errorResult(use.ID, &ValidationError{Problems: problems})
		}
		if err := l.searchFirst(); err != nil {
			return errorResult(use.ID, err)
		}
		id, err := l.calendar.Create(ctx, *fields)
		if err != nil {
			return errorResult(use.ID, err)
		}
		eventID = id

	case toolUpdateEvent:
		outcome = database.OutcomeUpdate
		if eventID == "" {
			return errorResult(use.ID, errors.New("event_id is required"))
		}
		if problems := l.check.eventProblems(fields, false); len(problems) > 0 {
			return errorResult(use.ID, &ValidationError{Problems: problems})
		}
		if err := l.calendar.Update(ctx, eventID, *fields); err != nil {
			return errorResult(use.ID, err)
		}

	default:
		outcome = database.OutcomeCancel
		if eventID == "" {
			return errorResult(use.ID, errors.New("event_id is required"))
		}
		if err := l.calendar.Cancel(ctx, eventID); err != nil {
			return errorResult(use.ID, err)
		}
	}

	l.session.Mutation = &Mutation{Outcome: outcome, EventID: eventID}
	slog.Info("Calendar mutated from agent loop", "fingerprint", l.post.Fingerprint, "mutation", string(outcome), "event_id", eventID)

	return jsonResult(use.ID, map[string]any{"success": true, "outcome": outcome, "event_id": eventID})
}

func eventResults(events []calendar.Event) []eventResult {
	out := make([]eventResult, 0, len(events))
	for _, ev := range events {
		layout := time.RFC3339
		if ev.AllDay {
			layout = "2006-01-02"
		}
		out = append(out, eventResult{
			ID:          ev.ID,
			Title:       ev.Title,
			Start:       ev.Start.Format(layout),
			End:         ev.End.Format(layout),
			AllDay:      ev.AllDay,
			Location:    ev.Location,
			Description: ev.Description,
		})
	}
	return out
}

func jsonResult(id string, v any) oracle.ContentBlock {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(id, fmt.Errorf("failed to encode result: %w", err))
	}
	return oracle.ToolResultBlock(id, []oracle.ContentBlock{oracle.TextBlock(string(data))}, false)
}

func errorResult(id string, err error) oracle.ContentBlock {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return oracle.ToolResultBlock(id, []oracle.ContentBlock{oracle.TextBlock(string(data))}, true)
}
