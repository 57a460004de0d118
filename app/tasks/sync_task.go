package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bikegroups/calendar-sync/app/agent"
	"github.com/bikegroups/calendar-sync/app/database"
	"github.com/bikegroups/calendar-sync/app/feed"
	"github.com/bikegroups/calendar-sync/app/metrics"
)

const (
	StateFetching  = "FETCHING"
	StateFiltering = "FILTERING"
	StateDone      = "DONE"
)

type SyncOptions struct {
	Limit  int // 0 processes every eligible post
	DryRun bool
}

// SyncTask is one run of the pipeline over the current feed contents.
type SyncTask struct {
	Task
	reader   FeedSource
	decider  Decider
	calendar Mutator
	records  database.RecordRepository
	posts    database.PostRepository
	opts     SyncOptions
	now      func() time.Time

	mu      sync.Mutex
	state   string
	summary *Summary
}

func NewSyncTask(reader FeedSource, decider Decider, calendar Mutator, records database.RecordRepository,
	posts database.PostRepository, opts SyncOptions) *SyncTask {
	return &SyncTask{
		Task:     NewTask(TaskTypeSync),
		reader:   reader,
		decider:  decider,
		calendar: calendar,
		records:  records,
		posts:    posts,
		opts:     opts,
		now:      time.Now,
	}
}

func (t *SyncTask) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *SyncTask) setState(state string) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	slog.Debug("Sync state", "id", t.ID, "state", state)
}

// Summary is available once Execute has returned.
func (t *SyncTask) Summary() *Summary {
	return t.summary
}

func (t *SyncTask) Execute(ctx context.Context) error {
	start := t.now()
	t.summary = &Summary{
		RunID:     t.ID,
		DryRun:    t.opts.DryRun,
		FeedURL:   t.reader.URL(),
		StartedAt: start,
	}

	err := t.execute(ctx)

	t.summary.Duration = t.now().Sub(start)
	if total, costErr := t.records.GetTotalCost(); costErr == nil {
		t.summary.CumulativeCost = total
	} else {
		slog.Warn("Failed to read cumulative cost", "error", costErr)
	}

	metrics.RunDuration.Observe(t.summary.Duration.Seconds())
	if err != nil {
		metrics.RunsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.RunsTotal.WithLabelValues("ok").Inc()
	metrics.LastSuccessTimestamp.SetToCurrentTime()
	return nil
}

func (t *SyncTask) execute(ctx context.Context) error {
	t.setState(StateFetching)
	posts, err := t.reader.Fetch(ctx)
	if err != nil {
		return err
	}
	t.summary.Fetched = len(posts)

	t.setState(StateFiltering)
	pending, err := t.filter(posts)
	if err != nil {
		return err
	}

	slog.Info("Processing posts", "id", t.ID, "fetched", len(posts), "pending", len(pending),
		"dry_run", t.opts.DryRun)

	for i, post := range pending {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync interrupted before post %d of %d: %w", i+1, len(pending), err)
		}

		t.setState(fmt.Sprintf("PROCESSING_%d", i+1))
		entry, err := t.process(ctx, post)
		if entry.Fingerprint != "" {
			t.summary.Entries = append(t.summary.Entries, entry)
		}
		if err != nil {
			return fmt.Errorf("sync interrupted at post %s: %w", shortFingerprint(post.Fingerprint), err)
		}
	}

	t.setState(StateDone)

	if n := len(t.summary.LedgerErrors); n > 0 {
		return fmt.Errorf("%d outcome(s) could not be recorded: %w", n, t.summary.LedgerErrors[0])
	}
	return nil
}

// filter remembers every fetched post, drops the ones with a live record
// and orders the rest oldest first. Posts without a date sort first.
func (t *SyncTask) filter(posts []feed.Post) ([]feed.Post, error) {
	unique := make([]feed.Post, 0, len(posts))
	seen := make(map[string]bool, len(posts))
	for _, post := range posts {
		if seen[post.Fingerprint] {
			continue
		}
		seen[post.Fingerprint] = true
		unique = append(unique, post)
	}

	if !t.opts.DryRun {
		now := t.now().UTC()
		rows := make([]database.SeenPost, len(unique))
		for i, post := range unique {
			rows[i] = database.SeenPost{
				Fingerprint: post.Fingerprint,
				GUID:        post.GUID,
				Title:       post.Title,
				Author:      post.Author,
				Link:        post.Link,
				PublishedAt: post.PublishedAt,
				ImageCount:  len(post.ImageURLs),
				FirstSeenAt: now,
			}
		}
		added, err := t.posts.RememberPosts(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to remember posts: %w", err)
		}
		t.summary.NewlySeen = added
	}

	fingerprints := make([]string, len(unique))
	for i, post := range unique {
		fingerprints[i] = post.Fingerprint
	}
	processed, err := t.records.ProcessedSet(fingerprints)
	if err != nil {
		return nil, fmt.Errorf("failed to check processed posts: %w", err)
	}

	pending := make([]feed.Post, 0, len(unique))
	for _, post := range unique {
		if processed[post.Fingerprint] {
			t.summary.AlreadyProcessed++
			continue
		}
		pending = append(pending, post)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i].PublishedAt, pending[j].PublishedAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})

	if t.opts.Limit > 0 && len(pending) > t.opts.Limit {
		t.summary.Deferred = len(pending) - t.opts.Limit
		pending = pending[:t.opts.Limit]
	}

	return pending, nil
}

// process runs one post through the agent and the final mutation, then
// records the result. The returned error is only set when ctx was
// canceled. An interrupted post is left unrecorded unless the calendar
// already changed, in which case it is recorded as an error for review.
func (t *SyncTask) process(ctx context.Context, post feed.Post) (Entry, error) {
	started := time.Now()

	session, err := t.decider.Decide(ctx, post)
	if session == nil {
		session = &agent.Session{}
	}

	var eventID string
	if err == nil {
		eventID, err = t.apply(ctx, session)
	}

	var interrupted error
	if err != nil && ctx.Err() != nil {
		if session.Mutation == nil {
			slog.Warn("Post interrupted, not recorded", "fingerprint", post.Fingerprint, "error", err)
			return Entry{}, ctx.Err()
		}
		slog.Warn("Post interrupted after a calendar change, recording for review",
			"fingerprint", post.Fingerprint, "event_id", session.Mutation.EventID, "error", err)
		interrupted = ctx.Err()
	}

	result := resultFor(session, eventID, err)
	entry := Entry{
		Fingerprint:  post.Fingerprint,
		Title:        post.Title,
		Outcome:      result.Outcome,
		Confidence:   result.Confidence,
		EventID:      result.EventID,
		NeedsReview:  result.NeedsReview,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUSD:      result.CostUSD,
		LogPath:      result.LogPath,
		Error:        result.Error,
	}

	metrics.PostsTotal.WithLabelValues(string(result.Outcome)).Inc()
	metrics.OracleCost.Add(result.CostUSD)

	if err != nil {
		var timeout *agent.AgentTimeoutError
		if errors.As(err, &timeout) {
			slog.Error("Agent did not reach a decision", "fingerprint", post.Fingerprint,
				"max_turns", timeout.MaxTurns, "mutated", timeout.MutatedIDs, "log", result.LogPath)
		} else {
			slog.Error("Post processing failed", "fingerprint", post.Fingerprint, "error", err, "log", result.LogPath)
		}
	} else {
		slog.Info("Post processed", "fingerprint", post.Fingerprint, "outcome", string(result.Outcome),
			"confidence", result.Confidence, "event_id", result.EventID, "cost", result.CostUSD,
			"duration", time.Since(started))
	}

	if t.opts.DryRun {
		return entry, interrupted
	}

	attrs := database.PostAttrs{
		Fingerprint: post.Fingerprint,
		GUID:        post.GUID,
		Title:       post.Title,
		Author:      post.Author,
		Link:        post.Link,
		Content:     post.Content,
		PublishedAt: post.PublishedAt,
	}
	if recErr := t.records.RecordOutcome(attrs, result); recErr != nil {
		var conflict *database.ConflictError
		if errors.As(recErr, &conflict) {
			slog.Error("Post already has a live record", "fingerprint", post.Fingerprint,
				"status", string(conflict.Status))
		} else {
			slog.Error("Failed to record outcome", "fingerprint", post.Fingerprint, "error", recErr)
		}
		t.summary.LedgerErrors = append(t.summary.LedgerErrors, recErr)
	}

	return entry, interrupted
}

// apply performs the decision's calendar change unless the agent already
// made it from inside the loop.
func (t *SyncTask) apply(ctx context.Context, s *agent.Session) (string, error) {
	d := s.Decision
	if d == nil {
		return "", errors.New("agent returned no decision")
	}
	if s.Mutation != nil {
		return s.Mutation.EventID, nil
	}

	switch d.Outcome {
	case database.OutcomeCreate:
		if d.Event == nil {
			return "", errors.New("create decision has no event")
		}
		id, err := t.calendar.Create(ctx, *d.Event)
		if err != nil {
			return "", fmt.Errorf("failed to create event: %w", err)
		}
		return id, nil

	case database.OutcomeUpdate:
		if d.Event == nil {
			return "", errors.New("update decision has no event")
		}
		if err := t.calendar.Update(ctx, d.ExistingEventID, *d.Event); err != nil {
			return "", fmt.Errorf("failed to update event %s: %w", d.ExistingEventID, err)
		}
		return d.ExistingEventID, nil

	case database.OutcomeCancel:
		if err := t.calendar.Cancel(ctx, d.ExistingEventID); err != nil {
			return "", fmt.Errorf("failed to cancel event %s: %w", d.ExistingEventID, err)
		}
		return d.ExistingEventID, nil
	}

	return "", nil
}

func resultFor(s *agent.Session, eventID string, err error) database.Result {
	r := database.Result{
		InputTokens:  s.Usage.InputTokens,
		OutputTokens: s.Usage.OutputTokens,
		CostUSD:      s.CostUSD,
		LogPath:      s.LogPath,
	}

	if d := s.Decision; d != nil {
		r.Confidence = d.Confidence
		r.Rationale = d.Rationale
		r.NeedsReview = d.NeedsReview
		if d.Event != nil {
			r.EventTitle = d.Event.Title
			r.EventDate = d.Event.Date
			r.EventTime = d.Event.Time
			r.EventLocation = d.Event.Location
		}
	}

	if err != nil {
		r.Status = database.StatusError
		r.Outcome = database.OutcomeError
		r.Error = err.Error()
		// the calendar may already have changed; keep the link for review
		if s.Mutation != nil {
			r.EventID = s.Mutation.EventID
			r.NeedsReview = true
		}
		return r
	}

	r.Status = database.StatusProcessed
	r.Outcome = s.Decision.Outcome
	if r.Outcome != database.OutcomeIgnore {
		r.EventID = eventID
	}
	return r
}
