package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bikegroups/calendar-sync/app/agent"
	"github.com/bikegroups/calendar-sync/app/calendar"
	"github.com/bikegroups/calendar-sync/app/cfg"
	"github.com/bikegroups/calendar-sync/app/database"
	"github.com/bikegroups/calendar-sync/app/evidence"
	"github.com/bikegroups/calendar-sync/app/feed"
	"github.com/bikegroups/calendar-sync/app/oracle"
	"github.com/bikegroups/calendar-sync/app/tasks"
)

// linkTextChars bounds the readable text taken from a post's link.
const linkTextChars = 4000

func main() {
	parser := cfg.NewParser()
	parser.AddCommand("process", "Process new feed posts",
		"Fetches the feed and runs every unprocessed post through the decision agent.", &processCommand{})
	parser.AddCommand("reset", "Reset processed posts",
		"Makes a post (by fingerprint or guid) or, with --all, every post eligible again. Calendar events are not touched.", &resetCommand{})
	parser.AddCommand("history", "Show recently processed posts", "", &historyCommand{})
	parser.AddCommand("details", "Show a processed post", "", &detailsCommand{})
	parser.AddCommand("report", "Write an HTML report of processed posts", "", &reportCommand{})
	parser.AddCommand("validate", "Validate calendar access",
		"Checks credentials, read access and write access, then lists upcoming events.", &validateCommand{})
	parser.AddCommand("serve", "Run on a schedule with an operator API", "", &serveCommand{})

	if err := parser.Run(os.Args[1:]); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(c *cfg.Cfg) {
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// app holds what every command needs: configuration, policy and the ledger.
type app struct {
	cfg     *cfg.Cfg
	policy  *cfg.Policy
	db      *database.DB
	records *database.SQLRecordRepository
	posts   *database.SQLPostRepository
}

func openApp() (*app, error) {
	c := cfg.Get()
	setupLogging(c)

	policy, err := cfg.LoadPolicy(c.PolicyPath)
	if err != nil {
		return nil, err
	}

	db, err := database.NewConnection(c.DBPath)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     c,
		policy:  policy,
		db:      db,
		records: database.NewRecordRepository(db),
		posts:   database.NewPostRepository(db),
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}

// calendarID is used for Google Calendar links and is empty for the ics backend.
func (a *app) calendarID() string {
	if a.cfg.CalendarBackend == cfg.BackendGoogle {
		return a.cfg.CalendarID
	}
	return ""
}

func (a *app) calendarBackend(ctx context.Context) (calendar.Backend, error) {
	switch a.cfg.CalendarBackend {
	case cfg.BackendICS:
		return calendar.NewICSBackend(a.cfg.ICSPath)
	default:
		if a.cfg.CalendarID == "" {
			return nil, fmt.Errorf("CALENDAR_ID is required for the google backend")
		}
		return calendar.NewGoogleBackend(ctx, a.cfg.CalendarID, a.cfg.CredentialsPath)
	}
}

// pipeline is the wired set of collaborators a sync run uses.
type pipeline struct {
	reader  *feed.Reader
	agent   *agent.Agent
	adapter *calendar.Adapter
}

// newPipeline wires the sync components. In dry-run mode calendar writes
// are simulated and session logs still go to LogDir.
func (a *app) newPipeline(ctx context.Context, dryRun bool) (*pipeline, error) {
	timeout := time.Duration(a.cfg.FetchTimeout) * time.Second
	httpClient := &http.Client{}

	backend, err := a.calendarBackend(ctx)
	if err != nil {
		return nil, err
	}
	if dryRun {
		backend = calendar.NewReadOnly(backend)
	}

	adapter, err := calendar.NewAdapter(backend, a.policy.Calendar)
	if err != nil {
		return nil, err
	}

	reader := feed.NewReader(a.cfg.FeedURL, httpClient, feed.NewParser(), a.cfg.UserAgent, timeout)
	assembler := evidence.NewAssembler(httpClient, feed.NewContentExtractor(linkTextChars),
		a.cfg.UserAgent, timeout, a.policy.Evidence)
	client := oracle.NewClient(a.cfg.AnthropicAPIKey, a.cfg.OracleURL, &http.Client{},
		a.policy.Oracle.MaxRetries, time.Duration(a.policy.Oracle.Timeout)*time.Second)

	return &pipeline{
		reader:  reader,
		agent:   agent.NewAgent(client, adapter, assembler, a.policy, a.cfg.LogDir),
		adapter: adapter,
	}, nil
}

func (a *app) newSyncTask(p *pipeline, opts tasks.SyncOptions) *tasks.SyncTask {
	return tasks.NewSyncTask(p.reader, p.agent, p.adapter, a.records, a.posts, opts)
}
