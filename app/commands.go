package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bikegroups/calendar-sync/app/api"
	"github.com/bikegroups/calendar-sync/app/calendar"
	"github.com/bikegroups/calendar-sync/app/cfg"
	"github.com/bikegroups/calendar-sync/app/metrics"
	"github.com/bikegroups/calendar-sync/app/report"
	"github.com/bikegroups/calendar-sync/app/tasks"
)

type processCommand struct {
	Limit  int  `long:"limit" description:"Process at most N posts, oldest first"`
	DryRun bool `long:"dry-run" description:"Decide without changing the calendar or the ledger"`
}

func (c *processCommand) Execute(args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := a.newPipeline(ctx, c.DryRun)
	if err != nil {
		return err
	}

	task := a.newSyncTask(p, tasks.SyncOptions{Limit: c.Limit, DryRun: c.DryRun})
	task.Start()
	runErr := task.Execute(ctx)

	if summary := task.Summary(); summary != nil {
		if err := summary.Write(os.Stdout); err != nil {
			slog.Warn("Failed to print summary", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("Task completed", "type", string(task.GetType()), "id", task.GetID(), "duration", task.GetDuration())
	return nil
}

type resetCommand struct {
	All  bool `long:"all" description:"Reset every processed post"`
	Args struct {
		ID string `positional-arg-name:"id" description:"Fingerprint or guid of the post"`
	} `positional-args:"yes"`
}

func (c *resetCommand) Execute(args []string) error {
	if c.All == (c.Args.ID != "") {
		return errors.New("provide either a post id or --all")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	task := tasks.NewResetTask(a.records, c.Args.ID)
	if c.All {
		task = tasks.NewResetAllTask(a.records)
	}
	if err := task.Execute(context.Background()); err != nil {
		return err
	}

	if c.All {
		fmt.Printf("Reset %d post(s)\n", task.Count)
	} else {
		fmt.Printf("Reset post: %s\n", c.Args.ID)
	}
	return nil
}

type historyCommand struct {
	Limit int `long:"limit" default:"20" description:"Number of records to show"`
}

func (c *historyCommand) Execute(args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.records.GetHistory(c.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No history yet")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROCESSED\tOUTCOME\tCONF\tEVENT\tCOST\tPOST")
	for _, r := range records {
		outcome := string(r.Outcome)
		if r.NeedsReview {
			outcome += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t$%.4f\t%s\n",
			r.ProcessedAt.In(time.Local).Format("2006-01-02 15:04"), outcome, r.Confidence,
			orDash(r.EventID), r.CostUSD, truncate(orDash(r.Title), 50))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	total, err := a.records.GetTotalCost()
	if err != nil {
		return err
	}
	fmt.Printf("\nTotal cost: $%.4f\n", total)
	return nil
}

type detailsCommand struct {
	Args struct {
		ID string `positional-arg-name:"id" required:"yes" description:"Fingerprint or guid of the post"`
	} `positional-args:"yes"`
}

func (c *detailsCommand) Execute(args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	r, err := a.records.GetRecord(c.Args.ID)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("%w: %s", tasks.ErrRecordNotFound, c.Args.ID)
	}

	published := "-"
	if r.PublishedAt != nil {
		published = r.PublishedAt.In(time.Local).Format(time.RFC3339)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
	rows := [][2]string{
		{"Fingerprint", r.Fingerprint},
		{"GUID", r.GUID},
		{"Title", orDash(r.Title)},
		{"Author", orDash(r.Author)},
		{"Link", orDash(r.Link)},
		{"Post time", published},
		{"Processed", r.ProcessedAt.In(time.Local).Format(time.RFC3339)},
		{"Status", string(r.Status)},
		{"Outcome", string(r.Outcome)},
		{"Confidence", fmt.Sprintf("%.2f", r.Confidence)},
		{"Needs review", fmt.Sprint(r.NeedsReview)},
		{"Event ID", orDash(r.EventID)},
		{"Event", orDash(strings.TrimSpace(strings.Join([]string{r.EventTitle, r.EventDate, r.EventTime, r.EventLocation}, " ")))},
		{"Tokens", fmt.Sprintf("%d in / %d out", r.InputTokens, r.OutputTokens)},
		{"Cost", fmt.Sprintf("$%.4f", r.CostUSD)},
		{"Log", orDash(r.LogPath)},
	}
	if id := a.calendarID(); id != "" && r.EventID != "" {
		rows = append(rows, [2]string{"Calendar link", report.EventURL(r.EventID, id)})
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nRationale:\n%s\n", orDash(r.Rationale))
	if r.Error != "" {
		fmt.Printf("\nError:\n%s\n", r.Error)
	}
	return nil
}

type reportCommand struct {
	Output string `long:"output" short:"o" default:"report.html" description:"File to write"`
	Limit  int    `long:"limit" default:"50" description:"Number of records to include"`
}

func (c *reportCommand) Execute(args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.records.GetHistory(c.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No history to report")
		return nil
	}
	total, err := a.records.GetTotalCost()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(c.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	f, err := os.Create(c.Output)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	defer f.Close()

	err = report.Render(f, records, report.Options{
		CalendarID: a.calendarID(),
		Location:   time.Local,
		TotalCost:  total,
	})
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	fmt.Printf("Report written to: %s (%d entries)\n", c.Output, len(records))
	return f.Close()
}

type validateCommand struct{}

const (
	validationTitle = "[TEST] Calendar Sync Validation"
	upcomingDays    = 30
	upcomingShown   = 5
)

func (c *validateCommand) Execute(args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()

	if a.cfg.CalendarBackend == cfg.BackendGoogle {
		if _, err := os.Stat(a.cfg.CredentialsPath); err != nil {
			return fmt.Errorf("credentials file not found: %s", a.cfg.CredentialsPath)
		}
		fmt.Printf("Credentials file: %s\n", a.cfg.CredentialsPath)
	}

	backend, err := a.calendarBackend(ctx)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	fmt.Printf("Calendar backend: %s\n", a.cfg.CalendarBackend)

	now := time.Now()
	if _, err := backend.List(ctx, calendar.ListQuery{From: now, To: now.Add(24 * time.Hour)}); err != nil {
		return fmt.Errorf("failed to access calendar: %w", err)
	}
	fmt.Println("Calendar access: OK")

	start := time.Date(2020, 1, 1, 12, 0, 0, 0, time.Local)
	id, err := backend.Insert(ctx, calendar.Event{
		Title:       validationTitle,
		Start:       start,
		End:         start.Add(time.Hour),
		TimeZone:    time.Local.String(),
		Description: "Created by calendar-sync validate; safe to delete.",
	})
	if err != nil {
		return fmt.Errorf("write test failed: %w", err)
	}
	fmt.Printf("Write test: created test event %s\n", id)
	if err := backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("write test cleanup failed for %s: %w", id, err)
	}
	fmt.Println("Write test: deleted test event")

	events, err := backend.List(ctx, calendar.ListQuery{From: now, To: now.AddDate(0, 0, upcomingDays)})
	if err != nil {
		slog.Warn("Could not list upcoming events", "error", err)
	} else {
		ids := make([]string, 0, len(events))
		for _, ev := range events {
			ids = append(ids, ev.ID)
		}
		synced, err := a.records.GetRecordsByEventIDs(ids)
		if err != nil {
			slog.Warn("Could not match events to processed posts", "error", err)
		}

		fmt.Printf("\nUpcoming events (next %d days): %d\n", upcomingDays, len(events))
		for i, ev := range events {
			if i == upcomingShown {
				fmt.Printf("  ...and %d more\n", len(events)-upcomingShown)
				break
			}
			line := fmt.Sprintf("  - %s %s", ev.Start.In(time.Local).Format("2006-01-02"), ev.Title)
			if r, ok := synced[ev.ID]; ok {
				line += fmt.Sprintf(" (synced from post %s)", r.Fingerprint[:min(8, len(r.Fingerprint))])
			}
			fmt.Println(line)
		}
	}

	fmt.Println("\nCalendar access validated successfully!")
	return nil
}

type serveCommand struct{}

func (c *serveCommand) Execute(args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := a.newPipeline(ctx, false)
	if err != nil {
		return err
	}

	scheduler, err := tasks.NewScheduler(a.cfg.Schedule, func(opts tasks.SyncOptions) tasks.TaskInterface {
		return a.newSyncTask(p, opts)
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(a.records, a.posts, scheduler, a.calendarID(), a.cfg.Version)
	server := api.NewServer(handler, metrics.NewRegistry(), a.cfg.APIAccessKey)

	httpServer := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", a.cfg.Port, "schedule", a.cfg.Schedule, "version", a.cfg.Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
