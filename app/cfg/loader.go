package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Ledger
	DBPath string `long:"db-path" env:"DB_PATH" default:"data/calendar_sync.db" description:"Path to the SQLite ledger file"`

	// Feed
	FeedURL      string `long:"feed" env:"FEED_URL" default:"https://rssglue.subdavis.com/feed/cycling-merge/rss" description:"RSS feed to synchronize"`
	FetchTimeout int    `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"30" description:"Timeout in seconds for feed and image requests"`

	// Calendar
	CalendarBackend string `long:"calendar-backend" env:"CALENDAR_BACKEND" default:"google" choice:"google" choice:"ics" description:"Calendar backend"`
	CalendarID      string `long:"calendar-id" env:"CALENDAR_ID" description:"Google Calendar id"`
	CredentialsPath string `long:"cal-creds" env:"CAL_CREDS_PATH" default:"./cal-creds.json" description:"Service account credential file for Google Calendar"`
	ICSPath         string `long:"ics-path" env:"ICS_PATH" description:"iCalendar file for the ics backend (in-memory when empty)"`

	// Oracle
	AnthropicAPIKey string `long:"anthropic-api-key" env:"ANTHROPIC_API_KEY" description:"API key for the classification oracle"`
	OracleURL       string `long:"oracle-url" env:"ORACLE_URL" default:"https://api.anthropic.com" description:"Base URL of the Messages API"`

	// Run artifacts and policy
	LogDir     string `long:"log-dir" env:"LOG_DIR" default:"logs" description:"Directory for per-post session transcripts"`
	PolicyPath string `long:"policy" env:"POLICY_PATH" description:"YAML policy file (optional)"`

	// Serve mode
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port for serve mode"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`
	Schedule     string `long:"schedule" env:"SCHEDULE" default:"0 6 * * *" description:"Cron schedule for serve mode runs"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"calendar-sync/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/Chicago)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

// Parser wraps the go-flags parser. Global options are resolved into Cfg
// right before the selected command runs, so commands can call Get().
type Parser struct {
	*flags.Parser
	raw rawCfg
}

func NewParser() *Parser {
	p := &Parser{}
	p.Parser = flags.NewParser(&p.raw, flags.Default)
	p.Parser.CommandHandler = p.handle
	return p
}

// Run parses args and executes the selected command. A help request is not an error.
func (p *Parser) Run(args []string) error {
	_, err := p.ParseArgs(args)
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}
	return nil
}

func (p *Parser) handle(command flags.Commander, args []string) error {
	cfg, err := newCfg(p.raw)
	if err != nil {
		return err
	}

	globalCfg = cfg

	if command == nil {
		return nil
	}
	return command.Execute(args)
}

func newCfg(raw rawCfg) (*Cfg, error) {
	cfg := &Cfg{
		DBPath:          raw.DBPath,
		FeedURL:         raw.FeedURL,
		FetchTimeout:    raw.FetchTimeout,
		CalendarBackend: raw.CalendarBackend,
		CalendarID:      raw.CalendarID,
		CredentialsPath: raw.CredentialsPath,
		ICSPath:         raw.ICSPath,
		AnthropicAPIKey: raw.AnthropicAPIKey,
		OracleURL:       raw.OracleURL,
		LogDir:          raw.LogDir,
		PolicyPath:      raw.PolicyPath,
		Port:            raw.Port,
		APIAccessKey:    raw.APIAccessKey,
		Schedule:        raw.Schedule,
		UserAgent:       raw.UserAgent,
		Timezone:        raw.Timezone,
		Debug:           raw.Debug,
		Version:         GetVersion(),
	}

	if cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be positive, got %d", cfg.FetchTimeout)
	}

	if cfg.CalendarBackend != BackendGoogle && cfg.CalendarBackend != BackendICS {
		return nil, fmt.Errorf("unknown calendar backend: %s", cfg.CalendarBackend)
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		slog.Warn("Invalid timezone, using system default", "timezone", cfg.Timezone, "error", err)
	}

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - run a command through cfg.Parser first")
	}
	return globalCfg
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
			slog.Debug("Timezone configured", "timezone", timezone)
		}
	}
	return nil
}
