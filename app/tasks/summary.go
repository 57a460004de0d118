package tasks

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/bikegroups/calendar-sync/app/database"
)

// Entry is the per-post line of a run summary.
type Entry struct {
	Fingerprint  string
	Title        string
	Outcome      database.Outcome
	Confidence   float64
	EventID      string
	NeedsReview  bool
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LogPath      string
	Error        string
}

type Summary struct {
	RunID     string
	DryRun    bool
	FeedURL   string
	StartedAt time.Time
	Duration  time.Duration

	Fetched          int
	NewlySeen        int
	AlreadyProcessed int
	Deferred         int // eligible but over the limit

	Entries []Entry

	// LedgerErrors are outcome writes that failed, conflicts included.
	LedgerErrors []error

	// CumulativeCost is the ledger's total spend after the run.
	CumulativeCost float64
}

func (s *Summary) Totals() (inputTokens, outputTokens int, cost float64) {
	for _, e := range s.Entries {
		inputTokens += e.InputTokens
		outputTokens += e.OutputTokens
		cost += e.CostUSD
	}
	return inputTokens, outputTokens, cost
}

// Counts returns the number of entries per outcome.
func (s *Summary) Counts() map[database.Outcome]int {
	counts := make(map[database.Outcome]int)
	for _, e := range s.Entries {
		counts[e.Outcome]++
	}
	return counts
}

func (s *Summary) Write(w io.Writer) error {
	mode := ""
	if s.DryRun {
		mode = " (dry run, nothing recorded)"
	}
	fmt.Fprintf(w, "Run %s%s\n", s.RunID, mode)
	fmt.Fprintf(w, "Feed: %s\n", s.FeedURL)
	fmt.Fprintf(w, "Fetched %d posts, %d new, %d already processed, %d deferred by limit\n\n",
		s.Fetched, s.NewlySeen, s.AlreadyProcessed, s.Deferred)

	if len(s.Entries) == 0 {
		fmt.Fprintln(w, "No posts to process.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "POST\tOUTCOME\tCONF\tEVENT\tTOKENS\tCOST\tLOG")
		for _, e := range s.Entries {
			outcome := string(e.Outcome)
			if e.NeedsReview {
				outcome += "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%d/%d\t$%.4f\t%s\n",
				shorten(e.Title, e.Fingerprint), outcome, e.Confidence, dash(e.EventID),
				e.InputTokens, e.OutputTokens, e.CostUSD, dash(e.LogPath))
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		for _, e := range s.Entries {
			if e.Error != "" {
				fmt.Fprintf(w, "\n%s: %s", shortFingerprint(e.Fingerprint), e.Error)
			}
		}
		fmt.Fprintln(w)
	}

	for _, err := range s.LedgerErrors {
		fmt.Fprintf(w, "LEDGER: %v\n", err)
	}

	in, out, cost := s.Totals()
	fmt.Fprintf(w, "\nTotal: %d posts, %d input / %d output tokens, $%.4f this run, $%.4f cumulative, %s\n",
		len(s.Entries), in, out, cost, s.CumulativeCost, s.Duration.Round(time.Millisecond))

	return nil
}

func shorten(title, fingerprint string) string {
	if title == "" {
		return shortFingerprint(fingerprint)
	}
	runes := []rune(title)
	if len(runes) > 40 {
		return string(runes[:39]) + "…"
	}
	return title
}

func shortFingerprint(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
