package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bikegroups/calendar-sync/app/oracle"
)

const transcriptRule = "============================================================"

// transcript is the per-post session log. Write failures are logged once
// and otherwise ignored; a missing transcript never fails a post.
type transcript struct {
	path   string
	w      io.Writer
	file   *os.File
	turn   int
	failed bool
}

// newTranscript opens <dir>/<UTC timestamp>-<fingerprint[:8]>.log. An empty
// dir disables the transcript.
func newTranscript(dir, fingerprint string, now time.Time) *transcript {
	if dir == "" {
		return &transcript{w: io.Discard}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Failed to create log directory", "dir", dir, "error", err)
		return &transcript{w: io.Discard}
	}

	short := fingerprint
	if len(short) > 8 {
		short = short[:8]
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", now.UTC().Format("20060102-150405"), short))

	file, err := os.Create(path)
	if err != nil {
		slog.Warn("Failed to create session log", "path", path, "error", err)
		return &transcript{w: io.Discard}
	}

	t := &transcript{path: path, w: file, file: file}
	t.printf("Session started: %s\nFingerprint: %s\n%s\n\n", now.UTC().Format(time.RFC3339), fingerprint, transcriptRule)
	return t
}

func (t *transcript) printf(format string, args ...any) {
	if _, err := fmt.Fprintf(t.w, format, args...); err != nil && !t.failed {
		t.failed = true
		slog.Warn("Failed to write session log", "path", t.path, "error", err)
	}
}

func (t *transcript) userMessage(blocks []oracle.ContentBlock) {
	t.printf("=== USER MESSAGE ===\n")
	t.blocks(blocks)
	t.printf("\n")
}

func (t *transcript) prefilter(answer string, usage oracle.Usage) {
	t.printf("=== PREFILTER ===\nAnswer: %s\nTokens: %d in / %d out\n\n", answer, usage.InputTokens, usage.OutputTokens)
}

func (t *transcript) response(resp *oracle.Response) {
	t.turn++
	t.printf("=== TURN %d ===\nStop reason: %s\nTokens: %d in / %d out\n\n", t.turn, resp.StopReason,
		resp.Usage.InputTokens, resp.Usage.OutputTokens)

	t.printf("--- Assistant ---\n")
	for _, block := range resp.Content {
		switch block.Type {
		case oracle.BlockText:
			t.printf("%s\n", block.Text)
		case oracle.BlockToolUse:
			t.printf("[TOOL CALL: %s]\n%s\n", block.Name, prettyJSON(block.Input))
		}
	}
	t.printf("\n")
}

func (t *transcript) toolResults(results []oracle.ContentBlock) {
	if len(results) == 0 {
		return
	}
	t.printf("--- Tool Results ---\n")
	for _, result := range results {
		if result.IsError {
			t.printf("[%s] (error)\n", result.ToolUseID)
		} else {
			t.printf("[%s]\n", result.ToolUseID)
		}
		t.blocks(result.Content)
	}
	t.printf("\n")
}

func (t *transcript) blocks(blocks []oracle.ContentBlock) {
	for _, block := range blocks {
		switch block.Type {
		case oracle.BlockText:
			t.printf("%s\n", prettyText(block.Text))
		case oracle.BlockImage:
			mediaType := "unknown"
			if block.Source != nil {
				mediaType = block.Source.MediaType
			}
			t.printf("[IMAGE: %s]\n", mediaType)
		}
	}
}

func (t *transcript) final(s *Session) {
	t.printf("%s\n=== SESSION COMPLETE ===\n", transcriptRule)
	t.printf("Total tokens: %d in / %d out\nCost: $%.4f\n", s.Usage.InputTokens, s.Usage.OutputTokens, s.CostUSD)
	if d := s.Decision; d != nil {
		t.printf("Outcome: %s (confidence %.2f)\nRationale: %s\n", d.Outcome, d.Confidence, d.Rationale)
		if d.Event != nil {
			t.printf("Event: %s on %s\n", d.Event.Title, d.Event.Date)
		}
		if d.NeedsReview {
			t.printf("Needs review: yes\n")
		}
	}
	if id := s.EventID(); id != "" {
		t.printf("Calendar event: %s\n", id)
	}
}

func (t *transcript) fail(err error) {
	t.printf("\n!!! ERROR !!!\n%v\n", err)
}

func (t *transcript) close() {
	if t.file == nil {
		return
	}
	if err := t.file.Close(); err != nil {
		slog.Warn("Failed to close session log", "path", t.path, "error", err)
	}
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// prettyText indents text that happens to be JSON.
func prettyText(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return s
	}
	if !json.Valid([]byte(trimmed)) {
		return s
	}
	return prettyJSON(json.RawMessage(trimmed))
}
