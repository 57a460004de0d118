package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const recordColumns = `fingerprint, guid, status, outcome, confidence, COALESCE(rationale, ''),
	COALESCE(calendar_event_id, ''), processed_at, COALESCE(post_title, ''), COALESCE(post_author, ''),
	COALESCE(post_time, ''), COALESCE(post_link, ''), COALESCE(post_content, ''),
	COALESCE(event_title, ''), COALESCE(event_date, ''), COALESCE(event_time, ''), COALESCE(event_location, ''),
	needs_review, input_tokens, output_tokens, cost_usd, COALESCE(log_path, ''), COALESCE(error, '')`

// lookups against the IN clause are chunked to stay under SQLite's variable limit
const processedSetChunk = 500

// SQLRecordRepository handles database operations for processed records
type SQLRecordRepository struct {
	db  *DB
	now func() time.Time
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db *DB) *SQLRecordRepository {
	return &SQLRecordRepository{db: db, now: time.Now}
}

// HasBeenProcessed reports whether a live (non-reset) record exists
func (r *SQLRecordRepository) HasBeenProcessed(fingerprint string) (bool, error) {
	var status string
	err := r.db.QueryRow(`SELECT status FROM processed_records WHERE fingerprint = ?`, fingerprint).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed state: %w", err)
	}

	return RecordStatus(status) != StatusReset, nil
}

// ProcessedSet returns the subset of fingerprints that have a live record
func (r *SQLRecordRepository) ProcessedSet(fingerprints []string) (map[string]bool, error) {
	processed := make(map[string]bool, len(fingerprints))

	for start := 0; start < len(fingerprints); start += processedSetChunk {
		end := min(start+processedSetChunk, len(fingerprints))
		chunk := fingerprints[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, string(StatusReset))
		for _, fp := range chunk {
			args = append(args, fp)
		}

		query := `SELECT fingerprint FROM processed_records WHERE status != ? AND fingerprint IN (` +
			placeholders(len(chunk)) + `)`

		rows, err := r.db.Query(query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to scan processed records: %w", err)
		}

		for rows.Next() {
			var fp string
			if err := rows.Scan(&fp); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
			}
			processed[fp] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating processed records: %w", err)
		}
	}

	return processed, nil
}

// RecordOutcome stores the outcome for a post. It fails with ConflictError
// when a live record exists. A reset record is archived into record_history
// and replaced. Everything happens in one transaction.
func (r *SQLRecordRepository) RecordOutcome(attrs PostAttrs, result Result) error {
	if err := validateResult(result); err != nil {
		return fmt.Errorf("invalid outcome for %s: %w", attrs.Fingerprint, err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM processed_records WHERE fingerprint = ?`, attrs.Fingerprint).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to check existing record: %w", err)
	case RecordStatus(status) != StatusReset:
		return &ConflictError{Fingerprint: attrs.Fingerprint, Status: RecordStatus(status)}
	default:
		if err := r.archive(tx, attrs.Fingerprint); err != nil {
			return err
		}
	}

	now := r.now().UTC()
	_, err = tx.Exec(`
		INSERT INTO processed_records (
			fingerprint, guid, status, outcome, confidence, rationale, calendar_event_id,
			processed_at, post_title, post_author, post_time, post_link, post_content,
			event_title, event_date, event_time, event_location, needs_review,
			input_tokens, output_tokens, cost_usd, log_path, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, attrs.Fingerprint, attrs.GUID, string(result.Status), string(result.Outcome), result.Confidence,
		nullString(result.Rationale), nullString(result.EventID), formatTime(now),
		nullString(attrs.Title), nullString(attrs.Author), formatTimePtr(attrs.PublishedAt),
		nullString(attrs.Link), nullString(attrs.Content),
		nullString(result.EventTitle), nullString(result.EventDate), nullString(result.EventTime),
		nullString(result.EventLocation), result.NeedsReview,
		result.InputTokens, result.OutputTokens, result.CostUSD, nullString(result.LogPath), nullString(result.Error))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}

	return nil
}

func (r *SQLRecordRepository) archive(tx *sql.Tx, fingerprint string) error {
	_, err := tx.Exec(`
		INSERT INTO record_history (
			archived_at, fingerprint, guid, status, outcome, confidence, rationale,
			calendar_event_id, processed_at, input_tokens, output_tokens, cost_usd, log_path, error
		)
		SELECT ?, fingerprint, guid, status, outcome, confidence, rationale,
			calendar_event_id, processed_at, input_tokens, output_tokens, cost_usd, log_path, error
		FROM processed_records WHERE fingerprint = ?
	`, formatTime(r.now().UTC()), fingerprint)
	if err != nil {
		return fmt.Errorf("failed to archive record: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM processed_records WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to remove archived record: %w", err)
	}

	return nil
}

// Reset clears the processed state of a record so the post is picked up by
// the next run. The identifier may be a fingerprint or a feed guid.
func (r *SQLRecordRepository) Reset(identifier string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE processed_records SET status = ?
		WHERE fingerprint = ? OR guid = ?
	`, string(StatusReset), identifier, identifier)
	if err != nil {
		return false, fmt.Errorf("failed to reset record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read reset result: %w", err)
	}

	return n > 0, nil
}

// ResetAll resets every live record and returns how many changed
func (r *SQLRecordRepository) ResetAll() (int, error) {
	res, err := r.db.Exec(`UPDATE processed_records SET status = ? WHERE status != ?`,
		string(StatusReset), string(StatusReset))
	if err != nil {
		return 0, fmt.Errorf("failed to reset records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reset result: %w", err)
	}

	return int(n), nil
}

// GetRecord looks a record up by fingerprint or guid
func (r *SQLRecordRepository) GetRecord(identifier string) (*Record, error) {
	row := r.db.QueryRow(`SELECT `+recordColumns+` FROM processed_records
		WHERE fingerprint = ? OR guid = ? LIMIT 1`, identifier, identifier)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	return record, nil
}

// GetHistory returns the most recently processed records
func (r *SQLRecordRepository) GetHistory(limit int) ([]Record, error) {
	rows, err := r.db.Query(`SELECT `+recordColumns+` FROM processed_records
		ORDER BY processed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record rows: %w", err)
	}

	return records, nil
}

// GetRecordsByEventIDs maps each calendar event id to its most recent record
func (r *SQLRecordRepository) GetRecordsByEventIDs(eventIDs []string) (map[string]Record, error) {
	result := make(map[string]Record, len(eventIDs))

	for start := 0; start < len(eventIDs); start += processedSetChunk {
		end := min(start+processedSetChunk, len(eventIDs))
		if err := r.recordsByEventIDs(eventIDs[start:end], result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (r *SQLRecordRepository) recordsByEventIDs(eventIDs []string, result map[string]Record) error {
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}

	rows, err := r.db.Query(`SELECT `+recordColumns+` FROM processed_records
		WHERE calendar_event_id IN (`+placeholders(len(eventIDs))+`)
		ORDER BY processed_at DESC`, args...)
	if err != nil {
		return fmt.Errorf("failed to get records by event ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("failed to scan record row: %w", err)
		}
		if _, ok := result[record.EventID]; !ok {
			result[record.EventID] = *record
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating record rows: %w", err)
	}

	return nil
}

// GetRecordCount returns the number of records regardless of status
func (r *SQLRecordRepository) GetRecordCount() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM processed_records").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get record count: %w", err)
	}
	return count, nil
}

// GetTotalCost returns the oracle spend across current and archived records
func (r *SQLRecordRepository) GetTotalCost() (float64, error) {
	var total float64
	err := r.db.QueryRow(`
		SELECT COALESCE((SELECT SUM(cost_usd) FROM processed_records), 0)
		     + COALESCE((SELECT SUM(cost_usd) FROM record_history), 0)
	`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*Record, error) {
	var (
		record      Record
		status      string
		outcome     string
		processedAt string
		postTime    string
	)

	err := s.Scan(
		&record.Fingerprint, &record.GUID, &status, &outcome, &record.Confidence, &record.Rationale,
		&record.EventID, &processedAt, &record.Title, &record.Author,
		&postTime, &record.Link, &record.Content,
		&record.EventTitle, &record.EventDate, &record.EventTime, &record.EventLocation,
		&record.NeedsReview, &record.InputTokens, &record.OutputTokens, &record.CostUSD,
		&record.LogPath, &record.Error,
	)
	if err != nil {
		return nil, err
	}

	record.Status = RecordStatus(status)
	record.Outcome = Outcome(outcome)

	if t, err := time.Parse(time.RFC3339Nano, processedAt); err == nil {
		record.ProcessedAt = t
	}
	if postTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, postTime); err == nil {
			record.PublishedAt = &t
		}
	}

	return &record, nil
}

func validateResult(result Result) error {
	switch result.Status {
	case StatusProcessed:
		switch result.Outcome {
		case OutcomeCreate, OutcomeUpdate, OutcomeCancel:
			if result.EventID == "" {
				return fmt.Errorf("outcome %s requires a calendar event id", result.Outcome)
			}
		case OutcomeIgnore:
			if result.EventID != "" {
				return fmt.Errorf("outcome ignore must not link a calendar event")
			}
		default:
			return fmt.Errorf("outcome %q is not valid for a processed record", result.Outcome)
		}
	case StatusError:
		if result.Outcome != OutcomeError {
			return fmt.Errorf("error records must have outcome error, got %q", result.Outcome)
		}
	default:
		return fmt.Errorf("status %q cannot be recorded", result.Status)
	}

	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// timestampLayout is fixed width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
