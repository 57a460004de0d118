package database

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewConnection(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	if err != nil {
		t.Fatalf("Expected no error opening database, got: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func testAttrs(fp string) PostAttrs {
	published := time.Date(2025, 5, 1, 14, 0, 0, 0, time.UTC)
	return PostAttrs{
		Fingerprint: fp,
		GUID:        "guid-" + fp,
		Title:       "Tuesday night ride",
		Author:      "Pat",
		Link:        "https://example.com/" + fp,
		Content:     "Meet at the park",
		PublishedAt: &published,
	}
}

func createdResult(eventID string) Result {
	return Result{
		Status:       StatusProcessed,
		Outcome:      OutcomeCreate,
		Confidence:   0.9,
		Rationale:    "new ride",
		EventID:      eventID,
		EventTitle:   "Tuesday night ride",
		EventDate:    "2025-05-06",
		InputTokens:  1000,
		OutputTokens: 200,
		CostUSD:      0.006,
	}
}

func TestRecordOutcomeRoundTrip(t *testing.T) {
	repo := NewRecordRepository(newTestDB(t))

	if err := repo.RecordOutcome(testAttrs("fp1"), createdResult("evt-1")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	processed, err := repo.HasBeenProcessed("fp1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !processed {
		t.Error("Expected fp1 to be processed")
	}

	record, err := repo.GetRecord("fp1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if record == nil {
		t.Fatal("Expected record, got nil")
	}
	if record.Outcome != OutcomeCreate {
		t.Errorf("Expected outcome create, got: %s", record.Outcome)
	}
	if record.EventID != "evt-1" {
		t.Errorf("Expected event id evt-1, got: %s", record.EventID)
	}
	if record.PublishedAt == nil || !record.PublishedAt.Equal(time.Date(2025, 5, 1, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected published time to survive, got: %v", record.PublishedAt)
	}
	if record.InputTokens != 1000 || record.OutputTokens != 200 {
		t.Errorf("Expected tokens 1000/200, got: %d/%d", record.InputTokens, record.OutputTokens)
	}
	if record.ProcessedAt.IsZero() {
		t.Error("Expected processed_at to be set")
	}

	byGUID, err := repo.GetRecord("guid-fp1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if byGUID == nil || byGUID.Fingerprint != "fp1" {
		t.Errorf("Expected lookup by guid to find fp1, got: %+v", byGUID)
	}
}

func TestGetRecordMissing(t *testing.T) {
	repo := NewRecordRepository(newTestDB(t))

	record, err := repo.GetRecord("nope")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if record != nil {
		t.Errorf("Expected nil record, got: %+v", record)
	}
}

func TestRecordOutcomeConflict(t *testing.T) {
	repo := NewRecordRepository(newTestDB(t))

	if err := repo.RecordOutcome(testAttrs("fp1"), createdResult("evt-1")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err := repo.RecordOutcome(testAttrs("fp1"), Result{Status: StatusProcessed, Outcome: OutcomeIgnore})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected ConflictError, got: %v", err)
	}
	if conflict.Status != StatusProcessed {
		t.Errorf("Expected conflicting status processed, got: %s", conflict.Status)
	}
}

func TestRecordOutcomeValidation(t *testing.T) {
	repo := NewRecordRepository(newTestDB(t))

	tests := []struct {
		name   string
		result Result
	}{
		{"create without event", Result{Status: StatusProcessed, Outcome: OutcomeCreate}},
		{"ignore with event", Result{Status: StatusProcessed, Outcome: OutcomeIgnore, EventID: "evt"}},
		{"processed with error outcome", Result{Status: StatusProcessed, Outcome: OutcomeError}},
		{"error with create outcome", Result{Status: StatusError, Outcome: OutcomeCreate, EventID: "evt"}},
		{"reset status", Result{Status: StatusReset, Outcome: OutcomeIgnore}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.RecordOutcome(testAttrs(fmt.Sprintf("bad-%d", i)), tt.result); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}

	count, err := repo.GetRecordCount()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no records written, got: %d", count)
	}
}

func TestResetAndReprocess(t *testing.T) {
	repo := NewRecordRepository(newTestDB(t))

	if err := repo.RecordOutcome(testAttrs("fp1"), createdResult("evt-1")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	found, err := repo.Reset("guid-fp1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !found {
		t.Fatal("Expected reset by guid to find the record")
	}

	processed, _ := repo.HasBeenProcessed("fp1")
	if processed {
		t.Error("Expected reset record to be unprocessed")
	}

	set, err := repo.ProcessedSet([]string{"fp1"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if set["fp1"] {
		t.Error("Expected reset record to be excluded from processed set")
	}

	second := Result{Status: StatusProcessed, Outcome: OutcomeIgnore, Confidence: 0.7, CostUSD: 0.004}
	if err := repo.RecordOutcome(testAttrs("fp1"), second); err != nil {
		t.Fatalf("Expected reprocess to succeed, got: %v", err)
	}

	record, _ := repo.GetRecord("fp1")
	if record.Outcome != OutcomeIgnore {
		t.Errorf("Expected outcome ignore after reprocess, got: %s", record.Outcome)
	}
	if record.EventID != "" {
		t.Errorf("Expected no event id after reprocess, got: %s", record.EventID)
	}

	total, err := repo.GetTotalCost()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if total < 0.0099 || total > 0.0101 {
		t.Errorf("Expected total cost to include archived spend (0.01), got: %f", total)
	}
}

func TestResetMissing(t *testing.T) {
	repo := NewRecordRepository(newTestDB(t))

	found, err := repo.Reset("missing")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if found {
		t.Error("Expected reset of unknown id to report not found")
	}
}

func TestResetAll(t *testing.T) {
	repo := NewRecordRepository(newTestDB(t))

	for i := range 3 {
		fp := fmt.Sprintf("fp%d", i)
		if err := repo.RecordOutcome(testAttrs(fp), Result{Status: StatusProcessed, Outcome: OutcomeIgnore}); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	n, err := repo.ResetAll()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 records reset, got: %d", n)
	}

	n, _ = repo.ResetAll()
	if n != 0 {
		t.Errorf("Expected second reset to change nothing, got: %d", n)
	}

	count, _ := repo.GetRecordCount()
	if count != 3 {
		t.Errorf("Expected reset to keep rows, got: %d", count)
	}
}

func TestProcessedSetChunks(t *testing.T) {
	repo := NewRecordRepository(newTestDB(t))

	var fingerprints []string
	for i := range processedSetChunk + 20 {
		fingerprints = append(fingerprints, fmt.Sprintf("fp-%04d", i))
	}

	live := []string{fingerprints[3], fingerprints[processedSetChunk+5]}
	for _, fp := range live {
		if err := repo.RecordOutcome(testAttrs(fp), Result{Status: StatusError, Outcome: OutcomeError, Error: "boom"}); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	set, err := repo.ProcessedSet(fingerprints)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(set) != 2 {
		t.Errorf("Expected 2 processed fingerprints, got: %d", len(set))
	}
	for _, fp := range live {
		if !set[fp] {
			t.Errorf("Expected %s in processed set", fp)
		}
	}
}

func TestHistoryAndEventLookup(t *testing.T) {
	repo := NewRecordRepository(newTestDB(t))
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	repo.RecordOutcome(testAttrs("a"), createdResult("evt-a"))
	repo.RecordOutcome(testAttrs("b"), Result{Status: StatusProcessed, Outcome: OutcomeIgnore})
	repo.RecordOutcome(testAttrs("c"), Result{Status: StatusProcessed, Outcome: OutcomeUpdate, EventID: "evt-a"})

	history, err := repo.GetHistory(2)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 history records, got: %d", len(history))
	}
	if history[0].Fingerprint != "c" || history[1].Fingerprint != "b" {
		t.Errorf("Expected newest first (c, b), got: %s, %s", history[0].Fingerprint, history[1].Fingerprint)
	}

	byEvent, err := repo.GetRecordsByEventIDs([]string{"evt-a", "evt-none"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(byEvent) != 1 {
		t.Fatalf("Expected 1 event mapping, got: %d", len(byEvent))
	}
	if byEvent["evt-a"].Fingerprint != "c" {
		t.Errorf("Expected newest record for evt-a to be c, got: %s", byEvent["evt-a"].Fingerprint)
	}
}

func TestHistoryOrdersWithinOneSecond(t *testing.T) {
	repo := NewRecordRepository(newTestDB(t))
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	times := []time.Time{base.Add(100 * time.Millisecond), base.Add(120 * time.Millisecond)}
	repo.now = func() time.Time {
		next := times[0]
		times = times[1:]
		return next
	}

	repo.RecordOutcome(testAttrs("older"), createdResult("evt-same"))
	repo.RecordOutcome(testAttrs("newer"), Result{Status: StatusProcessed, Outcome: OutcomeUpdate, EventID: "evt-same"})

	history, err := repo.GetHistory(10)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(history) != 2 || history[0].Fingerprint != "newer" || history[1].Fingerprint != "older" {
		t.Fatalf("Expected newer before older, got: %v", history)
	}
	if !history[0].ProcessedAt.Equal(base.Add(120 * time.Millisecond)) {
		t.Errorf("Expected processed time to round-trip, got: %v", history[0].ProcessedAt)
	}

	byEvent, err := repo.GetRecordsByEventIDs([]string{"evt-same"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if byEvent["evt-same"].Fingerprint != "newer" {
		t.Errorf("Expected newest record for evt-same, got: %s", byEvent["evt-same"].Fingerprint)
	}
}

func TestGetRecordsByEventIDsChunks(t *testing.T) {
	repo := NewRecordRepository(newTestDB(t))

	ids := make([]string, 0, processedSetChunk*2+3)
	for i := 0; i < cap(ids); i++ {
		ids = append(ids, fmt.Sprintf("evt-%04d", i))
	}
	for _, i := range []int{0, processedSetChunk + 1, len(ids) - 1} {
		if err := repo.RecordOutcome(testAttrs(fmt.Sprintf("fp-%d", i)), createdResult(ids[i])); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	byEvent, err := repo.GetRecordsByEventIDs(ids)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(byEvent) != 3 {
		t.Fatalf("Expected 3 event mappings across chunks, got: %d", len(byEvent))
	}
	if byEvent[ids[len(ids)-1]].Fingerprint != fmt.Sprintf("fp-%d", len(ids)-1) {
		t.Errorf("Expected last chunk to be matched, got: %+v", byEvent[ids[len(ids)-1]])
	}
}

func TestRememberPostsIsIdempotent(t *testing.T) {
	repo := NewPostRepository(newTestDB(t))

	posts := []SeenPost{
		{Fingerprint: "a", GUID: "a", Title: "A"},
		{Fingerprint: "b", GUID: "b", Title: "B", ImageCount: 2},
	}

	n, err := repo.RememberPosts(posts)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 new posts, got: %d", n)
	}

	n, err = repo.RememberPosts(append(posts, SeenPost{Fingerprint: "c", GUID: "c"}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 new post on second pass, got: %d", n)
	}

	count, _ := repo.GetSeenCount()
	if count != 3 {
		t.Errorf("Expected 3 seen posts, got: %d", count)
	}
}

func TestMigrationsReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := NewConnection(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	NewRecordRepository(db).RecordOutcome(testAttrs("fp1"), createdResult("evt-1"))
	db.Close()

	db, err = NewConnection(path)
	if err != nil {
		t.Fatalf("Expected reopen to succeed, got: %v", err)
	}
	defer db.Close()

	processed, _ := NewRecordRepository(db).HasBeenProcessed("fp1")
	if !processed {
		t.Error("Expected record to persist across reopen")
	}
}
