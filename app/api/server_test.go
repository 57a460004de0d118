package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bikegroups/calendar-sync/app/database"
	"github.com/bikegroups/calendar-sync/app/metrics"
	"github.com/bikegroups/calendar-sync/app/tasks"
)

const testKey = "secret"

type stubScheduler struct {
	busy     bool
	enqueued []tasks.SyncOptions
	last     *tasks.LastRun
}

func (s *stubScheduler) EnqueueSync(opts tasks.SyncOptions) (string, error) {
	if s.busy {
		return "", tasks.ErrBusy
	}
	s.enqueued = append(s.enqueued, opts)
	s.busy = true
	return "task-1", nil
}

func (s *stubScheduler) RunExclusive(ctx context.Context, task tasks.TaskInterface) error {
	if s.busy {
		return tasks.ErrBusy
	}
	return task.Execute(ctx)
}

func (s *stubScheduler) Busy() bool {
	return s.busy
}

func (s *stubScheduler) Last() *tasks.LastRun {
	return s.last
}

type testServer struct {
	engine    *gin.Engine
	records   *database.SQLRecordRepository
	scheduler *stubScheduler
}

func newTestServer(t *testing.T, key string) *testServer {
	t.Helper()

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Expected no error opening database, got: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	records := database.NewRecordRepository(db)
	published := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	err = records.RecordOutcome(database.PostAttrs{
		Fingerprint: "abcdef0123456789",
		GUID:        "guid-1",
		Title:       "Saturday ride",
		Link:        "https://example.com/1",
		PublishedAt: &published,
	}, database.Result{
		Status:       database.StatusProcessed,
		Outcome:      database.OutcomeCreate,
		Confidence:   0.9,
		Rationale:    "new ride",
		EventID:      "evt123",
		EventTitle:   "Saturday ride",
		EventDate:    "2025-06-07",
		InputTokens:  1000,
		OutputTokens: 100,
		CostUSD:      0.0045,
	})
	if err != nil {
		t.Fatalf("Expected no error seeding record, got: %v", err)
	}

	scheduler := &stubScheduler{}
	handler := NewHandler(records, database.NewPostRepository(db), scheduler, "club@group.calendar.google.com", "test")

	return &testServer{
		engine:    NewServer(handler, metrics.NewRegistry(), key),
		records:   records,
		scheduler: scheduler,
	}
}

func (s *testServer) do(method, path string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth {
		req.Header.Set("X-API-Key", testKey)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testKey)
	s.scheduler.last = &tasks.LastRun{ID: "run-1", Type: tasks.TaskTypeSync, Error: "boom"}

	rec := s.do("GET", "/health", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Expected JSON body, got: %v", err)
	}
	if body["records"] != float64(1) {
		t.Errorf("Expected 1 record, got %v", body["records"])
	}
	lastRun, ok := body["last_run"].(map[string]any)
	if !ok || lastRun["error"] != "boom" {
		t.Errorf("Expected last run error, got %v", body["last_run"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do("GET", "/metrics", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("Expected prometheus output")
	}
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, testKey)

	if rec := s.do("GET", "/api/records", false); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/records", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/records", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec = httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with bearer token, got %d", rec.Code)
	}
}

func TestAPIDisabledWithoutKey(t *testing.T) {
	s := newTestServer(t, "")

	if rec := s.do("GET", "/api/records", true); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 when API is disabled, got %d", rec.Code)
	}
}

func TestListAndGetRecords(t *testing.T) {
	s := newTestServer(t, testKey)

	rec := s.do("GET", "/api/records?limit=5", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var list struct {
		Records []RecordResponse `json:"records"`
		Total   int              `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("Expected JSON body, got: %v", err)
	}
	if list.Total != 1 || list.Records[0].EventID != "evt123" {
		t.Fatalf("Expected one record with evt123, got %+v", list)
	}
	if !strings.HasPrefix(list.Records[0].EventURL, "https://www.google.com/calendar/event?eid=") {
		t.Errorf("Expected calendar link, got %q", list.Records[0].EventURL)
	}
	if list.Records[0].Event == nil || list.Records[0].Event.Date != "2025-06-07" {
		t.Errorf("Expected event summary, got %+v", list.Records[0].Event)
	}

	if rec := s.do("GET", "/api/records?limit=abc", true); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", rec.Code)
	}

	if rec := s.do("GET", "/api/records/guid-1", true); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for guid lookup, got %d", rec.Code)
	}
	if rec := s.do("GET", "/api/records/missing", true); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing record, got %d", rec.Code)
	}
}

func TestResetRecord(t *testing.T) {
	s := newTestServer(t, testKey)

	if rec := s.do("POST", "/api/records/missing/reset", true); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing record, got %d", rec.Code)
	}

	rec := s.do("POST", "/api/records/abcdef0123456789/reset", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	processed, err := s.records.HasBeenProcessed("abcdef0123456789")
	if err != nil || processed {
		t.Errorf("Expected record to be reset, got processed=%v err=%v", processed, err)
	}

	s.scheduler.busy = true
	if rec := s.do("POST", "/api/records/abcdef0123456789/reset", true); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 while a run is active, got %d", rec.Code)
	}
}

func TestProcess(t *testing.T) {
	s := newTestServer(t, testKey)

	rec := s.do("POST", "/api/process?limit=3", true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	if len(s.scheduler.enqueued) != 1 || s.scheduler.enqueued[0].Limit != 3 {
		t.Errorf("Expected one enqueued run with limit 3, got %+v", s.scheduler.enqueued)
	}

	if rec := s.do("POST", "/api/process", true); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 while busy, got %d", rec.Code)
	}
}

func TestReport(t *testing.T) {
	s := newTestServer(t, testKey)

	rec := s.do("GET", "/api/report", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Expected HTML content type, got %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "Saturday ride") {
		t.Error("Expected report to list the record")
	}
}
