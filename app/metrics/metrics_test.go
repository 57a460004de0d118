package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveMutation(t *testing.T) {
	before := testutil.ToFloat64(CalendarMutations.WithLabelValues("create", "error"))

	ObserveMutation("create", errors.New("boom"))
	ObserveMutation("create", nil)

	if got := testutil.ToFloat64(CalendarMutations.WithLabelValues("create", "error")); got != before+1 {
		t.Errorf("Expected error counter %v, got %v", before+1, got)
	}
	if got := testutil.ToFloat64(CalendarMutations.WithLabelValues("create", "ok")); got < 1 {
		t.Errorf("Expected ok counter to be incremented, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	PostsTotal.WithLabelValues("ignore").Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `calendar_sync_posts_total{outcome="ignore"}`) {
		t.Errorf("Expected posts counter in output, got:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("Expected Go runtime metrics in output")
	}
}
