package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calendar_sync"

var (
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Sync runs by result",
	}, []string{"status"})

	RunDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Time spent in a sync run",
	})

	LastSuccessTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful sync run",
	})

	PostsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "posts_total",
		Help:      "Posts processed by outcome",
	}, []string{"outcome"})

	OracleRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oracle_requests_total",
		Help:      "Messages API requests by final status code",
	}, []string{"status"})

	OracleTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oracle_tokens_total",
		Help:      "Tokens consumed by the classification oracle",
	}, []string{"model", "direction"})

	OracleCost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oracle_cost_usd_total",
		Help:      "Oracle spend in USD",
	})

	CalendarMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calendar_mutations_total",
		Help:      "Calendar changes by operation and result",
	}, []string{"op", "status"})
)

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RunsTotal, RunDuration, LastSuccessTimestamp, PostsTotal,
		OracleRequests, OracleTokens, OracleCost, CalendarMutations,
	}
}

// NewRegistry returns a registry with the application collectors plus the
// Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(Collectors()...)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveMutation counts a calendar change attempt.
func ObserveMutation(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	CalendarMutations.WithLabelValues(op, status).Inc()
}
