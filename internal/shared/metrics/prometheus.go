package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics (ops endpoints only)
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Synchronizer
	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Synchronizer runs by trigger and outcome",
		},
		[]string{"trigger", "status"},
	)

	syncRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_run_duration_seconds",
			Help:    "Synchronizer run duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	syncRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_rows_total",
			Help: "Rows written by the synchronizer",
		},
		[]string{"kind"},
	)

	syncWatermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_watermark_timestamp_seconds",
			Help: "Unix time of the last successful synchronizer run",
		},
	)

	sourcePagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_pages_total",
			Help: "Pages fetched from the hospital source system",
		},
		[]string{"entity", "status"},
	)

	// Calls and scoring
	callTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_transitions_total",
			Help: "Follow-up call state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	scoreSubmissions = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "score_submissions",
			Help:    "Distribution of derived wellness scores",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_total",
			Help: "Alert lifecycle actions by severity",
		},
		[]string{"severity", "action"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordSyncRun records one synchronizer run outcome.
func RecordSyncRun(trigger string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	syncRunsTotal.WithLabelValues(trigger, status).Inc()
	syncRunDuration.Observe(duration.Seconds())
}

// RecordSyncRows adds rows written during a run.
func RecordSyncRows(patients, stays, calls int) {
	syncRowsTotal.WithLabelValues("patient").Add(float64(patients))
	syncRowsTotal.WithLabelValues("stay").Add(float64(stays))
	syncRowsTotal.WithLabelValues("call").Add(float64(calls))
}

// RecordWatermark publishes the last successful sync time.
func RecordWatermark(at time.Time) {
	syncWatermark.Set(float64(at.Unix()))
}

// RecordSourcePage records a page fetch against the source system.
func RecordSourcePage(entity string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	sourcePagesTotal.WithLabelValues(entity, status).Inc()
}

// RecordCallTransition records a call state change
func RecordCallTransition(fromState, toState string) {
	callTransitions.WithLabelValues(fromState, toState).Inc()
}

// RecordScore observes a derived wellness score
func RecordScore(score int) {
	scoreSubmissions.Observe(float64(score))
}

// RecordAlert records an alert action ("raised", "kept", "resolved", "ignored")
func RecordAlert(severity, action string) {
	alertsTotal.WithLabelValues(severity, action).Inc()
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
