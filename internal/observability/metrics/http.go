package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	searchTotal          *prometheus.CounterVec
	searchDuration       *prometheus.HistogramVec
	cacheLookupsTotal    *prometheus.CounterVec
	sourceFetchTotal     *prometheus.CounterVec
	sourceFetchDuration  *prometheus.HistogramVec
	breakerTransitions   *prometheus.CounterVec
	filterRejectedTotal  *prometheus.CounterVec
	classificationTotal  *prometheus.CounterVec
	coveragePct          *prometheus.HistogramVec
	resultRecords        *prometheus.HistogramVec
	quotaRejectionsTotal *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tds",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tds",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tds",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	searchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tds",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Total completed searches by outcome.",
		},
		[]string{"service", "outcome"},
	)
	searchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tds",
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "End-to-end search duration in seconds by outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
		},
		[]string{"service", "outcome"},
	)
	cacheLookupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tds",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result (hit, miss, stale, degraded).",
		},
		[]string{"service", "result"},
	)
	sourceFetchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tds",
			Subsystem: "source",
			Name:      "fetch_total",
			Help:      "Per-source fetch task outcomes.",
		},
		[]string{"service", "source", "status"},
	)
	sourceFetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tds",
			Subsystem: "source",
			Name:      "fetch_duration_seconds",
			Help:      "Per-source fetch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "source"},
	)
	breakerTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tds",
			Subsystem: "source",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions per source.",
		},
		[]string{"service", "source", "to_state"},
	)
	filterRejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tds",
			Subsystem: "filter",
			Name:      "rejected_total",
			Help:      "Records rejected per filter stage.",
		},
		[]string{"service", "filter"},
	)
	classificationTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tds",
			Subsystem: "classify",
			Name:      "verdicts_total",
			Help:      "Classification verdicts by kind.",
		},
		[]string{"service", "verdict"},
	)
	coveragePct := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tds",
			Subsystem: "search",
			Name:      "coverage_pct",
			Help:      "Distribution of source coverage per live search.",
			Buckets:   []float64{0, 25, 50, 75, 90, 100},
		},
		[]string{"service"},
	)
	resultRecords := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tds",
			Subsystem: "search",
			Name:      "result_records",
			Help:      "Distribution of records returned per search.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"service"},
	)
	quotaRejectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tds",
			Subsystem: "quota",
			Name:      "rejections_total",
			Help:      "Searches rejected because the user quota was exhausted.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		searchTotal,
		searchDuration,
		cacheLookupsTotal,
		sourceFetchTotal,
		sourceFetchDuration,
		breakerTransitions,
		filterRejectedTotal,
		classificationTotal,
		coveragePct,
		resultRecords,
		quotaRejectionsTotal,
	)

	return &HTTPServerMetrics{
		registry:             registry,
		requestTotal:         requestTotal,
		requestDuration:      requestDuration,
		requestInFlight:      requestInFlight,
		searchTotal:          searchTotal,
		searchDuration:       searchDuration,
		cacheLookupsTotal:    cacheLookupsTotal,
		sourceFetchTotal:     sourceFetchTotal,
		sourceFetchDuration:  sourceFetchDuration,
		breakerTransitions:   breakerTransitions,
		filterRejectedTotal:  filterRejectedTotal,
		classificationTotal:  classificationTotal,
		coveragePct:          coveragePct,
		resultRecords:        resultRecords,
		quotaRejectionsTotal: quotaRejectionsTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/search/") && strings.HasSuffix(path, "/events"):
		return "/v1/search/{request_id}/events"
	case strings.HasPrefix(path, "/v1/search/") && strings.HasSuffix(path, "/progress"):
		return "/v1/search/{request_id}/progress"
	case strings.HasPrefix(path, "/v1/admin/cache/users/"):
		return "/v1/admin/cache/users/{user_id}"
	case strings.HasPrefix(path, "/v1/admin/cache/") && path != "/v1/admin/cache/":
		return "/v1/admin/cache/{params_hash}"
	default:
		return path
	}
}

// RecordSearch records one finished search. Outcome is one of
// cache_hit, live, degraded, error, quota_rejected.
func (m *HTTPServerMetrics) RecordSearch(service, outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.searchTotal.WithLabelValues(service, outcome).Inc()
	m.searchDuration.WithLabelValues(service, outcome).Observe(duration.Seconds())
}

func (m *HTTPServerMetrics) RecordCacheLookup(service, result string) {
	m.cacheLookupsTotal.WithLabelValues(service, result).Inc()
}

func (m *HTTPServerMetrics) RecordSourceFetch(service, source, status string, duration time.Duration) {
	if source == "" {
		source = "unknown"
	}
	m.sourceFetchTotal.WithLabelValues(service, source, status).Inc()
	m.sourceFetchDuration.WithLabelValues(service, source).Observe(duration.Seconds())
}

func (m *HTTPServerMetrics) RecordBreakerTransition(service, source, toState string) {
	m.breakerTransitions.WithLabelValues(service, source, toState).Inc()
}

func (m *HTTPServerMetrics) RecordFilterRejections(service string, rejectedByFilter map[string]int) {
	for filter, n := range rejectedByFilter {
		if n <= 0 {
			continue
		}
		m.filterRejectedTotal.WithLabelValues(service, filter).Add(float64(n))
	}
}

func (m *HTTPServerMetrics) RecordClassificationVerdicts(service string, verdicts map[string]int) {
	for verdict, n := range verdicts {
		if n <= 0 {
			continue
		}
		m.classificationTotal.WithLabelValues(service, verdict).Add(float64(n))
	}
}

func (m *HTTPServerMetrics) RecordCoverage(service string, pct float64) {
	m.coveragePct.WithLabelValues(service).Observe(pct)
}

func (m *HTTPServerMetrics) RecordResultSize(service string, records int) {
	m.resultRecords.WithLabelValues(service).Observe(float64(records))
}

func (m *HTTPServerMetrics) RecordQuotaRejection(service string) {
	m.quotaRejectionsTotal.WithLabelValues(service).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
