package httpadapter

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/procurelens/tendersearch/internal/core/ports"
	"github.com/procurelens/tendersearch/internal/core/usecase"
	"github.com/procurelens/tendersearch/internal/observability/metrics"
)

const serviceName = "search-api"

type RouterConfig struct {
	RateLimitRPS   int
	RateLimitBurst int
	// MaxConcurrent bounds in-flight requests before the overload gate
	// sheds load with 503s.
	MaxConcurrent int
	AdmissionWait time.Duration
}

func (c RouterConfig) normalize() RouterConfig {
	out := c
	if out.RateLimitRPS <= 0 {
		out.RateLimitRPS = 20
	}
	if out.RateLimitBurst <= 0 {
		out.RateLimitBurst = out.RateLimitRPS * 2
	}
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = 64
	}
	if out.AdmissionWait <= 0 {
		out.AdmissionWait = 100 * time.Millisecond
	}
	return out
}

type Router struct {
	searchUC *usecase.SearchUseCase
	adminUC  *usecase.CacheAdminUseCase
	progress ports.ProgressBroadcaster
	metrics  *metrics.HTTPServerMetrics
	cfg      RouterConfig
}

func NewRouter(
	searchUC *usecase.SearchUseCase,
	adminUC *usecase.CacheAdminUseCase,
	progress ports.ProgressBroadcaster,
	m *metrics.HTTPServerMetrics,
	cfg RouterConfig,
) *Router {
	return &Router{
		searchUC: searchUC,
		adminUC:  adminUC,
		progress: progress,
		metrics:  m,
		cfg:      cfg.normalize(),
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/search", rt.search)
	mux.HandleFunc("/v1/search/", rt.searchSubresource)
	mux.HandleFunc("/v1/admin/cache", rt.adminCacheTop)
	mux.HandleFunc("/v1/admin/cache/users/", rt.adminCacheUser)
	mux.HandleFunc("/v1/admin/cache/", rt.adminCacheEntry)
	mux.HandleFunc("/v1/admin/sources", rt.adminSources)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.MaxConcurrent, rt.cfg.AdmissionWait)
	handler = rateLimitMiddleware(handler, rt.cfg.RateLimitRPS, rt.cfg.RateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	body := map[string]any{"error": err.Error()}
	if status == http.StatusServiceUnavailable {
		body["retryable"] = true
	}
	writeJSON(w, status, body)
}
