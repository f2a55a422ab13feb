package httpadapter

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
)

const userIDHeader = "X-User-Id"

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req domain.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if user := strings.TrimSpace(r.Header.Get(userIDHeader)); user != "" {
		req.UserID = user
	}

	// The correlation id doubles as the progress stream key, so a client
	// that supplied X-Request-Id can subscribe to events before the
	// search response arrives.
	requestID := requestIDFromContext(r.Context())

	start := time.Now()
	result, err := rt.searchUC.Search(r.Context(), requestID, req)
	if err != nil {
		rt.recordSearchMetrics(nil, err, time.Since(start))
		writeError(w, err)
		return
	}
	rt.recordSearchMetrics(result, nil, time.Since(start))

	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) recordSearchMetrics(result *domain.SearchResult, err error, elapsed time.Duration) {
	if rt.metrics == nil {
		return
	}
	switch {
	case err != nil && domain.IsKind(err, domain.ErrQuotaExceeded):
		rt.metrics.RecordQuotaRejection(serviceName)
		rt.metrics.RecordSearch(serviceName, "quota_rejected", elapsed)
	case err != nil:
		rt.metrics.RecordSearch(serviceName, "error", elapsed)
	case result.Degraded:
		rt.metrics.RecordSearch(serviceName, "degraded", elapsed)
		rt.metrics.RecordCacheLookup(serviceName, "degraded")
	case result.FromCache:
		rt.metrics.RecordSearch(serviceName, "cache_hit", elapsed)
		rt.metrics.RecordCacheLookup(serviceName, "hit")
	default:
		rt.metrics.RecordSearch(serviceName, "live", elapsed)
		rt.metrics.RecordCacheLookup(serviceName, "miss")
		rt.metrics.RecordCoverage(serviceName, result.Coverage.Pct)
		rt.metrics.RecordFilterRejections(serviceName, result.FilterStats.Rejections)
		rt.metrics.RecordClassificationVerdicts(serviceName, result.Summary.ByVerdict)
		for _, outcome := range result.Coverage.Outcomes {
			status := "ok"
			if !outcome.OK {
				status = "error"
			}
			rt.metrics.RecordSourceFetch(serviceName, outcome.Source, status,
				time.Duration(outcome.DurationMS)*time.Millisecond)
		}
	}
	if err == nil {
		rt.metrics.RecordResultSize(serviceName, len(result.Records))
	}
}

// searchSubresource dispatches /v1/search/{request_id}/events and
// /v1/search/{request_id}/progress.
func (rt *Router) searchSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/search/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	requestID, resource := parts[0], parts[1]

	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	switch resource {
	case "events":
		rt.streamEvents(w, r, requestID)
	case "progress":
		rt.latestProgress(w, requestID)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (rt *Router) latestProgress(w http.ResponseWriter, requestID string) {
	event, ok := rt.progress.Latest(requestID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown request id"})
		return
	}
	writeJSON(w, http.StatusOK, event)
}
