package domain

import "time"

type Stage string

const (
	StageQueued      Stage = "queued"
	StageFetching    Stage = "fetching"
	StageFiltering   Stage = "filtering"
	StageClassifying Stage = "classifying"
	StageDegraded    Stage = "degraded"
	StageComplete    Stage = "complete"
	StageError       Stage = "error"
)

// Terminal reports whether no further events follow for the request.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageDegraded || s == StageError
}

// ProgressDetail carries the explanatory payload for degraded and error
// events.
type ProgressDetail struct {
	Reason          string   `json:"reason,omitempty"`
	CacheAgeSeconds int      `json:"cache_age_seconds,omitempty"`
	SourcesOK       []string `json:"sources_ok,omitempty"`
	SourcesFailed   []string `json:"sources_failed,omitempty"`
	CoveragePct     float64  `json:"coverage_pct,omitempty"`
}

// ProgressEvent is a point-in-time status update for one request.
// Progress is a percentage and never decreases within a request.
type ProgressEvent struct {
	RequestID string            `json:"request_id"`
	Stage     Stage             `json:"stage"`
	Progress  int               `json:"progress"`
	Regions   map[string]string `json:"regions,omitempty"`
	Detail    *ProgressDetail   `json:"detail,omitempty"`
	At        time.Time         `json:"at"`
}

// RefreshJob asks the background worker to re-fetch a cached search so a
// frequently used entry stays warm without a user waiting on it.
type RefreshJob struct {
	ParamsHash string        `json:"params_hash"`
	UserID     string        `json:"user_id"`
	Request    SearchRequest `json:"request"`
}
