package domain

import "time"

// FilterStats tallies per-filter rejection counts so an empty result can
// be explained to the caller.
type FilterStats struct {
	Evaluated   int            `json:"evaluated"`
	Kept        int            `json:"kept"`
	Rejections  map[string]int `json:"rejections,omitempty"`
	TopRejector string         `json:"top_rejector,omitempty"`
}

// Summary holds the aggregate statistics computed by the result assembler.
type Summary struct {
	TotalRecords    int            `json:"total_records"`
	AcceptedRecords int            `json:"accepted_records"`
	ByRegion        map[string]int `json:"by_region,omitempty"`
	BySource        map[string]int `json:"by_source,omitempty"`
	ByVerdict       map[string]int `json:"by_verdict,omitempty"`
	TotalValue      float64        `json:"total_value"`
}

// SearchResult is the unified payload handed to the caller and to the
// export collaborator. It is also the payload persisted in a cache entry.
type SearchResult struct {
	RequestID       string        `json:"request_id"`
	ParamsHash      string        `json:"params_hash"`
	Records         []Opportunity `json:"records"`
	Summary         Summary       `json:"summary"`
	Coverage        Coverage      `json:"coverage"`
	FilterStats     FilterStats   `json:"filter_stats"`
	Degraded        bool          `json:"degraded"`
	DegradedReason  string        `json:"degraded_reason,omitempty"`
	FromCache       bool          `json:"from_cache"`
	CacheAgeSeconds int           `json:"cache_age_seconds,omitempty"`
	FetchedAt       time.Time     `json:"fetched_at"`
	FetchDurationMS int64         `json:"fetch_duration_ms"`
}
