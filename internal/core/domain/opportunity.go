package domain

import "time"

// Opportunity is one candidate contracting record as returned by an
// upstream source, possibly annotated with a classification decision.
type Opportunity struct {
	ExternalID  string                  `json:"external_id"`
	Source      string                  `json:"source"`
	Region      string                  `json:"region"`
	Title       string                  `json:"title"`
	Description string                  `json:"description,omitempty"`
	Authority   string                  `json:"authority,omitempty"`
	Modality    string                  `json:"modality,omitempty"`
	Value       float64                 `json:"value,omitempty"`
	Currency    string                  `json:"currency,omitempty"`
	Status      string                  `json:"status,omitempty"`
	PublishedAt time.Time               `json:"published_at"`
	Deadline    time.Time               `json:"deadline"`
	URL         string                  `json:"url,omitempty"`
	FetchedAt   time.Time               `json:"fetched_at"`
	Decision    *ClassificationDecision `json:"decision,omitempty"`
}

// RecordBatch is the result of one (source, region) fetch.
type RecordBatch struct {
	Source    string        `json:"source"`
	Region    string        `json:"region"`
	Records   []Opportunity `json:"records"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// SourceOutcome records how one (source, region) fetch task ended.
type SourceOutcome struct {
	Source     string `json:"source"`
	Region     string `json:"region"`
	OK         bool   `json:"ok"`
	Records    int    `json:"records"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Coverage summarizes which parts of the requested fan-out produced data.
type Coverage struct {
	RequestedRegions []string        `json:"requested_regions"`
	FailedRegions    []string        `json:"failed_regions,omitempty"`
	SourcesOK        []string        `json:"sources_ok"`
	SourcesFailed    []string        `json:"sources_failed,omitempty"`
	Pct              float64         `json:"pct"`
	Outcomes         []SourceOutcome `json:"outcomes,omitempty"`
}

// AggregatedBatch is the deduplicated union of all successful fetches for
// one request, with coverage metadata for the failed remainder.
type AggregatedBatch struct {
	Records       []Opportunity `json:"records"`
	Coverage      Coverage      `json:"coverage"`
	FetchDuration time.Duration `json:"fetch_duration"`
}

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// SourceHealth is the advisory per-source circuit state exposed for
// diagnostics and the pre-fetch canary.
type SourceHealth struct {
	Source   string       `json:"source"`
	State    BreakerState `json:"state"`
	Failures int          `json:"failures"`
	OpenedAt *time.Time   `json:"opened_at,omitempty"`
}
