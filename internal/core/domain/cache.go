package domain

import "time"

type CacheTier string

const (
	TierHot  CacheTier = "hot"
	TierWarm CacheTier = "warm"
	TierCold CacheTier = "cold"
)

// TierPolicy drives how an entry moves between priority tiers on access.
type TierPolicy struct {
	// HotMinAccesses is the access count at which an entry recently read
	// within RecencyWindow is promoted to hot.
	HotMinAccesses int
	// RecencyWindow bounds how recent the last access must be for a
	// promotion toward hot.
	RecencyWindow time.Duration
	// ColdAfterIdle demotes entries untouched for this long to cold.
	ColdAfterIdle time.Duration
	// ColdAfterAge demotes entries older than this outright.
	ColdAfterAge time.Duration
}

func DefaultTierPolicy() TierPolicy {
	return TierPolicy{
		HotMinAccesses: 3,
		RecencyWindow:  30 * time.Minute,
		ColdAfterIdle:  6 * time.Hour,
		ColdAfterAge:   24 * time.Hour,
	}
}

// Tier computes the priority tier for an entry. Cold wins over hot: an
// aged-out entry is first in line for eviction no matter how often it was
// read in its prime.
func (p TierPolicy) Tier(accessCount int, createdAt, lastAccessedAt, now time.Time) CacheTier {
	if now.Sub(createdAt) >= p.ColdAfterAge || now.Sub(lastAccessedAt) >= p.ColdAfterIdle {
		return TierCold
	}
	if accessCount >= p.HotMinAccesses && now.Sub(lastAccessedAt) <= p.RecencyWindow {
		return TierHot
	}
	return TierWarm
}

// CacheEntry is one materialized search result keyed by (ParamsHash, UserID).
type CacheEntry struct {
	ParamsHash     string        `json:"params_hash"`
	UserID         string        `json:"user_id"`
	Result         SearchResult  `json:"result"`
	Sources        []string      `json:"sources"`
	Coverage       Coverage      `json:"coverage"`
	Tier           CacheTier     `json:"tier"`
	AccessCount    int           `json:"access_count"`
	FailureStreak  int           `json:"failure_streak"`
	DegradedUntil  *time.Time    `json:"degraded_until,omitempty"`
	FetchedAt      time.Time     `json:"fetched_at"`
	CreatedAt      time.Time     `json:"created_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	FetchDuration  time.Duration `json:"fetch_duration"`
}

func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Fresh reports whether the entry can be served without a live fetch.
func (e *CacheEntry) Fresh(now time.Time, ttl time.Duration) bool {
	return e.Age(now) <= ttl
}

// DegradedHold reports whether the entry is inside its degraded window,
// during which a known-bad key is not re-fetched on every request.
func (e *CacheEntry) DegradedHold(now time.Time) bool {
	return e.DegradedUntil != nil && now.Before(*e.DegradedUntil)
}
