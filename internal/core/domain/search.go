package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

type OrderBy string

const (
	OrderByDeadline  OrderBy = "deadline"
	OrderByValue     OrderBy = "value"
	OrderByPublished OrderBy = "published"
)

// SearchRequest describes one user search across regions and upstream
// sources. It is immutable once submitted; every mutation-looking helper
// returns a copy.
type SearchRequest struct {
	UserID       string    `json:"user_id"`
	Regions      []string  `json:"regions"`
	DateFrom     time.Time `json:"date_from"`
	DateTo       time.Time `json:"date_to"`
	SectorID     string    `json:"sector_id,omitempty"`
	Terms        []string  `json:"terms,omitempty"`
	MinValue     float64   `json:"min_value,omitempty"`
	MaxValue     float64   `json:"max_value,omitempty"`
	Modalities   []string  `json:"modalities,omitempty"`
	Authorities  []string  `json:"authorities,omitempty"`
	OrderBy      OrderBy   `json:"order_by,omitempty"`
	ForceRefresh bool      `json:"force_refresh,omitempty"`
}

// Normalized returns a copy with regions, terms, modalities and authorities
// lower-cased, trimmed, de-duplicated and sorted, so that requests differing
// only in casing or ordering share one ParamsHash.
func (r SearchRequest) Normalized() SearchRequest {
	out := r
	out.Regions = normalizeSet(r.Regions)
	out.Terms = normalizeSet(r.Terms)
	out.Modalities = normalizeSet(r.Modalities)
	out.Authorities = normalizeSet(r.Authorities)
	out.SectorID = strings.ToLower(strings.TrimSpace(r.SectorID))
	out.DateFrom = r.DateFrom.UTC().Truncate(24 * time.Hour)
	out.DateTo = r.DateTo.UTC().Truncate(24 * time.Hour)
	if out.OrderBy == "" {
		out.OrderBy = OrderByDeadline
	}
	return out
}

func (r SearchRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return WrapError(ErrInvalidInput, "validate request", errors.New("user id is required"))
	}
	if len(normalizeSet(r.Regions)) == 0 {
		return WrapError(ErrInvalidInput, "validate request", errors.New("at least one region is required"))
	}
	if r.DateFrom.IsZero() || r.DateTo.IsZero() {
		return WrapError(ErrInvalidInput, "validate request", errors.New("date range is required"))
	}
	if r.DateTo.Before(r.DateFrom) {
		return WrapError(ErrInvalidInput, "validate request", errors.New("date range is inverted"))
	}
	hasSector := strings.TrimSpace(r.SectorID) != ""
	hasTerms := len(normalizeSet(r.Terms)) > 0
	if hasSector == hasTerms {
		return WrapError(ErrInvalidInput, "validate request",
			errors.New("exactly one of sector_id or terms must be set"))
	}
	if r.MinValue < 0 || r.MaxValue < 0 {
		return WrapError(ErrInvalidInput, "validate request", errors.New("value bounds must be non-negative"))
	}
	if r.MaxValue > 0 && r.MinValue > r.MaxValue {
		return WrapError(ErrInvalidInput, "validate request", errors.New("value range is inverted"))
	}
	switch r.OrderBy {
	case "", OrderByDeadline, OrderByValue, OrderByPublished:
	default:
		return WrapError(ErrInvalidInput, "validate request", fmt.Errorf("unknown order_by %q", r.OrderBy))
	}
	return nil
}

// paramsHashPayload is the hashed projection of a request. The user id
// is part of the cache key separately and the refresh flag only controls
// cache bypass, so neither participates in the hash.
type paramsHashPayload struct {
	Regions     []string `json:"regions"`
	DateFrom    string   `json:"date_from"`
	DateTo      string   `json:"date_to"`
	SectorID    string   `json:"sector_id"`
	Terms       []string `json:"terms"`
	MinValue    float64  `json:"min_value"`
	MaxValue    float64  `json:"max_value"`
	Modalities  []string `json:"modalities"`
	Authorities []string `json:"authorities"`
	OrderBy     string   `json:"order_by"`
}

// ParamsHash returns a stable sha256 hex digest of the normalized request,
// canonicalized per RFC 8785 so field ordering can never change the key.
func (r SearchRequest) ParamsHash() (string, error) {
	n := r.Normalized()
	payload := paramsHashPayload{
		Regions:     emptyIfNil(n.Regions),
		DateFrom:    n.DateFrom.Format("2006-01-02"),
		DateTo:      n.DateTo.Format("2006-01-02"),
		SectorID:    n.SectorID,
		Terms:       emptyIfNil(n.Terms),
		MinValue:    n.MinValue,
		MaxValue:    n.MaxValue,
		Modalities:  emptyIfNil(n.Modalities),
		Authorities: emptyIfNil(n.Authorities),
		OrderBy:     string(n.OrderBy),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
