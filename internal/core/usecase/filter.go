package usecase

import (
	"strings"

	"github.com/procurelens/tendersearch/internal/core/domain"
)

const (
	FilterRegion  = "region"
	FilterValue   = "value"
	FilterDate    = "date_status"
	FilterKeyword = "keyword"
)

type recordFilter struct {
	name string
	keep func(domain.Opportunity) bool
}

// FilterPipeline applies criteria filters in a fixed order, cheapest and
// most selective first, and stops evaluating a record at its first
// rejection.
type FilterPipeline struct {
	filters []recordFilter
}

func NewFilterPipeline(req domain.SearchRequest) *FilterPipeline {
	n := req.Normalized()

	regions := toSet(n.Regions)
	modalities := toSet(n.Modalities)
	authorities := toSet(n.Authorities)

	filters := []recordFilter{
		{name: FilterRegion, keep: func(rec domain.Opportunity) bool {
			_, ok := regions[strings.ToLower(rec.Region)]
			return ok
		}},
		{name: FilterValue, keep: func(rec domain.Opportunity) bool {
			if n.MinValue > 0 && rec.Value < n.MinValue {
				return false
			}
			if n.MaxValue > 0 && rec.Value > n.MaxValue {
				return false
			}
			if len(modalities) > 0 {
				if _, ok := modalities[strings.ToLower(rec.Modality)]; !ok {
					return false
				}
			}
			if len(authorities) > 0 {
				if _, ok := authorities[strings.ToLower(rec.Authority)]; !ok {
					return false
				}
			}
			return true
		}},
		{name: FilterDate, keep: func(rec domain.Opportunity) bool {
			if strings.EqualFold(rec.Status, "cancelled") || strings.EqualFold(rec.Status, "closed") {
				return false
			}
			if rec.PublishedAt.IsZero() {
				return true
			}
			return !rec.PublishedAt.Before(n.DateFrom) && !rec.PublishedAt.After(n.DateTo.AddDate(0, 0, 1))
		}},
		{name: FilterKeyword, keep: func(rec domain.Opportunity) bool {
			if len(n.Terms) == 0 {
				return true
			}
			text := strings.ToLower(rec.Title + " " + rec.Description)
			for _, term := range n.Terms {
				if strings.Contains(text, term) {
					return true
				}
			}
			return false
		}},
	}

	return &FilterPipeline{filters: filters}
}

// Apply runs every record through the ordered filters. A record rejected
// by filter k is never shown to any later filter.
func (p *FilterPipeline) Apply(records []domain.Opportunity) ([]domain.Opportunity, domain.FilterStats) {
	stats := domain.FilterStats{
		Evaluated:  len(records),
		Rejections: make(map[string]int),
	}

	kept := make([]domain.Opportunity, 0, len(records))
	for _, rec := range records {
		rejectedBy := ""
		for _, f := range p.filters {
			if !f.keep(rec) {
				rejectedBy = f.name
				break
			}
		}
		if rejectedBy != "" {
			stats.Rejections[rejectedBy]++
			continue
		}
		kept = append(kept, rec)
	}

	stats.Kept = len(kept)
	stats.TopRejector = topRejector(stats.Rejections)
	return kept, stats
}

func topRejector(rejections map[string]int) string {
	top := ""
	max := 0
	// Filter order breaks count ties so the answer is deterministic.
	for _, name := range []string{FilterRegion, FilterValue, FilterDate, FilterKeyword} {
		if rejections[name] > max {
			top = name
			max = rejections[name]
		}
	}
	return top
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
