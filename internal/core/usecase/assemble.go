package usecase

import (
	"sort"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
)

// ResultAssembler merges classified records into the unified payload:
// ordering per the request preference, summary statistics, coverage and
// filter diagnostics.
type ResultAssembler struct{}

func NewResultAssembler() *ResultAssembler {
	return &ResultAssembler{}
}

func (a *ResultAssembler) Assemble(
	requestID, paramsHash string,
	req domain.SearchRequest,
	records []domain.Opportunity,
	batch domain.AggregatedBatch,
	stats domain.FilterStats,
) *domain.SearchResult {
	ordered := make([]domain.Opportunity, len(records))
	copy(ordered, records)
	orderRecords(ordered, req.Normalized().OrderBy)

	summary := domain.Summary{
		TotalRecords: len(ordered),
		ByRegion:     make(map[string]int),
		BySource:     make(map[string]int),
		ByVerdict:    make(map[string]int),
	}
	for _, rec := range ordered {
		summary.ByRegion[rec.Region]++
		summary.BySource[rec.Source]++
		summary.TotalValue += rec.Value
		if rec.Decision != nil {
			summary.ByVerdict[string(rec.Decision.Verdict)]++
			if rec.Decision.Verdict.Accepted() {
				summary.AcceptedRecords++
			}
		}
	}

	return &domain.SearchResult{
		RequestID:       requestID,
		ParamsHash:      paramsHash,
		Records:         ordered,
		Summary:         summary,
		Coverage:        batch.Coverage,
		FilterStats:     stats,
		FetchedAt:       time.Now().UTC(),
		FetchDurationMS: batch.FetchDuration.Milliseconds(),
	}
}

func orderRecords(records []domain.Opportunity, orderBy domain.OrderBy) {
	switch orderBy {
	case domain.OrderByValue:
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Value > records[j].Value
		})
	case domain.OrderByPublished:
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].PublishedAt.After(records[j].PublishedAt)
		})
	default:
		// Deadline ascending; zero deadlines sink to the end.
		sort.SliceStable(records, func(i, j int) bool {
			di, dj := records[i].Deadline, records[j].Deadline
			if di.IsZero() {
				return false
			}
			if dj.IsZero() {
				return true
			}
			return di.Before(dj)
		})
	}
}
