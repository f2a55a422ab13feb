package ports

import (
	"context"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
)

// SourceClient is one upstream data provider. Fetch applies retry,
// rate limiting and circuit breaking internally; callers only see the
// terminal outcome.
type SourceClient interface {
	Name() string
	// Priority orders sources for dedup tie-breaks; lower wins.
	Priority() int
	Fetch(ctx context.Context, region string, req domain.SearchRequest) (domain.RecordBatch, error)
	// Healthy issues one cheap canary probe.
	Healthy(ctx context.Context) error
	Health() domain.SourceHealth
}

// CacheRepository owns the durable multi-tier cache. Get returns
// domain.ErrNotFound on a miss and bumps access accounting atomically.
type CacheRepository interface {
	Get(ctx context.Context, paramsHash, userID string) (*domain.CacheEntry, error)
	Put(ctx context.Context, entry *domain.CacheEntry) error
	MarkDegraded(ctx context.Context, paramsHash, userID string, until time.Time) error
	Invalidate(ctx context.Context, paramsHash string) error
	InvalidateUser(ctx context.Context, userID string) error
	InvalidateAll(ctx context.Context) error
	ListTop(ctx context.Context, limit int) ([]domain.CacheEntry, error)
	Inspect(ctx context.Context, paramsHash string) ([]domain.CacheEntry, error)
}

// AmbiguityClassifier resolves records inside the ambiguous confidence
// band with a language-model call.
type AmbiguityClassifier interface {
	ClassifyAmbiguous(ctx context.Context, rec domain.Opportunity, sector domain.Sector) (accept bool, confidence float64, err error)
}

// SectorCatalog looks up per-sector classification configuration.
type SectorCatalog interface {
	Lookup(sectorID string) (domain.Sector, error)
	Default() domain.Sector
}

// QuotaService is the external subscription/quota collaborator.
type QuotaService interface {
	RemainingQuota(ctx context.Context, userID string) (int, error)
	RecordUsage(ctx context.Context, userID string) error
}

// ProgressBroadcaster streams per-request progress. Subscribe returns a
// channel that is closed after a terminal event; the cancel func must be
// called to release the subscription early. Latest serves the polling
// fallback.
type ProgressBroadcaster interface {
	Publish(event domain.ProgressEvent)
	Subscribe(requestID string) (<-chan domain.ProgressEvent, func())
	Latest(requestID string) (domain.ProgressEvent, bool)
}

// RefreshQueue carries opportunistic hot-entry refresh jobs to the
// background worker.
type RefreshQueue interface {
	PublishRefresh(ctx context.Context, job domain.RefreshJob) error
	SubscribeRefresh(ctx context.Context, handler func(context.Context, domain.RefreshJob) error) error
}

// Exporter is the external report collaborator; it receives the plain
// result payload and owns all file formatting.
type Exporter interface {
	Export(ctx context.Context, result *domain.SearchResult) error
}
