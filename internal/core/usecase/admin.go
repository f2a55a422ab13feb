package usecase

import (
	"context"
	"fmt"

	"github.com/procurelens/tendersearch/internal/core/domain"
	"github.com/procurelens/tendersearch/internal/core/ports"
)

// CacheAdminUseCase exposes the diagnostic cache and source-health
// operations; none of these sit on the search hot path.
type CacheAdminUseCase struct {
	cache   ports.CacheRepository
	sources []ports.SourceClient
}

func NewCacheAdminUseCase(cache ports.CacheRepository, sources []ports.SourceClient) *CacheAdminUseCase {
	return &CacheAdminUseCase{cache: cache, sources: sources}
}

func (uc *CacheAdminUseCase) TopEntries(ctx context.Context, limit int) ([]domain.CacheEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	entries, err := uc.cache.ListTop(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list top cache entries: %w", err)
	}
	return entries, nil
}

func (uc *CacheAdminUseCase) InspectEntry(ctx context.Context, paramsHash string) ([]domain.CacheEntry, error) {
	entries, err := uc.cache.Inspect(ctx, paramsHash)
	if err != nil {
		return nil, fmt.Errorf("inspect cache entry: %w", err)
	}
	if len(entries) == 0 {
		return nil, domain.WrapError(domain.ErrNotFound, "inspect cache entry",
			fmt.Errorf("no entries for hash %s", paramsHash))
	}
	return entries, nil
}

func (uc *CacheAdminUseCase) DeleteEntry(ctx context.Context, paramsHash string) error {
	if err := uc.cache.Invalidate(ctx, paramsHash); err != nil {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	return nil
}

func (uc *CacheAdminUseCase) DeleteUserEntries(ctx context.Context, userID string) error {
	if err := uc.cache.InvalidateUser(ctx, userID); err != nil {
		return fmt.Errorf("invalidate user cache: %w", err)
	}
	return nil
}

func (uc *CacheAdminUseCase) Reset(ctx context.Context) error {
	if err := uc.cache.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("reset cache: %w", err)
	}
	return nil
}

func (uc *CacheAdminUseCase) SourceHealth() []domain.SourceHealth {
	out := make([]domain.SourceHealth, 0, len(uc.sources))
	for _, src := range uc.sources {
		out = append(out, src.Health())
	}
	return out
}
