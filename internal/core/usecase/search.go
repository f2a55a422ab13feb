package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
	"github.com/procurelens/tendersearch/internal/core/ports"
)

// SearchConfig carries the cache policy tunables.
type SearchConfig struct {
	// CacheTTL is how long an entry is served without a live fetch.
	CacheTTL time.Duration
	// DegradedWindow holds off re-fetching a known-bad key after a
	// degraded serve.
	DegradedWindow time.Duration
	// RefreshAfter is the age past which a hot cache hit also enqueues
	// an opportunistic background refresh.
	RefreshAfter time.Duration
}

func (c SearchConfig) normalize() SearchConfig {
	out := c
	if out.CacheTTL <= 0 {
		out.CacheTTL = 15 * time.Minute
	}
	if out.DegradedWindow <= 0 {
		out.DegradedWindow = 5 * time.Minute
	}
	if out.RefreshAfter <= 0 {
		out.RefreshAfter = out.CacheTTL / 2
	}
	return out
}

// SearchUseCase is the entry point for one search request: cache fast
// path, orchestrated fan-out, filtering, classification, assembly, cache
// write-back and progress streaming.
type SearchUseCase struct {
	cache     ports.CacheRepository
	orch      *FetchOrchestrator
	arbiter   *ClassificationArbiter
	assembler *ResultAssembler
	catalog   ports.SectorCatalog
	quota     ports.QuotaService
	progress  ports.ProgressBroadcaster
	refresh   ports.RefreshQueue
	exporter  ports.Exporter
	cfg       SearchConfig
	now       func() time.Time
}

func NewSearchUseCase(
	cache ports.CacheRepository,
	orch *FetchOrchestrator,
	arbiter *ClassificationArbiter,
	catalog ports.SectorCatalog,
	quota ports.QuotaService,
	progress ports.ProgressBroadcaster,
	refresh ports.RefreshQueue,
	exporter ports.Exporter,
	cfg SearchConfig,
) *SearchUseCase {
	return &SearchUseCase{
		cache:     cache,
		orch:      orch,
		arbiter:   arbiter,
		assembler: NewResultAssembler(),
		catalog:   catalog,
		quota:     quota,
		progress:  progress,
		refresh:   refresh,
		exporter:  exporter,
		cfg:       cfg.normalize(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Progress percentages per stage. Fetching owns the widest band because
// it dominates wall time.
const (
	progressQueued        = 0
	progressFetchStart    = 5
	progressFetchEnd      = 60
	progressFiltering     = 65
	progressClassifyStart = 70
	progressClassifyEnd   = 90
	progressDone          = 100
)

func (uc *SearchUseCase) Search(ctx context.Context, requestID string, req domain.SearchRequest) (*domain.SearchResult, error) {
	uc.publish(requestID, domain.StageQueued, progressQueued, nil, nil)

	if err := req.Validate(); err != nil {
		uc.publishError(requestID, err)
		return nil, err
	}
	sector, err := uc.resolveSector(req)
	if err != nil {
		uc.publishError(requestID, err)
		return nil, err
	}

	hash, err := req.ParamsHash()
	if err != nil {
		err = fmt.Errorf("compute params hash: %w", err)
		uc.publishError(requestID, err)
		return nil, err
	}

	if err := uc.checkQuota(ctx, req.UserID); err != nil {
		uc.publishError(requestID, err)
		return nil, err
	}

	n := req.Normalized()

	var stale *domain.CacheEntry
	if !req.ForceRefresh {
		entry, err := uc.cache.Get(ctx, hash, req.UserID)
		switch {
		case err == nil && entry.Fresh(uc.now(), uc.cfg.CacheTTL) && !entry.DegradedHold(uc.now()):
			return uc.serveCacheHit(ctx, requestID, hash, n, entry), nil
		case err == nil && entry.DegradedHold(uc.now()):
			// Known-bad key inside its hold window: do not hammer the
			// upstreams again, serve the stale copy directly.
			return uc.serveDegraded(requestID, hash, entry, entry.Coverage, "degraded hold active"), nil
		case err == nil:
			stale = entry
		case !domain.IsKind(err, domain.ErrNotFound):
			slog.Warn("cache_lookup_failed", "params_hash", hash, "error", err)
		}
	} else {
		// Forced refresh still keeps the old entry around as the
		// degraded fallback should the live fetch collapse.
		if entry, err := uc.cache.Get(ctx, hash, req.UserID); err == nil {
			stale = entry
		}
	}

	result, err := uc.executeLive(ctx, requestID, hash, n, sector, stale)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// executeLive runs the fetch/filter/classify/assemble pipeline and
// commits the cache write-back. stale, when non-nil, is the degraded
// fallback entry.
func (uc *SearchUseCase) executeLive(
	ctx context.Context,
	requestID, hash string,
	n domain.SearchRequest,
	sector domain.Sector,
	stale *domain.CacheEntry,
) (*domain.SearchResult, error) {
	uc.publish(requestID, domain.StageFetching, progressFetchStart, map[string]string{}, nil)

	regionStatus := make(map[string]string, len(n.Regions))
	for _, region := range n.Regions {
		regionStatus[region] = "pending"
	}
	hook := func(outcome domain.SourceOutcome, done, total int) {
		if outcome.OK {
			regionStatus[outcome.Region] = "ok"
		} else if regionStatus[outcome.Region] != "ok" {
			regionStatus[outcome.Region] = "failed"
		}
		pct := progressFetchStart
		if total > 0 {
			pct += (progressFetchEnd - progressFetchStart) * done / total
		}
		uc.publish(requestID, domain.StageFetching, pct, cloneStatus(regionStatus), nil)
	}

	batch, runErr := uc.orch.Run(ctx, n, hook)
	if runErr != nil {
		// Cooperative cancellation: committed cache writes stay, the
		// stream ends with a terminal error event.
		err := domain.WrapError(domain.ErrTemporary, "search aborted", runErr)
		uc.publishError(requestID, err)
		return nil, err
	}

	if len(batch.Coverage.SourcesOK) == 0 {
		return uc.handleFetchCollapse(ctx, requestID, hash, n, batch, stale)
	}

	uc.publish(requestID, domain.StageFiltering, progressFiltering, nil, nil)
	pipeline := NewFilterPipeline(n)
	kept, stats := pipeline.Apply(batch.Records)

	uc.publish(requestID, domain.StageClassifying, progressClassifyStart, nil, nil)
	accepted := uc.arbiter.ClassifyBatch(ctx, kept, sector, func(done, total int) {
		pct := progressClassifyStart
		if total > 0 {
			pct += (progressClassifyEnd - progressClassifyStart) * done / total
		}
		uc.publish(requestID, domain.StageClassifying, pct, nil, nil)
	})
	if ctx.Err() != nil {
		err := domain.WrapError(domain.ErrTemporary, "search aborted", ctx.Err())
		uc.publishError(requestID, err)
		return nil, err
	}

	result := uc.assembler.Assemble(requestID, hash, n, accepted, batch, stats)

	uc.commitEntry(ctx, hash, n, result, batch)
	uc.recordUsage(ctx, n.UserID)
	uc.export(ctx, result)

	uc.publish(requestID, domain.StageComplete, progressDone, cloneStatus(regionStatus), &domain.ProgressDetail{
		SourcesOK:     result.Coverage.SourcesOK,
		SourcesFailed: result.Coverage.SourcesFailed,
		CoveragePct:   result.Coverage.Pct,
	})
	return result, nil
}

// handleFetchCollapse decides between degraded serve and total failure
// when no source produced data.
func (uc *SearchUseCase) handleFetchCollapse(
	ctx context.Context,
	requestID, hash string,
	n domain.SearchRequest,
	batch domain.AggregatedBatch,
	stale *domain.CacheEntry,
) (*domain.SearchResult, error) {
	if stale != nil {
		until := uc.now().Add(uc.cfg.DegradedWindow)
		if err := uc.cache.MarkDegraded(ctx, hash, n.UserID, until); err != nil {
			slog.Warn("mark_degraded_failed", "params_hash", hash, "error", err)
		}
		return uc.serveDegraded(requestID, hash, stale, batch.Coverage, "all sources failed"), nil
	}

	err := domain.WrapError(domain.ErrTotalFailure, "search",
		fmt.Errorf("no sources reachable for regions %s and no cache entry exists",
			strings.Join(n.Regions, ",")))
	uc.publishError(requestID, err)
	return nil, err
}

func (uc *SearchUseCase) serveCacheHit(ctx context.Context, requestID, hash string, n domain.SearchRequest, entry *domain.CacheEntry) *domain.SearchResult {
	result := entry.Result
	result.RequestID = requestID
	result.FromCache = true
	result.CacheAgeSeconds = int(entry.Age(uc.now()).Seconds())

	uc.maybeEnqueueRefresh(ctx, hash, n, entry)

	uc.publish(requestID, domain.StageComplete, progressDone, nil, &domain.ProgressDetail{
		CacheAgeSeconds: result.CacheAgeSeconds,
		SourcesOK:       entry.Coverage.SourcesOK,
		CoveragePct:     entry.Coverage.Pct,
	})
	return &result
}

func (uc *SearchUseCase) serveDegraded(requestID, hash string, entry *domain.CacheEntry, liveCoverage domain.Coverage, reason string) *domain.SearchResult {
	result := entry.Result
	result.RequestID = requestID
	result.FromCache = true
	result.Degraded = true
	result.DegradedReason = reason
	result.CacheAgeSeconds = int(entry.Age(uc.now()).Seconds())
	result.Coverage = liveCoverage

	uc.publish(requestID, domain.StageDegraded, progressDone, nil, &domain.ProgressDetail{
		Reason:          reason,
		CacheAgeSeconds: result.CacheAgeSeconds,
		SourcesOK:       liveCoverage.SourcesOK,
		SourcesFailed:   liveCoverage.SourcesFailed,
		CoveragePct:     liveCoverage.Pct,
	})
	return &result
}

// Refresh re-runs the live pipeline for a cached key on behalf of the
// background worker. No quota, no progress stream, no degraded fallback:
// a failed refresh simply leaves the existing entry in place.
func (uc *SearchUseCase) Refresh(ctx context.Context, job domain.RefreshJob) error {
	n := job.Request.Normalized()
	if err := job.Request.Validate(); err != nil {
		return err
	}
	sector, err := uc.resolveSector(job.Request)
	if err != nil {
		return err
	}

	batch, err := uc.orch.Run(ctx, n, nil)
	if err != nil {
		return fmt.Errorf("refresh fetch: %w", err)
	}
	if len(batch.Coverage.SourcesOK) == 0 {
		return domain.WrapError(domain.ErrSourceUnavailable, "refresh", errors.New("no sources produced data"))
	}

	pipeline := NewFilterPipeline(n)
	kept, stats := pipeline.Apply(batch.Records)
	accepted := uc.arbiter.ClassifyBatch(ctx, kept, sector, nil)
	result := uc.assembler.Assemble(job.ParamsHash, job.ParamsHash, n, accepted, batch, stats)

	uc.commitEntry(ctx, job.ParamsHash, n, result, batch)
	return nil
}

func (uc *SearchUseCase) commitEntry(ctx context.Context, hash string, n domain.SearchRequest, result *domain.SearchResult, batch domain.AggregatedBatch) {
	now := uc.now()
	entry := &domain.CacheEntry{
		ParamsHash:     hash,
		UserID:         n.UserID,
		Result:         *result,
		Sources:        batch.Coverage.SourcesOK,
		Coverage:       batch.Coverage,
		Tier:           domain.TierWarm,
		AccessCount:    1,
		FetchedAt:      now,
		CreatedAt:      now,
		LastAccessedAt: now,
		FetchDuration:  batch.FetchDuration,
	}
	if err := uc.cache.Put(ctx, entry); err != nil {
		// Serving the caller matters more than the write-back.
		slog.Warn("cache_write_failed", "params_hash", hash, "error", err)
	}
}

func (uc *SearchUseCase) maybeEnqueueRefresh(ctx context.Context, hash string, n domain.SearchRequest, entry *domain.CacheEntry) {
	if uc.refresh == nil {
		return
	}
	if entry.Tier != domain.TierHot || entry.Age(uc.now()) < uc.cfg.RefreshAfter {
		return
	}
	job := domain.RefreshJob{ParamsHash: hash, UserID: n.UserID, Request: n}
	job.Request.ForceRefresh = false
	if err := uc.refresh.PublishRefresh(ctx, job); err != nil {
		slog.Warn("refresh_enqueue_failed", "params_hash", hash, "error", err)
	}
}

func (uc *SearchUseCase) resolveSector(req domain.SearchRequest) (domain.Sector, error) {
	n := req.Normalized()
	if n.SectorID != "" {
		sector, err := uc.catalog.Lookup(n.SectorID)
		if err != nil {
			return domain.Sector{}, domain.WrapError(domain.ErrInvalidInput, "resolve sector", err)
		}
		return sector, nil
	}
	// Terms mode: classify against the default thresholds with the
	// user's terms as the keyword signals.
	sector := uc.catalog.Default()
	sector.ID = "terms"
	sector.Name = "Free-text terms"
	sector.Keywords = n.Terms
	return sector, nil
}

func (uc *SearchUseCase) checkQuota(ctx context.Context, userID string) error {
	if uc.quota == nil {
		return nil
	}
	remaining, err := uc.quota.RemainingQuota(ctx, userID)
	if err != nil {
		// Metering must not take search down with it.
		slog.Warn("quota_check_failed", "user", userID, "error", err)
		return nil
	}
	if remaining <= 0 {
		return domain.WrapError(domain.ErrQuotaExceeded, "check quota",
			fmt.Errorf("no remaining searches for user %s", userID))
	}
	return nil
}

func (uc *SearchUseCase) recordUsage(ctx context.Context, userID string) {
	if uc.quota == nil {
		return
	}
	if err := uc.quota.RecordUsage(ctx, userID); err != nil {
		slog.Warn("quota_record_failed", "user", userID, "error", err)
	}
}

func (uc *SearchUseCase) export(ctx context.Context, result *domain.SearchResult) {
	if uc.exporter == nil {
		return
	}
	if err := uc.exporter.Export(context.WithoutCancel(ctx), result); err != nil {
		slog.Warn("export_failed", "request_id", result.RequestID, "error", err)
	}
}

func (uc *SearchUseCase) publish(requestID string, stage domain.Stage, progress int, regions map[string]string, detail *domain.ProgressDetail) {
	if uc.progress == nil {
		return
	}
	uc.progress.Publish(domain.ProgressEvent{
		RequestID: requestID,
		Stage:     stage,
		Progress:  progress,
		Regions:   regions,
		Detail:    detail,
		At:        uc.now(),
	})
}

func (uc *SearchUseCase) publishError(requestID string, err error) {
	uc.publish(requestID, domain.StageError, progressDone, nil, &domain.ProgressDetail{
		Reason: err.Error(),
	})
}

func cloneStatus(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
