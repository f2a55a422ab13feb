package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
	"github.com/procurelens/tendersearch/internal/core/ports"
)

type memCache struct {
	mu      sync.Mutex
	entries map[string]*domain.CacheEntry
	puts    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*domain.CacheEntry)}
}

func (c *memCache) key(hash, user string) string { return hash + "|" + user }

func (c *memCache) Get(_ context.Context, hash, user string) (*domain.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[c.key(hash, user)]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "cache get", errors.New("miss"))
	}
	copied := *entry
	return &copied, nil
}

func (c *memCache) Put(_ context.Context, entry *domain.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *entry
	c.entries[c.key(entry.ParamsHash, entry.UserID)] = &copied
	c.puts++
	return nil
}

func (c *memCache) MarkDegraded(_ context.Context, hash, user string, until time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[c.key(hash, user)]; ok {
		entry.DegradedUntil = &until
		entry.FailureStreak++
	}
	return nil
}

func (c *memCache) Invalidate(context.Context, string) error     { return nil }
func (c *memCache) InvalidateUser(context.Context, string) error { return nil }
func (c *memCache) InvalidateAll(context.Context) error          { return nil }

func (c *memCache) ListTop(context.Context, int) ([]domain.CacheEntry, error) {
	return nil, nil
}

func (c *memCache) Inspect(context.Context, string) ([]domain.CacheEntry, error) {
	return nil, nil
}

func (c *memCache) entry(hash, user string) *domain.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[c.key(hash, user)]
}

type stubCatalog struct{}

func (stubCatalog) Lookup(id string) (domain.Sector, error) {
	if id != "construction" {
		return domain.Sector{}, errors.New("unknown sector")
	}
	return stubCatalog{}.Default(), nil
}

func (stubCatalog) Default() domain.Sector {
	return domain.Sector{
		ID:              "construction",
		Name:            "Construction",
		Keywords:        []string{"bridge"},
		AcceptThreshold: 0.55,
		RejectThreshold: 0.2,
	}
}

type stubQuota struct {
	remaining int
	err       error
	usages    int
}

func (q *stubQuota) RemainingQuota(context.Context, string) (int, error) {
	return q.remaining, q.err
}

func (q *stubQuota) RecordUsage(context.Context, string) error {
	q.usages++
	return nil
}

type stubRefreshQueue struct {
	mu   sync.Mutex
	jobs []domain.RefreshJob
}

func (q *stubRefreshQueue) PublishRefresh(_ context.Context, job domain.RefreshJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubRefreshQueue) SubscribeRefresh(context.Context, func(context.Context, domain.RefreshJob) error) error {
	return nil
}

type progressRecorder struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *progressRecorder) Publish(event domain.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *progressRecorder) Subscribe(string) (<-chan domain.ProgressEvent, func()) {
	ch := make(chan domain.ProgressEvent)
	close(ch)
	return ch, func() {}
}

func (p *progressRecorder) Latest(string) (domain.ProgressEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return domain.ProgressEvent{}, false
	}
	return p.events[len(p.events)-1], true
}

func (p *progressRecorder) all() []domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ProgressEvent, len(p.events))
	copy(out, p.events)
	return out
}

type stubExporter struct {
	mu      sync.Mutex
	exports int
}

func (e *stubExporter) Export(context.Context, *domain.SearchResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exports++
	return nil
}

type searchFixture struct {
	uc       *SearchUseCase
	cache    *memCache
	source   *scriptedSource
	quota    *stubQuota
	refresh  *stubRefreshQueue
	progress *progressRecorder
	exporter *stubExporter
}

func newSearchFixture() *searchFixture {
	source := newScriptedSource("tedx", 1)
	source.records["madrid"] = []domain.Opportunity{{
		ExternalID:  "t-1",
		Source:      "tedx",
		Region:      "madrid",
		Title:       "Bridge maintenance",
		Value:       50000,
		PublishedAt: time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
	}}

	cache := newMemCache()
	quota := &stubQuota{remaining: 10}
	refresh := &stubRefreshQueue{}
	recorder := &progressRecorder{}
	exporter := &stubExporter{}

	orch := NewFetchOrchestrator([]ports.SourceClient{source}, OrchestratorConfig{
		Concurrency:    2,
		RetryPassDelay: time.Millisecond,
	})
	uc := NewSearchUseCase(
		cache, orch,
		NewClassificationArbiter(&stubLLM{accept: true, confidence: 0.9}, time.Second),
		stubCatalog{}, quota, recorder, refresh, exporter,
		SearchConfig{CacheTTL: 15 * time.Minute, DegradedWindow: 5 * time.Minute},
	)

	return &searchFixture{
		uc: uc, cache: cache, source: source,
		quota: quota, refresh: refresh, progress: recorder, exporter: exporter,
	}
}

func searchRequest() domain.SearchRequest {
	return domain.SearchRequest{
		UserID:   "u-1",
		Regions:  []string{"madrid"},
		DateFrom: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		DateTo:   time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC),
		SectorID: "construction",
	}
}

func TestSearchLiveWritesCacheEntryWithInitialAccess(t *testing.T) {
	f := newSearchFixture()
	req := searchRequest()

	result, err := f.uc.Search(context.Background(), "req-1", req)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.FromCache {
		t.Fatalf("first search must be live")
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(result.Records))
	}

	hash, err := req.ParamsHash()
	if err != nil {
		t.Fatalf("params hash: %v", err)
	}
	entry := f.cache.entry(hash, "u-1")
	if entry == nil {
		t.Fatalf("expected cache write-back")
	}
	if entry.AccessCount != 1 {
		t.Fatalf("fresh entry access count = %d, want 1", entry.AccessCount)
	}
	if entry.Tier != domain.TierWarm {
		t.Fatalf("fresh entry tier = %v, want warm", entry.Tier)
	}
	if f.quota.usages != 1 {
		t.Fatalf("quota usages = %d, want 1", f.quota.usages)
	}
	if f.exporter.exports != 1 {
		t.Fatalf("exports = %d, want 1", f.exporter.exports)
	}
}

func TestSearchServesFreshCacheHitWithoutFetching(t *testing.T) {
	f := newSearchFixture()
	req := searchRequest()

	if _, err := f.uc.Search(context.Background(), "req-1", req); err != nil {
		t.Fatalf("first search: %v", err)
	}
	fetchedAfterFirst := f.source.fetched

	result, err := f.uc.Search(context.Background(), "req-2", req)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if !result.FromCache {
		t.Fatalf("second search must hit the cache")
	}
	if result.RequestID != "req-2" {
		t.Fatalf("cached result must carry the new request id, got %q", result.RequestID)
	}
	if f.source.fetched != fetchedAfterFirst {
		t.Fatalf("cache hit must not fetch upstream")
	}
}

func TestSearchForceRefreshReplacesEntry(t *testing.T) {
	f := newSearchFixture()
	req := searchRequest()

	if _, err := f.uc.Search(context.Background(), "req-1", req); err != nil {
		t.Fatalf("first search: %v", err)
	}
	fetchedAfterFirst := f.source.fetched

	req.ForceRefresh = true
	result, err := f.uc.Search(context.Background(), "req-2", req)
	if err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if result.FromCache {
		t.Fatalf("forced refresh must bypass the cache")
	}
	if f.source.fetched <= fetchedAfterFirst {
		t.Fatalf("forced refresh must fetch upstream again")
	}
	if f.cache.puts != 2 {
		t.Fatalf("expected entry replaced, puts = %d", f.cache.puts)
	}
}

func TestSearchDegradedServeOnTotalSourceFailure(t *testing.T) {
	f := newSearchFixture()
	req := searchRequest()

	first, err := f.uc.Search(context.Background(), "req-1", req)
	if err != nil {
		t.Fatalf("first search: %v", err)
	}

	// The cached entry is stale but present when every source dies.
	hash, _ := req.ParamsHash()
	f.cache.mu.Lock()
	entry := f.cache.entries[f.cache.key(hash, "u-1")]
	entry.FetchedAt = time.Now().UTC().Add(-time.Hour)
	f.cache.mu.Unlock()
	f.source.healthErr = errors.New("upstream down")

	result, err := f.uc.Search(context.Background(), "req-2", req)
	if err != nil {
		t.Fatalf("degraded search: %v", err)
	}
	if !result.Degraded || !result.FromCache {
		t.Fatalf("expected degraded cached serve, got %+v", result)
	}
	if result.CacheAgeSeconds <= 0 {
		t.Fatalf("degraded result must expose cache age")
	}
	if len(result.Records) != len(first.Records) {
		t.Fatalf("degraded payload must equal the cached payload")
	}

	marked := f.cache.entry(hash, "u-1")
	if marked.DegradedUntil == nil || marked.FailureStreak != 1 {
		t.Fatalf("expected degraded hold recorded, got %+v", marked)
	}

	events := f.progress.all()
	last := events[len(events)-1]
	if last.Stage != domain.StageDegraded {
		t.Fatalf("terminal stage = %v, want degraded", last.Stage)
	}
}

func TestSearchDegradedHoldSkipsRefetch(t *testing.T) {
	f := newSearchFixture()
	req := searchRequest()

	if _, err := f.uc.Search(context.Background(), "req-1", req); err != nil {
		t.Fatalf("first search: %v", err)
	}
	fetchedAfterFirst := f.source.fetched

	hash, _ := req.ParamsHash()
	hold := time.Now().UTC().Add(2 * time.Minute)
	f.cache.mu.Lock()
	f.cache.entries[f.cache.key(hash, "u-1")].DegradedUntil = &hold
	f.cache.mu.Unlock()

	result, err := f.uc.Search(context.Background(), "req-2", req)
	if err != nil {
		t.Fatalf("hold search: %v", err)
	}
	if !result.Degraded {
		t.Fatalf("hold serve must be marked degraded")
	}
	if f.source.fetched != fetchedAfterFirst {
		t.Fatalf("degraded hold must not refetch upstream")
	}
}

func TestSearchTotalFailureWithoutCache(t *testing.T) {
	f := newSearchFixture()
	f.source.healthErr = errors.New("upstream down")

	_, err := f.uc.Search(context.Background(), "req-1", searchRequest())
	if !domain.IsKind(err, domain.ErrTotalFailure) {
		t.Fatalf("expected ErrTotalFailure, got %v", err)
	}

	events := f.progress.all()
	last := events[len(events)-1]
	if last.Stage != domain.StageError {
		t.Fatalf("terminal stage = %v, want error", last.Stage)
	}
}

func TestSearchQuotaExhausted(t *testing.T) {
	f := newSearchFixture()
	f.quota.remaining = 0

	_, err := f.uc.Search(context.Background(), "req-1", searchRequest())
	if !domain.IsKind(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if f.source.fetched != 0 {
		t.Fatalf("quota rejection must not fetch upstream")
	}
}

func TestSearchQuotaServiceFailureFailsOpen(t *testing.T) {
	f := newSearchFixture()
	f.quota.err = errors.New("metering down")

	result, err := f.uc.Search(context.Background(), "req-1", searchRequest())
	if err != nil {
		t.Fatalf("search must proceed when metering is down: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected live result despite quota outage")
	}
}

func TestSearchInvalidRequestRejected(t *testing.T) {
	f := newSearchFixture()
	req := searchRequest()
	req.Regions = nil

	_, err := f.uc.Search(context.Background(), "req-1", req)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSearchProgressIsMonotonicWithTerminalLast(t *testing.T) {
	f := newSearchFixture()

	if _, err := f.uc.Search(context.Background(), "req-1", searchRequest()); err != nil {
		t.Fatalf("search: %v", err)
	}

	events := f.progress.all()
	if len(events) < 3 {
		t.Fatalf("expected queued/fetching/.../complete sequence, got %d events", len(events))
	}
	prev := -1
	for i, event := range events {
		if event.Progress < prev {
			t.Fatalf("progress regressed at event %d: %d -> %d", i, prev, event.Progress)
		}
		prev = event.Progress
		if event.Stage.Terminal() && i != len(events)-1 {
			t.Fatalf("terminal event %v not last", event.Stage)
		}
	}
	last := events[len(events)-1]
	if last.Stage != domain.StageComplete || last.Progress != 100 {
		t.Fatalf("unexpected terminal event: %+v", last)
	}
}

func TestSearchHotCacheHitEnqueuesRefresh(t *testing.T) {
	f := newSearchFixture()
	req := searchRequest()

	if _, err := f.uc.Search(context.Background(), "req-1", req); err != nil {
		t.Fatalf("first search: %v", err)
	}

	hash, _ := req.ParamsHash()
	f.cache.mu.Lock()
	entry := f.cache.entries[f.cache.key(hash, "u-1")]
	entry.Tier = domain.TierHot
	entry.FetchedAt = time.Now().UTC().Add(-10 * time.Minute) // past TTL/2, still fresh
	f.cache.mu.Unlock()

	result, err := f.uc.Search(context.Background(), "req-2", req)
	if err != nil {
		t.Fatalf("hot hit: %v", err)
	}
	if !result.FromCache {
		t.Fatalf("expected cache hit")
	}
	if len(f.refresh.jobs) != 1 {
		t.Fatalf("expected background refresh enqueued, got %d jobs", len(f.refresh.jobs))
	}
	if f.refresh.jobs[0].ParamsHash != hash {
		t.Fatalf("refresh job hash mismatch")
	}
}

func TestRefreshUpdatesEntryWithoutQuota(t *testing.T) {
	f := newSearchFixture()
	req := searchRequest()
	hash, _ := req.ParamsHash()

	err := f.uc.Refresh(context.Background(), domain.RefreshJob{
		ParamsHash: hash,
		UserID:     "u-1",
		Request:    req,
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if f.cache.entry(hash, "u-1") == nil {
		t.Fatalf("refresh must write the cache entry")
	}
	if f.quota.usages != 0 {
		t.Fatalf("refresh must not meter usage")
	}
}

func TestRefreshFailsWhenNoSourceSucceeds(t *testing.T) {
	f := newSearchFixture()
	f.source.healthErr = errors.New("upstream down")

	err := f.uc.Refresh(context.Background(), domain.RefreshJob{
		ParamsHash: "h", UserID: "u-1", Request: searchRequest(),
	})
	if !domain.IsKind(err, domain.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}
