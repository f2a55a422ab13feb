package httpsource

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/procurelens/tendersearch/internal/core/domain"
	"github.com/procurelens/tendersearch/internal/infrastructure/resilience"
)

// Client talks to one upstream opportunity provider. It applies a
// per-source rate limit, retry with jittered backoff, a request-level
// timeout and a per-source circuit breaker.
type Client struct {
	cfg        SourceConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	executor   *resilience.Executor
}

func New(cfg SourceConfig, executor *resilience.Executor) *Client {
	cfg = cfg.normalize()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		executor:   executor,
	}
}

func (c *Client) Name() string  { return c.cfg.Name }
func (c *Client) Priority() int { return c.cfg.Priority }

func (c *Client) Fetch(ctx context.Context, region string, req domain.SearchRequest) (domain.RecordBatch, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.RecordBatch{}, fmt.Errorf("rate limit wait: %w", err)
	}

	var response wireResponse
	call := func(ctx context.Context) error {
		return c.getJSON(ctx, "/v1/opportunities", c.searchQuery(region, req), &response, "search")
	}

	err := c.executor.Execute(ctx, c.cfg.Name, call, classifySourceError)
	if err != nil {
		return domain.RecordBatch{}, wrapUnavailableIfNeeded(c.cfg.Name, err)
	}

	fetchedAt := time.Now().UTC()
	batch := domain.RecordBatch{
		Source:    c.cfg.Name,
		Region:    region,
		FetchedAt: fetchedAt,
		Records:   make([]domain.Opportunity, 0, len(response.Records)),
	}
	for _, rec := range response.Records {
		batch.Records = append(batch.Records, rec.toDomain(c.cfg.Name, region, fetchedAt))
	}
	return batch, nil
}

// Healthy issues the single cheap canary probe. It bypasses retry so a
// down source is detected in one round trip, but an open breaker still
// short-circuits without any network call.
func (c *Client) Healthy(ctx context.Context) error {
	if c.Health().State == domain.BreakerOpen {
		return domain.WrapError(domain.ErrSourceUnavailable, "canary "+c.cfg.Name,
			fmt.Errorf("circuit open"))
	}

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.cfg.BaseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("create canary request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.WrapError(domain.ErrSourceUnavailable, "canary "+c.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return domain.WrapError(domain.ErrSourceUnavailable, "canary "+c.cfg.Name,
			fmt.Errorf("status %s", resp.Status))
	}
	return nil
}

func (c *Client) Health() domain.SourceHealth {
	snap := c.executor.Snapshot(c.cfg.Name)
	return domain.SourceHealth{
		Source:   c.cfg.Name,
		State:    breakerStateToDomain(snap.State),
		Failures: int(snap.ConsecutiveFailures),
		OpenedAt: snap.OpenedAt,
	}
}

func (c *Client) searchQuery(region string, req domain.SearchRequest) url.Values {
	n := req.Normalized()
	query := url.Values{}
	query.Set("region", region)
	query.Set("date_from", n.DateFrom.Format("2006-01-02"))
	query.Set("date_to", n.DateTo.Format("2006-01-02"))
	if n.SectorID != "" {
		query.Set("sector", n.SectorID)
	}
	if len(n.Terms) > 0 {
		query.Set("terms", strings.Join(n.Terms, ","))
	}
	if n.MinValue > 0 {
		query.Set("min_value", strconv.FormatFloat(n.MinValue, 'f', 2, 64))
	}
	if n.MaxValue > 0 {
		query.Set("max_value", strconv.FormatFloat(n.MaxValue, 'f', 2, 64))
	}
	return query
}
