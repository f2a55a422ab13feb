package httpsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
	"github.com/procurelens/tendersearch/internal/infrastructure/resilience"
)

func testRequest() domain.SearchRequest {
	return domain.SearchRequest{
		UserID:   "u-1",
		Regions:  []string{"sp"},
		DateFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		DateTo:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		SectorID: "construction",
	}
}

func newTestClient(baseURL string, retries int) *Client {
	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:        retries,
		RetryInitialBackoff:     time.Millisecond,
		RetryMaxBackoff:         2 * time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerFailureThreshold: 2,
		BreakerCooldown:         time.Minute,
	})
	return New(SourceConfig{
		Name:    "testsrc",
		BaseURL: baseURL,
		RPS:     1000,
		Burst:   1000,
		Timeout: 2 * time.Second,
	}, exec)
}

func TestFetchDecodesRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/opportunities" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("region"); got != "sp" {
			t.Errorf("expected region=sp, got %q", got)
		}
		if got := r.URL.Query().Get("sector"); got != "construction" {
			t.Errorf("expected sector=construction, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"id":"opp-1","title":"Bridge works","value":1200.5,"region":"sp"}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1)
	batch, err := client.Fetch(context.Background(), "sp", testRequest())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(batch.Records))
	}
	rec := batch.Records[0]
	if rec.ExternalID != "opp-1" || rec.Source != "testsrc" || rec.Region != "sp" {
		t.Fatalf("unexpected record mapping: %+v", rec)
	}
	if rec.FetchedAt.IsZero() {
		t.Fatalf("expected fetched_at to be stamped")
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"records":[]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL, 3)
	if _, err := client.Fetch(context.Background(), "sp", testRequest()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 3)
	_, err := client.Fetch(context.Background(), "sp", testRequest())
	if err == nil {
		t.Fatalf("expected error for 400 response")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call for a non-retryable status, got %d", calls.Load())
	}
}

func TestFetchTerminalFailureMapsToSourceUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 2)
	_, err := client.Fetch(context.Background(), "sp", testRequest())
	if !domain.IsKind(err, domain.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestOpenBreakerShortCircuitsFetchAndCanary(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	// Threshold 2, retries 1: two failing fetches open the circuit.
	client := newTestClient(server.URL, 1)
	for i := 0; i < 2; i++ {
		if _, err := client.Fetch(context.Background(), "sp", testRequest()); err == nil {
			t.Fatalf("expected failure %d", i)
		}
	}
	if client.Health().State != domain.BreakerOpen {
		t.Fatalf("expected open breaker, got %s", client.Health().State)
	}

	before := calls.Load()
	_, err := client.Fetch(context.Background(), "sp", testRequest())
	if !domain.IsKind(err, domain.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable while open, got %v", err)
	}
	if err := client.Healthy(context.Background()); !domain.IsKind(err, domain.ErrSourceUnavailable) {
		t.Fatalf("expected canary to fail fast while open, got %v", err)
	}
	if calls.Load() != before {
		t.Fatalf("open circuit must not reach the network, calls went %d -> %d", before, calls.Load())
	}
}

func TestHealthyProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected canary path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 1)
	if err := client.Healthy(context.Background()); err != nil {
		t.Fatalf("expected healthy probe to pass, got %v", err)
	}
}
