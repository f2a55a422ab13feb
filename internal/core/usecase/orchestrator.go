package usecase

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
	"github.com/procurelens/tendersearch/internal/core/ports"
)

// OrchestratorConfig carries the fan-out tunables. Defaults follow the
// documented operational values.
type OrchestratorConfig struct {
	// Concurrency bounds simultaneous in-flight fetches across all
	// (region, source) tasks of one request.
	Concurrency int
	// RetryPassDelay is the fixed wait before failed tasks get their
	// single second chance.
	RetryPassDelay time.Duration
}

func (c OrchestratorConfig) normalize() OrchestratorConfig {
	out := c
	if out.Concurrency <= 0 {
		out.Concurrency = 10
	}
	if out.RetryPassDelay <= 0 {
		out.RetryPassDelay = 5 * time.Second
	}
	return out
}

// TaskHook observes task completion for progress reporting.
type TaskHook func(outcome domain.SourceOutcome, done, total int)

// FetchOrchestrator fans one search request out across every selected
// (region, source) pair under a bounded worker pool. Task failures are
// independent: the request completes with whatever partial data exists.
type FetchOrchestrator struct {
	sources []ports.SourceClient
	cfg     OrchestratorConfig
}

func NewFetchOrchestrator(sources []ports.SourceClient, cfg OrchestratorConfig) *FetchOrchestrator {
	return &FetchOrchestrator{sources: sources, cfg: cfg.normalize()}
}

type fetchTask struct {
	source ports.SourceClient
	region string
}

type taskResult struct {
	task    fetchTask
	batch   domain.RecordBatch
	outcome domain.SourceOutcome
}

// Run executes the full fan-out: canary pass, first dispatch pass, then
// exactly one delayed retry pass over the failures. The aggregated batch
// is returned even when every task failed; the caller decides between
// degraded serve and total failure from the coverage.
func (o *FetchOrchestrator) Run(ctx context.Context, req domain.SearchRequest, hook TaskHook) (domain.AggregatedBatch, error) {
	started := time.Now()
	n := req.Normalized()

	live, canaryFailed := o.canaryPass(ctx)

	tasks := make([]fetchTask, 0, len(live)*len(n.Regions))
	for _, src := range live {
		for _, region := range n.Regions {
			tasks = append(tasks, fetchTask{source: src, region: region})
		}
	}

	total := len(tasks) + len(canaryFailed)*len(n.Regions)
	done := 0
	report := func(outcome domain.SourceOutcome) {
		done++
		if hook != nil {
			hook(outcome, done, total)
		}
	}

	outcomes := make([]domain.SourceOutcome, 0, total)
	var batches []domain.RecordBatch

	// Sources that failed the canary are pre-marked failed for every
	// region without spending worker slots on them.
	for _, fail := range canaryFailed {
		for _, region := range n.Regions {
			outcome := domain.SourceOutcome{Source: fail.name, Region: region, Error: fail.reason}
			outcomes = append(outcomes, outcome)
			report(outcome)
		}
	}

	var failures []taskResult
	for _, res := range o.dispatchPass(ctx, n, tasks, 1) {
		if res.outcome.OK {
			batches = append(batches, res.batch)
			outcomes = append(outcomes, res.outcome)
			report(res.outcome)
			continue
		}
		failures = append(failures, res)
	}

	// One delayed retry pass absorbs transient blips without doubling
	// total latency on a systemic outage.
	if len(failures) > 0 && ctx.Err() == nil && sleepCtx(ctx, o.cfg.RetryPassDelay) {
		retryTasks := make([]fetchTask, 0, len(failures))
		for _, res := range failures {
			retryTasks = append(retryTasks, res.task)
		}
		for _, res := range o.dispatchPass(ctx, n, retryTasks, 2) {
			if res.outcome.OK {
				batches = append(batches, res.batch)
			}
			outcomes = append(outcomes, res.outcome)
			report(res.outcome)
		}
	} else {
		for _, res := range failures {
			outcomes = append(outcomes, res.outcome)
			report(res.outcome)
		}
	}

	return domain.AggregatedBatch{
		Records:       o.dedupe(batches),
		Coverage:      buildCoverage(n.Regions, outcomes),
		FetchDuration: time.Since(started),
	}, ctx.Err()
}

type canaryFailure struct {
	name   string
	reason string
}

// canaryPass cheaply excludes sources that are clearly down before the
// full fan-out: an already open breaker short-circuits without any
// network call, otherwise a single probe decides.
func (o *FetchOrchestrator) canaryPass(ctx context.Context) ([]ports.SourceClient, []canaryFailure) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	live := make([]ports.SourceClient, 0, len(o.sources))
	var failed []canaryFailure

	for _, src := range o.sources {
		if src.Health().State == domain.BreakerOpen {
			failed = append(failed, canaryFailure{name: src.Name(), reason: "circuit open"})
			continue
		}
		wg.Add(1)
		go func(src ports.SourceClient) {
			defer wg.Done()
			if err := src.Healthy(ctx); err != nil {
				slog.Warn("source_canary_failed", "source", src.Name(), "error", err)
				mu.Lock()
				failed = append(failed, canaryFailure{name: src.Name(), reason: "canary failed: " + err.Error()})
				mu.Unlock()
				return
			}
			mu.Lock()
			live = append(live, src)
			mu.Unlock()
		}(src)
	}
	wg.Wait()

	sort.Slice(live, func(i, j int) bool { return live[i].Priority() < live[j].Priority() })
	sort.Slice(failed, func(i, j int) bool { return failed[i].name < failed[j].name })
	return live, failed
}

// dispatchPass runs tasks under the bounded worker pool. Cancellation
// stops further dispatch; tasks already in flight drain on their own and
// release their slots as they return.
func (o *FetchOrchestrator) dispatchPass(
	ctx context.Context,
	req domain.SearchRequest,
	tasks []fetchTask,
	attempt int,
) []taskResult {
	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]taskResult, 0, len(tasks))

	for _, task := range tasks {
		if ctx.Err() != nil {
			mu.Lock()
			results = append(results, taskResult{
				task: task,
				outcome: domain.SourceOutcome{
					Source: task.source.Name(), Region: task.region,
					Attempts: attempt, Error: "cancelled",
				},
			})
			mu.Unlock()
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(task fetchTask) {
			defer wg.Done()
			defer func() { <-sem }()

			taskStart := time.Now()
			batch, err := task.source.Fetch(ctx, task.region, req)
			outcome := domain.SourceOutcome{
				Source:     task.source.Name(),
				Region:     task.region,
				Attempts:   attempt,
				DurationMS: time.Since(taskStart).Milliseconds(),
			}
			if err != nil {
				outcome.Error = err.Error()
			} else {
				outcome.OK = true
				outcome.Records = len(batch.Records)
			}

			mu.Lock()
			results = append(results, taskResult{task: task, batch: batch, outcome: outcome})
			mu.Unlock()
		}(task)
	}
	wg.Wait()

	return results
}

// dedupe merges batches by stable external identifier. On duplicates the
// higher-priority source wins; priority ties go to the fresher fetch.
func (o *FetchOrchestrator) dedupe(batches []domain.RecordBatch) []domain.Opportunity {
	priorities := make(map[string]int, len(o.sources))
	for _, src := range o.sources {
		priorities[src.Name()] = src.Priority()
	}

	byID := make(map[string]domain.Opportunity)
	order := make([]string, 0)
	for _, batch := range batches {
		for _, rec := range batch.Records {
			if rec.FetchedAt.IsZero() {
				rec.FetchedAt = batch.FetchedAt
			}
			existing, ok := byID[rec.ExternalID]
			if !ok {
				byID[rec.ExternalID] = rec
				order = append(order, rec.ExternalID)
				continue
			}
			if betterRecord(rec, existing, priorities) {
				byID[rec.ExternalID] = rec
			}
		}
	}

	out := make([]domain.Opportunity, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func betterRecord(candidate, existing domain.Opportunity, priorities map[string]int) bool {
	cp, ep := priorities[candidate.Source], priorities[existing.Source]
	if cp != ep {
		return cp < ep
	}
	return candidate.FetchedAt.After(existing.FetchedAt)
}

func buildCoverage(regions []string, outcomes []domain.SourceOutcome) domain.Coverage {
	regionOK := make(map[string]bool, len(regions))
	sourceOK := make(map[string]bool)
	sourceSeen := make(map[string]bool)
	succeeded := 0

	for _, outcome := range outcomes {
		sourceSeen[outcome.Source] = true
		if outcome.OK {
			succeeded++
			regionOK[outcome.Region] = true
			sourceOK[outcome.Source] = true
		}
	}

	coverage := domain.Coverage{
		RequestedRegions: regions,
		Outcomes:         outcomes,
	}
	for _, region := range regions {
		if !regionOK[region] {
			coverage.FailedRegions = append(coverage.FailedRegions, region)
		}
	}
	for source := range sourceSeen {
		if sourceOK[source] {
			coverage.SourcesOK = append(coverage.SourcesOK, source)
		} else {
			coverage.SourcesFailed = append(coverage.SourcesFailed, source)
		}
	}
	sort.Strings(coverage.SourcesOK)
	sort.Strings(coverage.SourcesFailed)

	if len(outcomes) > 0 {
		coverage.Pct = 100 * float64(succeeded) / float64(len(outcomes))
	}
	return coverage
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
