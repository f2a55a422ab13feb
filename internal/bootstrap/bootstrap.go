package bootstrap

import (
	"context"
	"fmt"

	"github.com/procurelens/tendersearch/internal/config"
	"github.com/procurelens/tendersearch/internal/core/domain"
	"github.com/procurelens/tendersearch/internal/core/ports"
	"github.com/procurelens/tendersearch/internal/core/usecase"
	"github.com/procurelens/tendersearch/internal/infrastructure/export"
	"github.com/procurelens/tendersearch/internal/infrastructure/llm/ollama"
	"github.com/procurelens/tendersearch/internal/infrastructure/progress"
	"github.com/procurelens/tendersearch/internal/infrastructure/queue/nats"
	"github.com/procurelens/tendersearch/internal/infrastructure/quota"
	"github.com/procurelens/tendersearch/internal/infrastructure/repository/postgres"
	"github.com/procurelens/tendersearch/internal/infrastructure/resilience"
	"github.com/procurelens/tendersearch/internal/infrastructure/sector"
	"github.com/procurelens/tendersearch/internal/infrastructure/source/httpsource"
)

type App struct {
	Config config.Config

	Queue    *nats.Queue
	Progress *progress.Registry
	Sources  []ports.SourceClient
	Breakers *resilience.Executor

	SearchUC *usecase.SearchUseCase
	AdminUC  *usecase.CacheAdminUseCase

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	cache := postgres.NewCacheRepository(db, cfg.CachePerUserCapacity, domain.DefaultTierPolicy())
	if err := cache.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	queue, err := nats.New(cfg.NATSURL, cfg.NATSRefreshSubject, cfg.NATSProgressSubject)
	if err != nil {
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	catalog, err := sector.Load(cfg.SectorCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load sector catalog: %w", err)
	}

	sourceCfgs, err := httpsource.LoadSources(cfg.SourcesConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load sources roster: %w", err)
	}

	executor := resilience.NewExecutor(resilience.Config{
		BreakerEnabled:          true,
		BreakerFailureThreshold: uint32(cfg.BreakerFailureThreshold),
		BreakerCooldown:         cfg.BreakerCooldown,
	})

	sources := make([]ports.SourceClient, 0, len(sourceCfgs))
	for _, sc := range sourceCfgs {
		if sc.Timeout == 0 {
			sc.Timeout = cfg.SourceTimeout
		}
		sources = append(sources, httpsource.New(sc, executor))
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, executor)
	classifier := ollama.NewClassifier(ollamaClient)

	registry := progress.NewRegistry(cfg.ProgressTTL, nil)
	broadcaster := &mirroredBroadcaster{registry: registry, queue: queue}

	var quotaSvc ports.QuotaService
	if cfg.QuotaServiceURL != "" {
		quotaSvc = quota.New(cfg.QuotaServiceURL)
	}
	var exporter ports.Exporter
	if cfg.ExportServiceURL != "" {
		exporter = export.New(cfg.ExportServiceURL)
	}

	orch := usecase.NewFetchOrchestrator(sources, usecase.OrchestratorConfig{
		Concurrency:    cfg.FetchConcurrency,
		RetryPassDelay: cfg.RetryPassDelay,
	})
	arbiter := usecase.NewClassificationArbiter(classifier, cfg.LLMTimeout)

	searchUC := usecase.NewSearchUseCase(
		cache, orch, arbiter, catalog, quotaSvc, broadcaster, queue, exporter,
		usecase.SearchConfig{
			CacheTTL:       cfg.CacheTTL,
			DegradedWindow: cfg.DegradedWindow,
		},
	)
	adminUC := usecase.NewCacheAdminUseCase(cache, sources)

	return &App{
		Config:   cfg,
		Queue:    queue,
		Progress: registry,
		Sources:  sources,
		Breakers: executor,
		SearchUC: searchUC,
		AdminUC:  adminUC,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// mirroredBroadcaster publishes every local progress event to the other
// API instances as well, so an SSE subscriber can be connected to any
// node. Subscriptions and polling stay local; remote events arrive via
// Queue.SubscribeProgress feeding the registry.
type mirroredBroadcaster struct {
	registry *progress.Registry
	queue    *nats.Queue
}

func (b *mirroredBroadcaster) Publish(event domain.ProgressEvent) {
	b.registry.Publish(event)
	b.queue.PublishProgress(event)
}

func (b *mirroredBroadcaster) Subscribe(requestID string) (<-chan domain.ProgressEvent, func()) {
	return b.registry.Subscribe(requestID)
}

func (b *mirroredBroadcaster) Latest(requestID string) (domain.ProgressEvent, bool) {
	return b.registry.Latest(requestID)
}
