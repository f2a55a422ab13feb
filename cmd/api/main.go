package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/procurelens/tendersearch/internal/adapters/http"
	"github.com/procurelens/tendersearch/internal/bootstrap"
	"github.com/procurelens/tendersearch/internal/config"
	"github.com/procurelens/tendersearch/internal/observability/logging"
	"github.com/procurelens/tendersearch/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("search-api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	// Mirror progress events from the other API instances into the local
	// registry so SSE subscribers can be connected to any node.
	go func() {
		if err := app.Queue.SubscribeProgress(ctx, app.Progress.Publish); err != nil {
			slog.Error("progress mirror stopped", "error", err)
		}
	}()

	serverMetrics := metrics.NewHTTPServerMetrics("search-api")
	app.Breakers.OnStateChange(func(operation, _, to string) {
		serverMetrics.RecordBreakerTransition("search-api", operation, to)
	})
	router := httpadapter.NewRouter(app.SearchUC, app.AdminUC, app.Progress, serverMetrics, httpadapter.RouterConfig{
		RateLimitRPS:   cfg.APIRateLimitRPS,
		RateLimitBurst: cfg.APIRateLimitBurst,
	}).Handler()

	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // SSE streams outlive normal requests
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("api listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("api shutdown error: %v", err)
	}
}
