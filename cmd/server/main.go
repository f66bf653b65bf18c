// Command server starts the blogger intelligence service: HTTP control
// plane, polling worker and scheduler in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/fairyhunter13/blogger-intel/internal/adapter/httpserver"
	openaicli "github.com/fairyhunter13/blogger-intel/internal/adapter/ai/openai"
	"github.com/fairyhunter13/blogger-intel/internal/adapter/observability"
	"github.com/fairyhunter13/blogger-intel/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/blogger-intel/internal/adapter/scraper/hikerapi"
	"github.com/fairyhunter13/blogger-intel/internal/adapter/scraper/stub"
	"github.com/fairyhunter13/blogger-intel/internal/adapter/storage/supabase"
	"github.com/fairyhunter13/blogger-intel/internal/app"
	"github.com/fairyhunter13/blogger-intel/internal/config"
	"github.com/fairyhunter13/blogger-intel/internal/domain"
	"github.com/fairyhunter13/blogger-intel/internal/embed"
	"github.com/fairyhunter13/blogger-intel/internal/match"
	"github.com/fairyhunter13/blogger-intel/internal/pipeline"
	"github.com/fairyhunter13/blogger-intel/internal/usecase"
	"github.com/fairyhunter13/blogger-intel/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	taskRepo := postgres.NewTaskRepo(pool)
	blogRepo := postgres.NewBlogRepo(pool)
	contentRepo := postgres.NewContentRepo(pool)
	taxonomyRepo := postgres.NewTaxonomyRepo(pool)
	cleanupSvc := postgres.NewCleanupService(pool, 90)

	// Scraping backend
	var sc domain.Scraper
	switch cfg.ScraperBackend {
	case "stub":
		sc = stub.New()
		slog.Info("using stub scraping backend")
	default:
		sc = hikerapi.New(cfg.HikerAPIURL, cfg.HikerAPIToken)
	}

	// Object storage for profile imagery
	var images domain.ImageStore
	if cfg.SupabaseURL != "" {
		store := supabase.NewStore(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseBucket)
		images = supabase.NewImageStore(store)
	} else {
		slog.Warn("object storage not configured, keeping source image URLs")
	}

	// AI provider: batch analysis + embeddings
	aiClient := openaicli.New(cfg)
	matcher := match.New(taxonomyRepo)
	embeds := embed.NewGenerator(aiClient)

	pipe, err := pipeline.New(cfg, taskRepo, blogRepo, contentRepo, aiClient, matcher, embeds)
	if err != nil {
		slog.Error("pipeline init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Usecases + HTTP surface
	taskSvc := usecase.NewTaskService(taskRepo, blogRepo, cfg.FreshnessWindow)
	srv := httpserver.NewServer(taskSvc)
	handler := app.BuildRouter(cfg, srv)

	// Background loops
	handlers := worker.NewHandlers(cfg, taskRepo, blogRepo, contentRepo, sc, images)
	wrk := worker.New(cfg, taskRepo, handlers)
	workerDone := make(chan struct{})
	go func() {
		wrk.Run(ctx)
		close(workerDone)
	}()

	sched := app.NewScheduler(cfg, taskRepo, blogRepo, images, pipe, matcher, embeds, cleanupSvc)
	if err := sched.Start(ctx); err != nil {
		slog.Error("scheduler start failed", slog.Any("error", err))
		os.Exit(1)
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelShutdown()
	_ = srvHTTP.Shutdown(shutdownCtx)
	sched.Stop()
	cancel()
	<-workerDone // Run drains in-flight tasks within its grace period
}
