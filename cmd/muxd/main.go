package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/telchar/muxd/internal/adapters/docker"
	"github.com/telchar/muxd/internal/adapters/duckdb"
	"github.com/telchar/muxd/internal/adapters/ffmpeg"
	appconfig "github.com/telchar/muxd/internal/config"
	"github.com/telchar/muxd/internal/core/ports"
	"github.com/telchar/muxd/internal/core/services"
	"github.com/telchar/muxd/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting muxd")

	if err := run(logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	// Local development convenience; absent .env is fine.
	if err := godotenv.Load(); err == nil {
		logger.Info("loaded .env")
	}

	cfg, err := appconfig.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	repo, err := duckdb.NewRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	eventBus := services.NewEventBus(logger)
	workspaces := services.NewWorkspaceManager(cfg.WorkspaceDir, cfg.MaxWorkspaces)

	results, err := services.NewResultStore(cfg.ResultsDir, cfg.StorageLimit)
	if err != nil {
		return fmt.Errorf("failed to init result store: %w", err)
	}

	invoker, err := buildInvoker(logger, cfg, eventBus)
	if err != nil {
		return fmt.Errorf("failed to init invoker: %w", err)
	}

	orchestrator := services.NewOrchestrator(logger, workspaces, invoker, repo, results, eventBus, cfg.JobDeadline)
	pool := services.NewPool(logger, orchestrator, repo, eventBus, cfg.PoolWidth, cfg.QueueCapacity)
	janitor := services.NewJanitor(logger, workspaces, results, cfg.SweepInterval, cfg.ArtifactRetention)

	// Reclaim whatever a previous process left behind before serving.
	if n, err := workspaces.SweepOrphans(); err != nil {
		return fmt.Errorf("startup workspace sweep failed: %w", err)
	} else if n > 0 {
		logger.Info("removed leftover workspaces", "count", n)
	}

	contract, err := kernel.LoadContract(ctx)
	if err != nil {
		return fmt.Errorf("failed to load api contract: %w", err)
	}

	apiServer := kernel.NewServer(logger, pool, repo, results, eventBus, workspaces, contract, cfg.SpoolDir)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: c.Handler(apiServer.Handler()),
		// Long read timeout: uploads of large media files.
		ReadTimeout: 10 * time.Minute,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Run(gCtx)
	})

	g.Go(func() error {
		return janitor.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.Addr, "workers", cfg.PoolWidth, "deadline", cfg.JobDeadline)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildInvoker selects the execution backend from config.
func buildInvoker(logger *slog.Logger, cfg appconfig.Config, events *services.EventBus) (ports.Invoker, error) {
	switch cfg.Runner {
	case appconfig.RunnerDocker:
		return docker.NewInvoker(logger, cfg.ToolImage, cfg.ToolPath, cfg.ToolArgs)
	default:
		toolPath := ffmpeg.ResolveToolPath(cfg.ToolPath)
		logger.Info("using native transcoder", "tool", toolPath)
		return ffmpeg.NewInvoker(logger, toolPath, cfg.ToolArgs, events.PublishProgress), nil
	}
}
