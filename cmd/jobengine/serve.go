package main

import (
	"context"
	"errors"
	"fmt"
	"jobengine/internal/api"
	"jobengine/internal/config"
	"jobengine/internal/dispatcher"
	"jobengine/internal/health"
	"jobengine/internal/job"
	"jobengine/internal/objectstore"
	"jobengine/internal/observability"
	"jobengine/internal/queue"
	"jobengine/internal/runner"
	"jobengine/internal/runner/docker"
	"jobengine/internal/runner/drm"
	"jobengine/internal/runner/kubernetes"
	"jobengine/internal/runner/local"
	"jobengine/internal/runner/pulsar"
	"jobengine/internal/store"
	"jobengine/internal/tool"
	"jobengine/internal/workflow"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine API, queue and workflow scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func appendRunners[C any, R runner.Runner](runners []runner.Runner, cfgs []C, build func(C) (R, error)) ([]runner.Runner, error) {
	for _, c := range cfgs {
		r, err := build(c)
		if err != nil {
			return runners, err
		}
		runners = append(runners, r)
	}
	return runners, nil
}

// buildRunners constructs every configured backend. Runners built before a
// failure are closed.
func buildRunners(cfg config.RunnersConfig) (*runner.Registry, error) {
	runners, err := appendRunners(nil, cfg.Local, local.New)
	if err == nil {
		runners, err = appendRunners(runners, cfg.Docker, docker.New)
	}
	if err == nil {
		runners, err = appendRunners(runners, cfg.DRM, drm.New)
	}
	if err == nil {
		runners, err = appendRunners(runners, cfg.Kubernetes, kubernetes.New)
	}
	if err == nil {
		runners, err = appendRunners(runners, cfg.Pulsar, pulsar.New)
	}
	if err == nil {
		var reg *runner.Registry
		if reg, err = runner.NewRegistry(runners...); err == nil {
			return reg, nil
		}
	}
	for _, r := range runners {
		r.Close()
	}
	return nil, fmt.Errorf("building runners: %w", err)
}

func serve(ctx context.Context, cfg *config.Config) error {
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	objects, err := objectstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	st, err := store.NewMemory()
	if err != nil {
		return err
	}
	tools, err := tool.LoadRegistry(cfg.Tools)
	if err != nil {
		return err
	}
	dests, err := job.NewDestinations(cfg.Destinations, cfg.ToolDestinations, cfg.DefaultDestination)
	if err != nil {
		return err
	}
	manager, err := job.NewManager(st, objects, tools, dests, cfg.Jobs, metrics)
	if err != nil {
		return err
	}
	runners, err := buildRunners(cfg.Runners)
	if err != nil {
		return err
	}
	defer runners.Close()
	slog.Info("Runners ready", "runners", runners.Names())

	q := queue.New(manager, runners, objects, cfg.Queue, metrics)
	scheduler := workflow.NewScheduler(manager, tools, q, metrics)

	events := dispatcher.NewMemory(cfg.Dispatcher, metrics)
	notifier := job.NewNotifier(events, cfg.Notifier)
	manager.Observe(notifier)
	scheduler.Listen(notifier)
	if cfg.Notifier.URL != "" {
		slog.Info("State change notifications enabled", "url", cfg.Notifier.URL)
	}

	checker := health.NewChecker(
		health.WithTimeout(cfg.API.ReadinessTimeout),
		health.WithCacheTTL(cfg.API.ReadinessCacheTTL),
	).
		Critical("store", health.ReadyFunc(st.Ping)).
		Critical("objectstore", objects)
	for _, rn := range runners.All() {
		checker.Optional("runner:"+rn.Name(), rn)
	}

	if err := q.Recover(ctx); err != nil {
		return err
	}
	if err := scheduler.Recover(ctx); err != nil {
		return err
	}
	q.Start(ctx)

	if cfg.ToolUpdates.URL != "" {
		updates := tool.NewUpdateChecker(tools, cfg.ToolUpdates)
		updates.Start(ctx)
		defer updates.Stop()
	}

	if cfg.API.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no api.api_key configured")
	}
	apiServer := &http.Server{
		Addr: cfg.API.Addr,
		Handler: api.NewRouter(api.RouterConfig{
			JobService:    job.NewService(manager, q),
			Workflows:     scheduler,
			Store:         st,
			Objects:       objects,
			Metrics:       metrics,
			HealthChecker: checker,
			APIKey:        cfg.API.APIKey,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         cfg.API.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	listen := func(name string, srv *http.Server) {
		g.Go(func() error {
			slog.Info("Starting "+name+" server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}
	listen("API", apiServer)
	listen("metrics", metricsServer)

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("Received shutdown signal")
		}

		// Fail readiness first so load balancers stop routing to us
		checker.SetShuttingDown()
		if cfg.API.ShutdownDrainWait > 0 && ctx.Err() != nil {
			slog.Info("Waiting for traffic to drain", "duration", cfg.API.ShutdownDrainWait)
			time.Sleep(cfg.API.ShutdownDrainWait)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}
		if err := q.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Queue shutdown incomplete", "error", err)
		}

		slog.Info("Draining notification dispatcher")
		if err := events.Close(shutdownCtx); err != nil {
			slog.Warn("Dispatcher shutdown error", "error", err)
		}
		stats := events.Stats()
		slog.Info("Dispatcher stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
		return nil
	})

	err = g.Wait()
	slog.Info("Shutdown complete")
	return err
}
