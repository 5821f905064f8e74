// job-agent executes jobs on behalf of a remote jobengine using the local runner.
package main

import (
	"context"
	"errors"
	"fmt"
	"jobengine/internal/agent"
	"jobengine/internal/runner/local"
	remote "jobengine/internal/runner/pulsar"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := rootCmd().Execute(); err != nil {
		slog.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "job-agent",
		Short:        "Run jobs for a remote jobengine",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := agent.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "agent configuration file (YAML)")
	return cmd
}

func run(ctx context.Context, cfg *agent.Config) error {
	r, err := local.New(cfg.Runner)
	if err != nil {
		return err
	}
	defer r.Close()

	opts := cfg.Options()
	var mq *remote.AgentMQ
	if cfg.Pulsar.URL != "" {
		mq, err = remote.NewAgentMQ(cfg.Pulsar)
		if err != nil {
			return err
		}
		defer mq.Close()
		opts.Publisher = mq
	}

	a := agent.New(r, opts)
	a.Start(ctx)
	defer a.Stop()

	if cfg.APIKey == "" {
		slog.Warn("API authentication disabled - no api_key configured")
	}
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      agent.NewRouter(a, cfg.APIKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting agent API server", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if mq != nil {
		g.Go(func() error {
			slog.Info("Consuming job requests from Pulsar", "url", cfg.Pulsar.URL, "prefix", cfg.Pulsar.TopicPrefix)
			mq.Run(gctx, a)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("Received shutdown signal")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Agent server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	// Job processes run in their own process groups and outlive the agent.
	slog.Info("Shutdown complete")
	return err
}
