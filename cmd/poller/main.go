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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"wx-dispatch/internal/app"
	"wx-dispatch/internal/config"
	"wx-dispatch/internal/poller"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "poller",
		Short:        "Weather bot dispatcher using Telegram long polling",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newRunCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	var (
		workers     int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll for updates and dispatch them until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if cmd.Flags().Changed("workers") {
				cfg.PollWorkers = workers
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			slog.SetDefault(config.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, false))
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "number of dispatch workers (overrides POLL_WORKERS)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for /metrics, empty to disable (overrides METRICS_ADDR)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("failed to close store", "err", err)
		}
	}()

	p, err := poller.New(a.Telegram, a.Relay,
		poller.WithWorkers(cfg.PollWorkers),
		poller.WithPollTimeout(cfg.PollTimeout),
	)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr)
		defer stop()
	}
	return p.Run(ctx)
}

func serveMetrics(addr string) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "err", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
