package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/posync/internal/engine"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	MetricsAddr string // overrides metrics.listenAddress
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background scheduler and connectivity monitor",
		Long: `Run the sync engine until interrupted.

The connectivity monitor probes the remote on its interval and, on every
offline to online transition, invalidates cached data and triggers an
immediate scheduler pass. The scheduler recovers stale work, retries due
transactions, drains queues, sweeps the cache and purges old records.

Examples:
  posync serve --config posync.yaml
  posync serve --db ./pos.db --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.ListenAddress = opts.MetricsAddr
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)

	rt, err := openRuntime(opts.RootOptions, cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()
	logger.Info("database ready", "db", cfg.DatabasePath)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.ListenAddress != "" {
		metricsServer = startMetricsServer(cfg.Metrics.ListenAddress, rt, cancel)
	}

	scheduler := engine.NewScheduler(rt.svc, cfg.Scheduler.Interval)
	monitor := engine.NewMonitor(rt.svc, scheduler, cfg.Monitor.Interval)
	monitor.Start(ctx)
	scheduler.Start(ctx)

	logger.Info("engine started",
		"scheduler_interval", cfg.Scheduler.Interval,
		"monitor_interval", cfg.Monitor.Interval,
		"remote", cfg.Remote.URL,
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync engine started. Press Ctrl-C to stop.")

	<-ctx.Done()

	monitor.Stop()
	scheduler.Stop()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down metrics server", "error", err)
		}
		shutdownCancel()
	}

	logger.Info("engine stopped gracefully")
	return nil
}

// startMetricsServer serves rt's collectors on addr/metrics. A listener
// failure cancels the serve loop.
func startMetricsServer(addr string, rt *runtime, cancel context.CancelFunc) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.metrics.Register(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	rt.logger.Info("serving prometheus metrics on "+addr, "component", "metrics")
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("failed to start metrics listener", "component", "metrics", "error", err)
			cancel()
		}
	}()
	return server
}
