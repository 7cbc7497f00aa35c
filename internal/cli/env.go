package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/posync/internal/config"
	"github.com/roach88/posync/internal/engine"
	"github.com/roach88/posync/internal/metrics"
	"github.com/roach88/posync/internal/remote"
	"github.com/roach88/posync/internal/store"
)

// runtime is the wired service stack behind one command invocation.
type runtime struct {
	cfg     *config.Config
	store   *store.Store
	svc     *engine.Service
	metrics *metrics.Metrics
	logger  *slog.Logger
	out     *OutputFormatter
}

// loadConfig loads the config file and applies flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DatabasePath = opts.Database
	}
	return cfg, nil
}

// newLogger builds a slog logger for cfg. verbose forces debug level.
func newLogger(w io.Writer, cfg config.LogConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hopts := &slog.HandlerOptions{Level: level}
	if verbose {
		hopts.Level = slog.LevelDebug
		hopts.AddSource = true
	}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// openRuntime wires config, store, remote client, metrics and service.
func openRuntime(opts *RootOptions, cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	client := remote.NewClient(cfg.Remote.URL,
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithLogger(logger),
	)
	m := metrics.New()

	svcOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithSettings(cfg.EngineSettings()),
		engine.WithCacheOptions(cfg.CacheOptions()...),
	}
	if opts.Clock != nil {
		svcOpts = append(svcOpts, engine.WithClock(opts.Clock))
	}
	if opts.IDs != nil {
		svcOpts = append(svcOpts, engine.WithIDGenerator(opts.IDs))
	}

	logger.Debug("runtime ready", "db", cfg.DatabasePath, "remote", cfg.Remote.URL)
	return &runtime{
		cfg:     cfg,
		store:   st,
		svc:     engine.New(st, client, svcOpts...),
		metrics: m,
		logger:  logger,
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}, nil
}

func (r *runtime) Close() error {
	if err := r.store.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRuntime runs fn against a freshly opened runtime and closes it after.
// Diagnostics go to stderr as text.
func withRuntime(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), config.LogConfig{Level: cfg.Log.Level, Format: "text"}, opts.Verbose)

	rt, err := openRuntime(opts, cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	rt.out.VerboseLog("using database %s", cfg.DatabasePath)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, rt)
}
