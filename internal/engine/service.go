package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/posync/internal/cache"
	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/metrics"
	"github.com/roach88/posync/internal/remote"
	"github.com/roach88/posync/internal/store"
)

// Remote is the network primitive to the system of record.
// Implemented by remote.Client (production) and testutil.ScriptedRemote (tests).
type Remote interface {
	SyncTransaction(ctx context.Context, req remote.TransactionRequest) (remote.Confirmation, error)
	ProcessItem(ctx context.Context, req remote.ItemRequest) (remote.Confirmation, error)
	Health(ctx context.Context) error
}

// Default settings.
const (
	DefaultOverflowThreshold    = 1000
	DefaultKeepRecent           = 500
	DefaultTransactionRetention = 30 * 24 * time.Hour
	DefaultQueueRetention       = 7 * 24 * time.Hour
	DefaultStaleAttemptTimeout  = 10 * time.Minute
	DefaultBatchSize            = 100
)

// Settings holds the tunables of the engine.
type Settings struct {
	// TransactionPolicy bounds transaction sync retries.
	TransactionPolicy domain.RetryPolicy

	// QueuePolicy bounds queue item retries. Independent of TransactionPolicy.
	QueuePolicy domain.RetryPolicy

	// IdempotencyWindow is the timestamp bucket of idempotency keys.
	// Zero drops the timestamp from the key.
	IdempotencyWindow time.Duration

	// OverflowThreshold is the queued count per owner above which the oldest
	// queued items are archived on enqueue, keeping KeepRecent.
	OverflowThreshold int
	KeepRecent        int

	// Retention windows for the only hard-delete paths.
	TransactionRetention time.Duration
	QueueRetention       time.Duration

	// StaleAttemptTimeout is how long a queue item may stay processing
	// before it is returned to queued.
	StaleAttemptTimeout time.Duration

	// BatchSize caps the records attempted per owner per pass.
	BatchSize int
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		TransactionPolicy: domain.RetryPolicy{
			MaxAttempts: domain.DefaultTransactionMaxAttempts,
			Backoff:     domain.DefaultBackoff,
		},
		QueuePolicy: domain.RetryPolicy{
			MaxAttempts: domain.DefaultQueueMaxAttempts,
			Backoff:     domain.DefaultBackoff,
		},
		IdempotencyWindow:    domain.DefaultIdempotencyWindow,
		OverflowThreshold:    DefaultOverflowThreshold,
		KeepRecent:           DefaultKeepRecent,
		TransactionRetention: DefaultTransactionRetention,
		QueueRetention:       DefaultQueueRetention,
		StaleAttemptTimeout:  DefaultStaleAttemptTimeout,
		BatchSize:            DefaultBatchSize,
	}
}

// Service is the offline synchronization core.
//
// Caller-facing operations (CreateTransaction, Enqueue, GetCached, PutCached)
// touch only local storage. Network I/O happens in SyncTransaction and
// ProcessItem, which the Scheduler drives.
type Service struct {
	store    *store.Store
	remote   Remote
	cache    *cache.Validator
	clock    Clock
	ids      domain.IDGenerator
	metrics  *metrics.Metrics
	logger   *slog.Logger
	settings Settings

	cacheOpts []cache.Option
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithIDGenerator sets the generator of transaction and queue item IDs.
func WithIDGenerator(g domain.IDGenerator) Option {
	return func(s *Service) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithMetrics sets the counters shared with the cache validator.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSettings replaces the default settings.
func WithSettings(st Settings) Option {
	return func(s *Service) {
		s.settings = st
	}
}

// WithCacheOptions passes options to the embedded cache validator.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(s *Service) {
		s.cacheOpts = append(s.cacheOpts, opts...)
	}
}

// New creates a Service over st talking to rm.
func New(st *store.Store, rm Remote, opts ...Option) *Service {
	s := &Service{
		store:    st,
		remote:   rm,
		clock:    SystemClock{},
		ids:      domain.UUIDv7Generator{},
		metrics:  metrics.New(),
		logger:   slog.Default(),
		settings: DefaultSettings(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cacheOpts := append([]cache.Option{
		cache.WithClock(s.clock),
		cache.WithMetrics(s.metrics),
		cache.WithLogger(s.logger),
	}, s.cacheOpts...)
	s.cache = cache.New(st, cacheOpts...)
	return s
}

// Cache returns the read-cache validator.
func (s *Service) Cache() *cache.Validator {
	return s.cache
}

// Metrics returns the service counters.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Settings returns the active settings.
func (s *Service) Settings() Settings {
	return s.settings
}

// Health probes the remote system.
func (s *Service) Health(ctx context.Context) error {
	return s.remote.Health(ctx)
}

// GetCached returns owner's cached payload for (model, recordID) if valid.
// The boolean is false on a miss, which the caller resolves against the
// remote.
func (s *Service) GetCached(ctx context.Context, owner, model string, recordID int64) (json.RawMessage, bool, error) {
	return s.cache.Get(ctx, owner, model, recordID)
}

// PutCached stores owner's copy of a remote record.
func (s *Service) PutCached(ctx context.Context, owner, model string, recordID int64, payload json.RawMessage) error {
	_, err := s.cache.Put(ctx, owner, model, recordID, payload)
	return err
}

// OnReconnect invalidates every cache entry of owner. Call it once per
// offline to online transition.
func (s *Service) OnReconnect(ctx context.Context, owner string) error {
	n, err := s.cache.InvalidateAll(ctx, owner)
	if err != nil {
		return err
	}
	s.logger.Warn("invalidated cache on reconnect",
		"owner", owner,
		"count", n,
	)
	return nil
}

// ReconnectAll invalidates the cache of every owner holding entries and
// counts one reconnect. Used by the Monitor on the offline to online edge.
// Every owner is attempted; failures are joined and the reconnect is only
// counted when all owners were invalidated.
func (s *Service) ReconnectAll(ctx context.Context) error {
	owners, err := s.cache.Owners(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, owner := range owners {
		if err := s.OnReconnect(ctx, owner); err != nil {
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.metrics.IncReconnect()
	return nil
}
