package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/metrics"
	"github.com/roach88/posync/internal/store"
)

// Defaults for a Validator.
const (
	DefaultTTL         = 15 * time.Minute
	DefaultLockTimeout = 5 * time.Second
)

// ErrLockNotAcquired is returned when another holder owns a live lease on
// the entry. Callers treat it as a cache miss.
var ErrLockNotAcquired = errors.New("cache lock not acquired")

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Reason explains a validation result.
type Reason string

const (
	ReasonNoCache     Reason = "no_cache"
	ReasonExpired     Reason = "expired"
	ReasonDataChanged Reason = "data_changed"
	ReasonCacheFresh  Reason = "cache_fresh"
)

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid       bool      `json:"valid"`
	Reason      Reason    `json:"reason"`
	CachedAt    time.Time `json:"cached_at,omitzero"`
	AccessCount int64     `json:"access_count,omitempty"`
}

// Validator is the read-cache validator.
//
// Thread-safety: Validator is safe for concurrent use; all state lives in
// the store.
type Validator struct {
	store       *store.Store
	clock       Clock
	ttl         time.Duration
	lockTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger

	holderPrefix string
	holderSeq    atomic.Int64
}

// Option configures a Validator.
type Option func(*Validator)

// WithTTL sets the entry lifetime. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(v *Validator) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

// WithLockTimeout sets how long a lease lock is honoured before another
// holder may take it over. Non-positive values are ignored.
func WithLockTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.lockTimeout = d
		}
	}
}

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(v *Validator) {
		if c != nil {
			v.clock = c
		}
	}
}

// WithMetrics sets the counters receiving hit/miss events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) {
		if m != nil {
			v.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithHolderPrefix sets the prefix of lease holder names written to the
// store. Defaults to a UUIDv7 so separate processes never share a holder.
func WithHolderPrefix(prefix string) Option {
	return func(v *Validator) {
		if prefix != "" {
			v.holderPrefix = prefix
		}
	}
}

// New creates a Validator over s.
func New(s *store.Store, opts ...Option) *Validator {
	v := &Validator{
		store:        s,
		clock:        systemClock{},
		ttl:          DefaultTTL,
		lockTimeout:  DefaultLockTimeout,
		metrics:      metrics.New(),
		logger:       slog.Default(),
		holderPrefix: domain.UUIDv7Generator{}.Generate(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// TTL returns the configured entry lifetime.
func (v *Validator) TTL() time.Duration {
	return v.ttl
}

// Put caches payload for (owner, model, recordID). An existing entry is
// refreshed in place: its version is bumped and its TTL restarts.
func (v *Validator) Put(ctx context.Context, owner, model string, recordID int64, payload json.RawMessage) (domain.CacheEntry, error) {
	if owner == "" || model == "" {
		return domain.CacheEntry{}, fmt.Errorf("cache put: owner and model are required")
	}
	canonical, err := domain.CanonicalizeJSON(payload)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("cache put: %w", err)
	}
	hash, err := domain.ContentHash(canonical)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("cache put: %w", err)
	}

	now := v.clock.Now()
	entry, err := v.store.UpsertCacheEntry(ctx, domain.CacheEntry{
		Owner:       owner,
		Model:       model,
		RecordID:    recordID,
		Payload:     canonical,
		ContentHash: hash,
		CreatedAt:   now,
		ExpiresAt:   domain.ExpiresAt(now, v.ttl),
	})
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("cache put: %w", err)
	}

	v.logger.Debug("cached record",
		"owner", owner,
		"model", model,
		"record_id", recordID,
		"version", entry.Version,
	)
	return entry, nil
}

// Get returns the cached payload if the entry is valid now. The boolean is
// false on a miss; a miss never carries data.
func (v *Validator) Get(ctx context.Context, owner, model string, recordID int64) (json.RawMessage, bool, error) {
	entry, ok, err := v.lookup(ctx, owner, model, recordID)
	if err != nil || !ok {
		return nil, false, err
	}
	return v.hit(ctx, entry)
}

// GetLocked is Get under the entry's lease lock. If the lock is held by
// another live holder the read is a miss.
func (v *Validator) GetLocked(ctx context.Context, owner, model string, recordID int64) (json.RawMessage, bool, error) {
	entry, ok, err := v.lookup(ctx, owner, model, recordID)
	if err != nil || !ok {
		return nil, false, err
	}

	release, err := v.acquire(ctx, entry.ID)
	if errors.Is(err, ErrLockNotAcquired) {
		v.metrics.IncCacheMiss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer release()

	// Re-read under the lock; a concurrent invalidation wins.
	entry, ok, err = v.lookup(ctx, owner, model, recordID)
	if err != nil || !ok {
		return nil, false, err
	}
	return v.hit(ctx, entry)
}

// Validate checks the entry against an optional freshly fetched remote hash.
// Every call on an existing entry is counted as a validation attempt.
func (v *Validator) Validate(ctx context.Context, owner, model string, recordID int64, remoteHash string) (ValidationResult, error) {
	entry, err := v.store.GetCacheEntry(ctx, owner, model, recordID)
	if errors.Is(err, store.ErrNotFound) {
		return ValidationResult{Reason: ReasonNoCache}, nil
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("cache validate: %w", err)
	}

	now := v.clock.Now()
	if err := v.store.RecordCacheValidation(ctx, entry.ID, now); err != nil {
		return ValidationResult{}, fmt.Errorf("cache validate: %w", err)
	}

	if !entry.IsValid(now) {
		return ValidationResult{Reason: ReasonExpired}, nil
	}
	if remoteHash != "" && remoteHash != entry.ContentHash {
		return ValidationResult{Reason: ReasonDataChanged}, nil
	}
	return ValidationResult{
		Valid:       true,
		Reason:      ReasonCacheFresh,
		CachedAt:    entry.CreatedAt,
		AccessCount: entry.AccessCount,
	}, nil
}

// Refresh replaces the entry with freshly fetched data.
//
// An existing entry is refreshed under its lease lock so two concurrent
// refreshes cannot race on cache_version; ErrLockNotAcquired is returned if
// the lock is held elsewhere. fetch is only called once the lock is held.
func (v *Validator) Refresh(ctx context.Context, owner, model string, recordID int64, fetch func(context.Context) (json.RawMessage, error)) (domain.CacheEntry, error) {
	existing, err := v.store.GetCacheEntry(ctx, owner, model, recordID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		payload, err := fetch(ctx)
		if err != nil {
			return domain.CacheEntry{}, fmt.Errorf("cache refresh: fetch: %w", err)
		}
		return v.Put(ctx, owner, model, recordID, payload)
	case err != nil:
		return domain.CacheEntry{}, fmt.Errorf("cache refresh: %w", err)
	}

	release, err := v.acquire(ctx, existing.ID)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("cache refresh %s/%s/%d: %w", owner, model, recordID, err)
	}
	defer release()

	payload, err := fetch(ctx)
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("cache refresh: fetch: %w", err)
	}
	return v.Put(ctx, owner, model, recordID, payload)
}

// InvalidateAll marks every entry of owner invalid without deleting rows.
// Returns the number of entries invalidated.
func (v *Validator) InvalidateAll(ctx context.Context, owner string) (int, error) {
	n, err := v.store.InvalidateCache(ctx, owner, "", nil)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate all: %w", err)
	}
	v.metrics.AddCacheInvalidations(int(n))
	return int(n), nil
}

// InvalidateModel marks owner's entries of model invalid, or only one record
// when recordID is non-nil.
func (v *Validator) InvalidateModel(ctx context.Context, owner, model string, recordID *int64) (int, error) {
	if model == "" {
		return 0, fmt.Errorf("cache invalidate model: model is required")
	}
	n, err := v.store.InvalidateCache(ctx, owner, model, recordID)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate model: %w", err)
	}
	v.metrics.AddCacheInvalidations(int(n))
	v.logger.Info("invalidated cache entries",
		"owner", owner,
		"model", model,
		"count", n,
	)
	return int(n), nil
}

// SweepExpired hard-deletes every entry past its TTL, for all owners.
func (v *Validator) SweepExpired(ctx context.Context) (int, error) {
	n, err := v.store.DeleteExpiredCache(ctx, v.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	if n > 0 {
		v.logger.Info("swept expired cache entries", "count", n)
	}
	return int(n), nil
}

// Stats summarizes owner's cache.
func (v *Validator) Stats(ctx context.Context, owner string) (domain.CacheStats, error) {
	stats, err := v.store.CacheStats(ctx, owner, v.clock.Now())
	if err != nil {
		return domain.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

// Owners returns every owner holding cache entries.
func (v *Validator) Owners(ctx context.Context) ([]string, error) {
	return v.store.CacheOwners(ctx)
}

// lookup returns the entry if it exists and is valid now, counting a miss
// otherwise.
func (v *Validator) lookup(ctx context.Context, owner, model string, recordID int64) (domain.CacheEntry, bool, error) {
	entry, err := v.store.GetCacheEntry(ctx, owner, model, recordID)
	if errors.Is(err, store.ErrNotFound) {
		v.metrics.IncCacheMiss()
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}
	if !entry.IsValid(v.clock.Now()) {
		v.metrics.IncCacheMiss()
		return domain.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (v *Validator) hit(ctx context.Context, entry domain.CacheEntry) (json.RawMessage, bool, error) {
	if err := v.store.RecordCacheAccess(ctx, entry.ID, v.clock.Now()); err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	v.metrics.IncCacheHit()
	return entry.Payload, true, nil
}

// acquire takes the lease lock on entry id for a fresh holder name and
// returns its release function.
func (v *Validator) acquire(ctx context.Context, id int64) (func(), error) {
	holder := v.holderPrefix + "-" + strconv.FormatInt(v.holderSeq.Add(1), 10)
	now := v.clock.Now()

	ok, err := v.store.AcquireCacheLock(ctx, id, holder, now, now.Add(-v.lockTimeout))
	if err != nil {
		return nil, fmt.Errorf("cache lock: %w", err)
	}
	if !ok {
		v.metrics.IncCacheLockFailure()
		v.logger.Warn("cache lock held elsewhere, treating as miss", "entry_id", id)
		return nil, ErrLockNotAcquired
	}

	return func() {
		// Release must run even when ctx was cancelled mid-operation.
		if err := v.store.ReleaseCacheLock(context.WithoutCancel(ctx), id, holder); err != nil {
			v.logger.Warn("cache lock release failed", "entry_id", id, "error", err)
		}
	}, nil
}
