// Package metrics holds the counters of the synchronization core.
//
// A Metrics value is constructed once and handed to every component that
// records events. Counters are always kept in process as atomics; Prometheus
// collectors are attached only after Register.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds atomic counters for the transaction, queue and cache paths.
type Metrics struct {
	TransactionsCreated  atomic.Uint64
	TransactionsRejected atomic.Uint64
	DuplicatesDetected   atomic.Uint64
	SyncAttempts         atomic.Uint64
	SyncSuccesses        atomic.Uint64
	SyncFailures         atomic.Uint64
	SyncDeadLettered     atomic.Uint64
	QueueEnqueued        atomic.Uint64
	QueueCompleted       atomic.Uint64
	QueueFailed          atomic.Uint64
	QueueDeadLettered    atomic.Uint64
	QueueArchived        atomic.Uint64
	CacheHits            atomic.Uint64
	CacheMisses          atomic.Uint64
	CacheInvalidations   atomic.Uint64
	CacheLockFailures    atomic.Uint64
	Reconnects           atomic.Uint64

	// Prometheus metrics (nil until Register is called)
	transactionsCounter *prometheus.CounterVec
	syncCounter         *prometheus.CounterVec
	queueCounter        *prometheus.CounterVec
	cacheCounter        *prometheus.CounterVec
	reconnectsCounter   prometheus.Counter
	syncDuration        prometheus.Histogram

	// registerOnce ensures Prometheus metrics are only registered once
	registerOnce sync.Once
}

// New returns a zeroed Metrics.
func New() *Metrics {
	return &Metrics{}
}

// Register registers Prometheus metrics with the given registry.
// If registry is nil, this is a no-op. This method is idempotent;
// subsequent calls after the first successful registration are no-ops.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if registry == nil {
		return
	}

	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.transactionsCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posync_transactions_total",
			Help: "Transaction creation requests by outcome",
		}, []string{"outcome"})

		m.syncCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posync_sync_attempts_total",
			Help: "Transaction sync attempts by result",
		}, []string{"result"})

		m.queueCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posync_queue_items_total",
			Help: "Queue item transitions by event",
		}, []string{"event"})

		m.cacheCounter = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "posync_cache_events_total",
			Help: "Read-cache events by kind",
		}, []string{"event"})

		m.reconnectsCounter = factory.NewCounter(prometheus.CounterOpts{
			Name: "posync_reconnects_total",
			Help: "Observed offline to online transitions",
		})

		m.syncDuration = factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "posync_sync_attempt_duration_seconds",
			Help:    "Duration of remote sync round trips",
			Buckets: prometheus.DefBuckets,
		})
	})
}

func incVec(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
	}
}

func addVec(v *prometheus.CounterVec, label string, n int) {
	if v != nil && n > 0 {
		v.WithLabelValues(label).Add(float64(n))
	}
}

// IncTransactionCreated counts a newly stored transaction.
func (m *Metrics) IncTransactionCreated() {
	m.TransactionsCreated.Add(1)
	incVec(m.transactionsCounter, "created")
}

// IncDuplicate counts a creation request resolved to an existing transaction.
func (m *Metrics) IncDuplicate() {
	m.DuplicatesDetected.Add(1)
	incVec(m.transactionsCounter, "duplicate")
}

// IncTransactionRejected counts a creation request refused before storage.
func (m *Metrics) IncTransactionRejected() {
	m.TransactionsRejected.Add(1)
	incVec(m.transactionsCounter, "rejected")
}

// ObserveSync records one sync attempt and its outcome.
func (m *Metrics) ObserveSync(d time.Duration, ok bool) {
	m.SyncAttempts.Add(1)
	if ok {
		m.SyncSuccesses.Add(1)
		incVec(m.syncCounter, "synced")
	} else {
		m.SyncFailures.Add(1)
		incVec(m.syncCounter, "failed")
	}
	if m.syncDuration != nil {
		m.syncDuration.Observe(d.Seconds())
	}
}

// IncSyncDeadLettered counts a transaction moved to dead_letter.
func (m *Metrics) IncSyncDeadLettered() {
	m.SyncDeadLettered.Add(1)
	incVec(m.syncCounter, "dead_letter")
}

// IncEnqueued counts a new queue item.
func (m *Metrics) IncEnqueued() {
	m.QueueEnqueued.Add(1)
	incVec(m.queueCounter, "enqueued")
}

// IncQueueCompleted counts a completed queue item.
func (m *Metrics) IncQueueCompleted() {
	m.QueueCompleted.Add(1)
	incVec(m.queueCounter, "completed")
}

// IncQueueFailed counts a failed queue attempt.
func (m *Metrics) IncQueueFailed() {
	m.QueueFailed.Add(1)
	incVec(m.queueCounter, "failed")
}

// IncQueueDeadLettered counts a queue item moved to dead_letter.
func (m *Metrics) IncQueueDeadLettered() {
	m.QueueDeadLettered.Add(1)
	incVec(m.queueCounter, "dead_letter")
}

// AddArchived counts n archived queue items.
func (m *Metrics) AddArchived(n int) {
	if n <= 0 {
		return
	}
	m.QueueArchived.Add(uint64(n))
	addVec(m.queueCounter, "archived", n)
}

// IncCacheHit counts a cache read served from a valid entry.
func (m *Metrics) IncCacheHit() {
	m.CacheHits.Add(1)
	incVec(m.cacheCounter, "hit")
}

// IncCacheMiss counts a cache read that must go to the remote.
func (m *Metrics) IncCacheMiss() {
	m.CacheMisses.Add(1)
	incVec(m.cacheCounter, "miss")
}

// AddCacheInvalidations counts n invalidated entries.
func (m *Metrics) AddCacheInvalidations(n int) {
	if n <= 0 {
		return
	}
	m.CacheInvalidations.Add(uint64(n))
	addVec(m.cacheCounter, "invalidated", n)
}

// IncCacheLockFailure counts a lease lock that could not be taken.
func (m *Metrics) IncCacheLockFailure() {
	m.CacheLockFailures.Add(1)
	incVec(m.cacheCounter, "lock_failed")
}

// IncReconnect counts an offline to online transition.
func (m *Metrics) IncReconnect() {
	m.Reconnects.Add(1)
	if m.reconnectsCounter != nil {
		m.reconnectsCounter.Inc()
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TransactionsCreated  uint64 `json:"transactions_created"`
	TransactionsRejected uint64 `json:"transactions_rejected"`
	DuplicatesDetected   uint64 `json:"duplicates_detected"`
	SyncAttempts         uint64 `json:"sync_attempts"`
	SyncSuccesses        uint64 `json:"sync_successes"`
	SyncFailures         uint64 `json:"sync_failures"`
	SyncDeadLettered     uint64 `json:"sync_dead_lettered"`
	QueueEnqueued        uint64 `json:"queue_enqueued"`
	QueueCompleted       uint64 `json:"queue_completed"`
	QueueFailed          uint64 `json:"queue_failed"`
	QueueDeadLettered    uint64 `json:"queue_dead_lettered"`
	QueueArchived        uint64 `json:"queue_archived"`
	CacheHits            uint64 `json:"cache_hits"`
	CacheMisses          uint64 `json:"cache_misses"`
	CacheInvalidations   uint64 `json:"cache_invalidations"`
	CacheLockFailures    uint64 `json:"cache_lock_failures"`
	Reconnects           uint64 `json:"reconnects"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TransactionsCreated:  m.TransactionsCreated.Load(),
		TransactionsRejected: m.TransactionsRejected.Load(),
		DuplicatesDetected:   m.DuplicatesDetected.Load(),
		SyncAttempts:         m.SyncAttempts.Load(),
		SyncSuccesses:        m.SyncSuccesses.Load(),
		SyncFailures:         m.SyncFailures.Load(),
		SyncDeadLettered:     m.SyncDeadLettered.Load(),
		QueueEnqueued:        m.QueueEnqueued.Load(),
		QueueCompleted:       m.QueueCompleted.Load(),
		QueueFailed:          m.QueueFailed.Load(),
		QueueDeadLettered:    m.QueueDeadLettered.Load(),
		QueueArchived:        m.QueueArchived.Load(),
		CacheHits:            m.CacheHits.Load(),
		CacheMisses:          m.CacheMisses.Load(),
		CacheInvalidations:   m.CacheInvalidations.Load(),
		CacheLockFailures:    m.CacheLockFailures.Load(),
		Reconnects:           m.Reconnects.Load(),
	}
}
