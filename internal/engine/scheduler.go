package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler defaults.
const (
	DefaultSchedulerInterval = time.Minute
	DefaultMonitorInterval   = 15 * time.Second
)

// PassReport summarizes one scheduler pass.
type PassReport struct {
	Recovered    int                    `json:"recovered"`
	Transactions RetryReport            `json:"transactions"`
	Queues       map[string]QueueReport `json:"queues,omitempty"`
	Swept        int                    `json:"swept"`
	Purged       PurgeReport            `json:"purged"`
	Offline      bool                   `json:"offline,omitempty"`
}

// Scheduler drives a Service on a fixed cadence: stale recovery, due
// transaction retries, queue draining, cache sweep and retention purge.
//
// While offline the network steps are skipped so no attempt is burned.
type Scheduler struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger

	triggerCh chan struct{}
	stopCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	isOnline  bool
	lastPass  time.Time
}

// NewScheduler creates a Scheduler for svc. A non-positive interval uses
// DefaultSchedulerInterval.
//
// The scheduler starts online so it can run standalone. When a Monitor is
// attached, Monitor.Start resets it to the Monitor's state (initially
// offline) and only the Monitor changes it from then on.
func NewScheduler(svc *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSchedulerInterval
	}
	return &Scheduler{
		svc:       svc,
		interval:  interval,
		logger:    svc.logger,
		triggerCh: make(chan struct{}, 1),
		isOnline:  true,
	}
}

// Start runs the loop in a goroutine until Stop is called or ctx ends.
// Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(runCtx)

	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop abandons any in-flight attempt and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger requests an immediate pass. Requests made while a pass is pending
// are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// SetOnline records connectivity as reported by the Monitor.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	was := s.isOnline
	s.isOnline = online
	s.mu.Unlock()

	if was != online {
		s.logger.Info("scheduler connectivity changed", "was_online", was, "is_online", online)
	}
}

// IsOnline reports the last connectivity recorded by SetOnline.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastPass returns when the most recent pass finished.
func (s *Scheduler) LastPass() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPass
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.triggerCh:
		}

		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler pass failed", "error", err)
		}
	}
}

// RunOnce performs one pass synchronously. Errors from one step do not
// prevent the following steps; the first error is returned.
func (s *Scheduler) RunOnce(ctx context.Context) (PassReport, error) {
	var (
		report   PassReport
		firstErr error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	n, err := s.svc.RecoverStale(ctx)
	report.Recovered = n
	keep(err)

	if s.IsOnline() {
		r, err := s.svc.RunTransactionRetries(ctx, "")
		report.Transactions = r
		keep(err)

		if ctx.Err() == nil {
			q, err := s.svc.ProcessAllQueues(ctx)
			report.Queues = q
			keep(err)
		}
	} else {
		report.Offline = true
		s.logger.Debug("offline, skipping sync attempts")
	}

	if ctx.Err() != nil {
		return report, ctx.Err()
	}

	swept, err := s.svc.SweepCache(ctx)
	report.Swept = swept
	keep(err)

	purged, err := s.svc.PurgeCompleted(ctx)
	report.Purged = purged
	keep(err)

	s.mu.Lock()
	s.lastPass = s.svc.clock.Now()
	s.mu.Unlock()

	s.logger.Debug("scheduler pass complete",
		"recovered", report.Recovered,
		"transactions_attempted", report.Transactions.Attempted,
		"owners", len(report.Queues),
		"swept", report.Swept,
	)
	return report, firstErr
}
