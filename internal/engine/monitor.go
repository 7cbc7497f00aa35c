package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor probes the remote on an interval and reports connectivity edges.
//
// On every offline to online transition it invalidates the cache of every
// owner exactly once, marks the scheduler online and triggers an immediate
// pass. The initial state is offline, so the first successful probe counts
// as a reconnect.
type Monitor struct {
	svc       *Service
	scheduler *Scheduler
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	isRunning bool
	online    bool
}

// NewMonitor creates a Monitor. scheduler may be nil. A non-positive
// interval uses DefaultMonitorInterval.
func NewMonitor(svc *Service, scheduler *Scheduler, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	timeout := interval
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Monitor{
		svc:       svc,
		scheduler: scheduler,
		interval:  interval,
		timeout:   timeout,
		logger:    svc.logger,
	}
}

// Online reports the result of the last probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Probe checks the remote once and applies any connectivity transition.
// It returns the new state and whether this probe was a reconnect.
//
// The online state is only committed after cache invalidation succeeds. If
// invalidation fails the Monitor stays offline and the next successful probe
// retries the reconnect.
func (m *Monitor) Probe(ctx context.Context) (online, reconnected bool) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.svc.Health(pctx)
	cancel()
	online = err == nil

	m.mu.Lock()
	was := m.online
	m.mu.Unlock()

	if online && !was {
		m.logger.Info("remote reachable, reconciling")
		if err := m.svc.ReconnectAll(ctx); err != nil {
			m.logger.Error("reconnect invalidation failed, staying offline", "error", err)
			return false, false
		}
		reconnected = true
	}

	m.mu.Lock()
	m.online = online
	m.mu.Unlock()

	if m.scheduler != nil {
		m.scheduler.SetOnline(online)
		if reconnected {
			m.scheduler.Trigger()
		}
	}

	if !online && was {
		m.logger.Warn("remote unreachable", "error", err)
	}
	return online, reconnected
}

// Start probes immediately and then on every interval until Stop is called
// or ctx ends. An attached scheduler is marked offline before the first
// probe so it never runs network steps ahead of the Monitor's verdict.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	online := m.online
	m.mu.Unlock()

	if m.scheduler != nil {
		m.scheduler.SetOnline(online)
	}

	m.wg.Add(1)
	go m.loop(runCtx)
}

// Stop ends the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	close(m.stopCh)
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
