package domain

import "time"

// Default retry constants.
const (
	DefaultBackoffBase            = 5 * time.Second
	DefaultBackoffCap             = time.Hour
	DefaultTransactionMaxAttempts = 10
	DefaultQueueMaxAttempts       = 5
)

// Backoff computes exponential retry delays.
//
// delay(n) = min(Base * 2^(n-1), Cap) for n >= 1, and zero otherwise.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff yields 5s, 10s, 20s, ... capped at one hour.
var DefaultBackoff = Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}

// Delay returns the wait before the attempt following the given number of
// failed attempts.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// NextAttempt returns when the next attempt is due after a failure at last.
func (b Backoff) NextAttempt(attempts int, last time.Time) time.Time {
	if last.IsZero() {
		return time.Time{}
	}
	return last.Add(b.Delay(attempts))
}

// RetryPolicy bounds retries of one kind of work.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

// Exhausted reports whether attempts has reached the dead-letter threshold.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// ShouldRetry reports whether a failed transaction is due at now.
func (p RetryPolicy) ShouldRetry(t Transaction, now time.Time) bool {
	if t.Status != SyncFailed || p.Exhausted(t.AttemptCount) {
		return false
	}
	next := p.Backoff.NextAttempt(t.AttemptCount, t.LastAttemptAt)
	return !next.After(now)
}
