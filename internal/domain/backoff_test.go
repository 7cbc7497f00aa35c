package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{10, 2560 * time.Second},
		{11, time.Hour},
		{12, time.Hour},
		{64, time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, DefaultBackoff.Delay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestBackoffDelay_Monotonic(t *testing.T) {
	prev := time.Duration(0)
	for n := 1; n <= 100; n++ {
		d := DefaultBackoff.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "attempts=%d", n)
		assert.LessOrEqual(t, d, DefaultBackoffCap)
		prev = d
	}
}

func TestBackoffNextAttempt(t *testing.T) {
	last := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, last.Add(80*time.Second), DefaultBackoff.NextAttempt(5, last))
	assert.True(t, DefaultBackoff.NextAttempt(3, time.Time{}).IsZero())
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, Backoff: DefaultBackoff}
	last := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	txn := Transaction{Status: SyncFailed, AttemptCount: 2, LastAttemptAt: last}
	assert.False(t, policy.ShouldRetry(txn, last.Add(9*time.Second)))
	assert.True(t, policy.ShouldRetry(txn, last.Add(10*time.Second)))

	txn.AttemptCount = 10
	assert.False(t, policy.ShouldRetry(txn, last.Add(24*time.Hour)), "exhausted")

	txn = Transaction{Status: SyncSynced, AttemptCount: 1, LastAttemptAt: last}
	assert.False(t, policy.ShouldRetry(txn, last.Add(time.Hour)), "terminal")
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5}
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))

	assert.False(t, RetryPolicy{}.Exhausted(1000), "zero max never exhausts")
}
