package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_DefaultsToEpoch(t *testing.T) {
	clock := NewFakeClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())
}

func TestFakeClock_Advance(t *testing.T) {
	clock := NewFakeClock(Epoch)

	assert.Equal(t, Epoch.Add(16*time.Minute), clock.Advance(16*time.Minute))
	assert.Equal(t, Epoch.Add(16*time.Minute), clock.Now())

	// Never moves backwards.
	clock.Advance(-time.Hour)
	assert.Equal(t, Epoch.Add(16*time.Minute), clock.Now())
	clock.Set(Epoch)
	assert.Equal(t, Epoch.Add(16*time.Minute), clock.Now())

	clock.Set(Epoch.Add(time.Hour))
	assert.Equal(t, Epoch.Add(time.Hour), clock.Now())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	clock := NewFakeClock(Epoch)

	const goroutines = 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(goroutines*time.Second), clock.Now())
}
