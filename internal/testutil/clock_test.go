package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clock := NewManualClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())

	start := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, start, NewManualClock(start).Now())
}

func TestManualClock_Advance(t *testing.T) {
	clock := NewManualClock(time.Time{})

	assert.Equal(t, Epoch.Add(time.Second), clock.Advance(time.Second))
	assert.Equal(t, Epoch.Add(time.Minute+time.Second), clock.Advance(time.Minute))

	// Never runs backwards
	clock.Advance(-time.Hour)
	assert.Equal(t, Epoch.Add(time.Minute+time.Second), clock.Now())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock(time.Time{})
	const goroutines = 50

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(goroutines*time.Millisecond), clock.Now())
}
