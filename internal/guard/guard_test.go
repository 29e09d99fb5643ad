package guard

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard_PerTaskExclusivity(t *testing.T) {
	g := New(5)

	assert.True(t, g.TryAcquire("PROJ-1"))
	assert.False(t, g.TryAcquire("PROJ-1"), "second acquire for same key must fail")
	assert.True(t, g.TryAcquire("PROJ-2"), "different keys are independent")
	assert.Equal(t, 2, g.InFlight())

	g.Release("PROJ-1")
	assert.True(t, g.TryAcquire("PROJ-1"), "released key can be re-acquired")

	// Releasing an unheld key is a no-op.
	g.Release("PROJ-99")
	assert.Equal(t, 2, g.InFlight())
}

func TestGuard_ActiveCeiling(t *testing.T) {
	g := New(2)

	assert.True(t, g.TryActivate("PROJ-1"))
	assert.True(t, g.TryActivate("PROJ-2"))
	assert.False(t, g.TryActivate("PROJ-3"), "ceiling of 2 reached")

	// Re-activating an active key does not consume a slot.
	assert.True(t, g.TryActivate("PROJ-1"))
	assert.Equal(t, 2, g.Active())

	g.Deactivate("PROJ-1")
	assert.True(t, g.TryActivate("PROJ-3"))
}

func TestGuard_MinimumCeiling(t *testing.T) {
	g := New(0)
	assert.True(t, g.TryActivate("PROJ-1"), "ceiling is clamped to at least 1")
	assert.False(t, g.TryActivate("PROJ-2"))
}

func TestGuard_ConcurrentAcquire(t *testing.T) {
	g := New(10)

	const goroutines = 50
	wins := make(chan bool, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- g.TryAcquire("PROJ-1")
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one goroutine wins the lock")
}
