// Package guard provides in-memory admission control for the orchestration
// engine: per-task mutual exclusion and a global ceiling on concurrently
// active tasks.
//
// Acquisition is advisory and process-local. Failure to acquire is expected
// and benign: the engine drops the event and the next trigger retries.
package guard

import "sync"

// Guard tracks which task keys are currently being processed and how many
// tasks hold an active workspace slot.
type Guard struct {
	mu sync.Mutex

	// held is the set of task keys a logical thread is acting on right now.
	held map[string]struct{}

	// active is the set of task keys counting toward the workspace ceiling.
	// A key stays active across the whole implement/test cycle, not just
	// while an engine entry point holds the per-task lock.
	active    map[string]struct{}
	maxActive int
}

// New creates a guard allowing at most maxActive concurrently active tasks.
func New(maxActive int) *Guard {
	if maxActive < 1 {
		maxActive = 1
	}
	return &Guard{
		held:      make(map[string]struct{}),
		active:    make(map[string]struct{}),
		maxActive: maxActive,
	}
}

// TryAcquire attempts to take the per-task lock for key. It returns false if
// another logical thread already holds it.
func (g *Guard) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[key]; ok {
		return false
	}
	g.held[key] = struct{}{}
	return true
}

// Release returns the per-task lock for key. Releasing an unheld key is a
// no-op.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, key)
}

// TryActivate reserves a workspace slot for key, returning false when the
// ceiling is reached. Re-activating an already-active key succeeds without
// consuming another slot (rework cycles reuse the task's slot).
func (g *Guard) TryActivate(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.active[key]; ok {
		return true
	}
	if len(g.active) >= g.maxActive {
		return false
	}
	g.active[key] = struct{}{}
	return true
}

// Deactivate frees key's workspace slot.
func (g *Guard) Deactivate(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}

// Held reports whether the per-task lock for key is currently taken.
func (g *Guard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

// InFlight returns the number of per-task locks currently held.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}

// Active returns the number of tasks holding a workspace slot.
func (g *Guard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
