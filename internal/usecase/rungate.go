package usecase

import (
	"errors"
	"sync"
)

// ErrRunInProgress is returned when a run is requested while another run
// holds the single execution slot.
var ErrRunInProgress = errors.New("pipeline run already in progress")

// runGate is the single execution slot. Concurrent run requests are
// rejected, never queued, so overlapping triggers cannot pile up work.
type runGate struct {
	mu      sync.Mutex
	running bool
}

// tryAcquire takes the slot if it is free.
func (g *runGate) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return false
	}
	g.running = true
	return true
}

func (g *runGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = false
}

// busy reports whether a run currently holds the slot.
func (g *runGate) busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}
