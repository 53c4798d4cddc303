// Package sessionlock implements C5 (spec.md §4.5): at most one concurrent
// critical section runs per session within the processing fleet. An attempt
// that arrives while another holds the lock fails fast; it never blocks.
// Stale locks older than a timeout are reclaimed.
package sessionlock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned by TryAcquire when the session is already locked.
var ErrHeld = errors.New("session lock held by another holder")

// Release gives back a held lock. Implementations must be safe to call more
// than once and from a deferred call on any exit path, including after a
// panic, per spec.md §4.5 ("The lock MUST release on every exit path").
type Release func()

// Locker acquires and releases the per-session critical-section lock.
type Locker interface {
	// TryAcquire attempts to lock sessionID. It never blocks: if the
	// session is already held, it returns ErrHeld immediately.
	TryAcquire(ctx context.Context, sessionID string) (Release, error)
}

// DefaultStaleAfter is the default age at which a held lock is considered
// abandoned and eligible for reclaiming (spec.md §4.5).
const DefaultStaleAfter = 30 * time.Second

// InMemory is the single-node Locker: an in-memory map from session id to
// the time the lock was acquired, with stale entries reclaimed by a
// periodic Sweep call (spec.md §4.5, "Single-node" variant).
type InMemory struct {
	mu         sync.Mutex
	held       map[string]time.Time
	staleAfter time.Duration
}

// NewInMemory builds a single-node Locker. staleAfter <= 0 uses
// DefaultStaleAfter.
func NewInMemory(staleAfter time.Duration) *InMemory {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &InMemory{held: make(map[string]time.Time), staleAfter: staleAfter}
}

func (l *InMemory) TryAcquire(ctx context.Context, sessionID string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if heldAt, ok := l.held[sessionID]; ok {
		if time.Since(heldAt) < l.staleAfter {
			return nil, ErrHeld
		}
		// stale: reclaim below rather than waiting for the next Sweep.
	}

	l.held[sessionID] = time.Now()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, sessionID)
		})
	}
	return release, nil
}

// Sweep clears every held entry whose age exceeds staleAfter. Intended to be
// called periodically (see the robfig/cron/v3 wiring in cmd/gatewayd).
func (l *InMemory) Sweep() (cleared int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for sessionID, heldAt := range l.held {
		if now.Sub(heldAt) >= l.staleAfter {
			delete(l.held, sessionID)
			cleared++
		}
	}
	return cleared
}

// Size reports the number of currently held locks, for diagnostics.
func (l *InMemory) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
