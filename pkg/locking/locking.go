// Package locking provides per-session step locks. A lock only saves wasted
// work under contention; revision checks on write keep sessions correct when
// a lock is missing or cannot be acquired.
package locking

import (
	"context"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/persistence"
)

const (
	DefaultTTL          = 10 * time.Second
	DefaultWait         = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func(ctx context.Context) error

// Locker acquires the step lock of one session. It returns
// persistence.ErrLockNotAcquired when the lock stays taken past the wait.
type Locker interface {
	Acquire(ctx context.Context, sessionID string, ttl time.Duration) (Unlock, error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]chan struct{}
	wait time.Duration
}

func NewMemory(wait time.Duration) *Memory {
	if wait <= 0 {
		wait = DefaultWait
	}

	return &Memory{held: make(map[string]chan struct{}), wait: wait}
}

// Acquire waits for the session lock. The ttl is ignored: in-process holders
// always release.
func (m *Memory) Acquire(ctx context.Context, sessionID string, _ time.Duration) (Unlock, error) {
	timer := time.NewTimer(m.wait)
	defer timer.Stop()

	for {
		m.mu.Lock()

		released, taken := m.held[sessionID]
		if !taken {
			done := make(chan struct{})
			m.held[sessionID] = done
			m.mu.Unlock()

			return m.unlock(sessionID, done), nil
		}

		m.mu.Unlock()

		select {
		case <-released:
		case <-timer.C:
			return nil, persistence.ErrLockNotAcquired
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) unlock(sessionID string, done chan struct{}) Unlock {
	var once sync.Once

	return func(context.Context) error {
		once.Do(func() {
			m.mu.Lock()
			if m.held[sessionID] == done {
				delete(m.held, sessionID)
			}
			m.mu.Unlock()

			close(done)
		})

		return nil
	}
}

// Noop never blocks. Useful when a single writer is guaranteed.
type Noop struct{}

func (Noop) Acquire(context.Context, string, time.Duration) (Unlock, error) {
	return func(context.Context) error { return nil }, nil
}
