// Package lock provides the lightweight lock service backing the skip and
// queue execution policies. Locks carry a TTL slightly above the expected
// task duration so a crashed worker cannot orphan a lock forever.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaitTimeout is returned by Acquire when the bounded wait elapses.
var ErrWaitTimeout = errors.New("lock wait timed out")

// Locker is the overlap-lock port. Implementations are concurrency-safe.
type Locker interface {
	// TryAcquire takes the lock if free and reports whether it succeeded.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Acquire waits up to maxWait for the lock, returning ErrWaitTimeout
	// when the wait elapses.
	Acquire(ctx context.Context, key string, ttl, maxWait time.Duration) error

	// Release frees the lock. Releasing an unheld lock is a no-op.
	Release(ctx context.Context, key string) error
}

const acquirePollInterval = 250 * time.Millisecond

// Memory implements Locker with a mutex-guarded map. Used in tests and
// embedded mode; a single process needs no shared cache.
type Memory struct {
	mu   sync.Mutex
	held map[string]time.Time // key → expiry
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]time.Time)}
}

func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if exp, ok := m.held[key]; ok && exp.After(now) {
		return false, nil
	}
	m.held[key] = now.Add(ttl)
	return true, nil
}

func (m *Memory) Acquire(ctx context.Context, key string, ttl, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		ok, err := m.TryAcquire(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}
