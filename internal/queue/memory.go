package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

const memoryQueueCap = 1024

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("queue closed")

// ErrQueueUnavailable is what a failing memory queue reports; tests use
// SetFailing to simulate a flapping broker.
var ErrQueueUnavailable = errors.New("queue unavailable")

// Memory is a channel-backed DispatchQueue for tests and embedded mode.
// Handler errors cause immediate re-enqueue, mirroring broker redelivery.
type Memory struct {
	mu      sync.Mutex
	ch      chan DispatchMessage
	closed  bool
	failing atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{ch: make(chan DispatchMessage, memoryQueueCap)}
}

// SetFailing makes Enqueue reject messages while on, simulating an
// unreachable broker.
func (m *Memory) SetFailing(on bool) {
	m.failing.Store(on)
}

func (m *Memory) Enqueue(_ context.Context, msg DispatchMessage) error {
	if m.failing.Load() {
		return ErrQueueUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrQueueClosed
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		return ErrQueueUnavailable
	}
}

func (m *Memory) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-m.ch:
			if !ok {
				return ErrQueueClosed
			}
			if err := handler(ctx, msg); err != nil {
				slog.Warn("dispatch handler failed, redelivering",
					"task", msg.TaskName, "dispatch_id", msg.DispatchID, "error", err)
				m.mu.Lock()
				if !m.closed {
					select {
					case m.ch <- msg:
					default:
					}
				}
				m.mu.Unlock()
			}
		}
	}
}

// Len returns the number of undelivered messages.
func (m *Memory) Len() int {
	return len(m.ch)
}

// Close stops the queue; pending messages are dropped.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}
