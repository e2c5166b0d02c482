package bus

import (
	"context"
	"sync"
)

const memorySubBuffer = 16

// Memory is an in-process EventBus for tests and embedded mode.
type Memory struct {
	mu   sync.Mutex
	subs map[int]chan MutationEvent
	next int
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]chan MutationEvent)}
}

func (m *Memory) Publish(_ context.Context, ev MutationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop. Periodic resync is the backstop.
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, fn func(MutationEvent)) error {
	ch := make(chan MutationEvent, memorySubBuffer)

	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			fn(ev)
		}
	}
}
