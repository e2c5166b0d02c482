// Package task defines the worker-side task contract: a process-local
// registry mapping task names to implementations, plus the canonical
// market-data tasks.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownTask is returned when no implementation is registered for a
// task name. Workers log it as a failed execution and ack the message so an
// unknown name cannot poison the queue.
var ErrUnknownTask = errors.New("unknown task")

// Fn is one task implementation. It receives the dispatch parameters decoded
// from JSON and returns a JSON result blob summarizing the outcome.
type Fn func(ctx context.Context, args []any, kwargs map[string]any) (json.RawMessage, error)

// Registry maps task names to implementations. Registration happens at
// worker startup; lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Fn
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Fn)}
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn Fn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = fn
}

// Get returns the implementation for name.
func (r *Registry) Get(name string) (Fn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	return fn, ok
}

// Invoke runs the named task, returning ErrUnknownTask for an unregistered
// name.
func (r *Registry) Invoke(ctx context.Context, name string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	fn, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return fn(ctx, args, kwargs)
}

// Names lists registered task names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	return names
}
