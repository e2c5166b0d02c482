// Package queue is the durable FIFO channel between the beat and the worker
// pool. Delivery is at-least-once: a message is acknowledged only after its
// handler returns nil, and unacknowledged messages are redelivered.
package queue

import (
	"context"

	"github.com/google/uuid"

	"github.com/quantfabric/marketbeat/internal/store"
)

// DispatchMessage is the in-flight payload from beat to worker. Consumers
// ignore unknown fields.
type DispatchMessage struct {
	TaskName     string                `json:"task_name"`
	ScheduleID   string                `json:"schedule_id,omitempty"` // empty for ad-hoc dispatches
	ScheduleName string                `json:"schedule_name,omitempty"`
	Args         []any                 `json:"args,omitempty"`
	Kwargs       map[string]any        `json:"kwargs,omitempty"`
	Policy       store.ExecutionPolicy `json:"execution_policy,omitempty"`
	DispatchID   string                `json:"dispatch_id"`
}

// NewMessage builds a dispatch from a schedule, deep-copying parameters at
// the firing moment so later schedule edits cannot mutate in-flight work.
func NewMessage(s *store.Schedule) DispatchMessage {
	return DispatchMessage{
		TaskName:     s.TaskName,
		ScheduleID:   s.ID.String(),
		ScheduleName: s.Name,
		Args:         store.CloneArgs(s.Args),
		Kwargs:       store.CloneKwargs(s.Kwargs),
		Policy:       s.Policy,
		DispatchID:   uuid.NewString(),
	}
}

// Handler processes one message. A nil return acknowledges the message; an
// error leaves it pending for redelivery.
type Handler func(ctx context.Context, msg DispatchMessage) error

// DispatchQueue is the queue port.
type DispatchQueue interface {
	// Enqueue accepts a message; success means it will survive a restart
	// (for durable implementations).
	Enqueue(ctx context.Context, msg DispatchMessage) error

	// Consume delivers messages to handler until ctx is done. Each message
	// goes to at most one consumer at a time.
	Consume(ctx context.Context, handler Handler) error
}
