// Package bus carries schedule-mutation notifications from the mutation API
// to the beat. Delivery is best-effort: missed messages are recovered by the
// beat's periodic resync, so publish failures never roll back a store write.
package bus

import (
	"context"
	"time"
)

// EventType classifies a schedule mutation.
type EventType string

const (
	EventCreated  EventType = "created"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
	EventEnabled  EventType = "enabled"
	EventDisabled EventType = "disabled"
)

// MutationEvent is the wire envelope on the mutation channel.
type MutationEvent struct {
	EventType  EventType `json:"event_type"`
	ScheduleID string    `json:"schedule_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventBus is the pub/sub port. The beat treats any received event as
// "resync wanted", so ordering across publishers is not required.
type EventBus interface {
	Publish(ctx context.Context, ev MutationEvent) error

	// Subscribe delivers events to fn until ctx is done. Implementations
	// reconnect internally on transport failure.
	Subscribe(ctx context.Context, fn func(MutationEvent)) error
}
