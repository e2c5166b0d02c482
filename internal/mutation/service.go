// Package mutation is the write side of schedule management: every change
// goes through the store and then announces itself on the event bus so the
// beat picks it up within seconds. Publish failures are logged and swallowed
// — the write stands, and periodic resync is the correctness backstop.
package mutation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/marketbeat/internal/bus"
	"github.com/quantfabric/marketbeat/internal/queue"
	"github.com/quantfabric/marketbeat/internal/store"
)

// Service mutates schedules and publishes mutation events.
type Service struct {
	schedules store.ScheduleStore
	events    bus.EventBus // nil disables publication
	dispatch  queue.DispatchQueue
}

func NewService(schedules store.ScheduleStore, events bus.EventBus, dispatch queue.DispatchQueue) *Service {
	return &Service{schedules: schedules, events: events, dispatch: dispatch}
}

func (s *Service) Create(ctx context.Context, sched *store.Schedule) error {
	if err := s.schedules.Create(ctx, sched); err != nil {
		return err
	}
	s.publish(ctx, bus.EventCreated, sched.ID)
	return nil
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, patch store.SchedulePatch) (*store.Schedule, error) {
	sched, err := s.schedules.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, bus.EventUpdated, id)
	return sched, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.schedules.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, bus.EventDeleted, id)
	return nil
}

func (s *Service) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	if err := s.schedules.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	ev := bus.EventDisabled
	if enabled {
		ev = bus.EventEnabled
	}
	s.publish(ctx, ev, id)
	return nil
}

// Trigger enqueues an ad-hoc dispatch for a schedule, bypassing its cron.
// Returns the dispatch id.
func (s *Service) Trigger(ctx context.Context, id uuid.UUID) (string, error) {
	if s.dispatch == nil {
		return "", errors.New("dispatch queue not configured")
	}
	sched, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	msg := queue.NewMessage(sched)
	if err := s.dispatch.Enqueue(ctx, msg); err != nil {
		return "", err
	}
	slog.Info("manual dispatch enqueued",
		"schedule", sched.Name, "task", sched.TaskName, "dispatch_id", msg.DispatchID)
	return msg.DispatchID, nil
}

func (s *Service) publish(ctx context.Context, evType bus.EventType, id uuid.UUID) {
	if s.events == nil {
		return
	}
	ev := bus.MutationEvent{
		EventType:  evType,
		ScheduleID: id.String(),
		Timestamp:  time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		slog.Warn("mutation event publish failed, beat will catch up on resync",
			"type", evType, "schedule_id", id, "error", err)
	}
}
