package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ValidateFunc checks a cron expression; the evaluator provides it.
type ValidateFunc func(expr string) error

// ValidatingScheduleStore wraps a ScheduleStore and rejects writes carrying
// an unparseable cron expression or an unknown execution policy. Rejecting
// bad input at write time is what keeps the beat's normal path free of
// invalid expressions.
type ValidatingScheduleStore struct {
	ScheduleStore
	validate ValidateFunc
}

func WithValidation(inner ScheduleStore, validate ValidateFunc) *ValidatingScheduleStore {
	return &ValidatingScheduleStore{ScheduleStore: inner, validate: validate}
}

func (v *ValidatingScheduleStore) Create(ctx context.Context, s *Schedule) error {
	if err := v.validate(s.CronExpr); err != nil {
		return err
	}
	if s.Policy != "" && !s.Policy.Valid() {
		return fmt.Errorf("invalid execution policy %q", s.Policy)
	}
	if s.TaskName == "" {
		return fmt.Errorf("task_name is required")
	}
	return v.ScheduleStore.Create(ctx, s)
}

func (v *ValidatingScheduleStore) Update(ctx context.Context, id uuid.UUID, patch SchedulePatch) (*Schedule, error) {
	if patch.CronExpr != nil {
		if err := v.validate(*patch.CronExpr); err != nil {
			return nil, err
		}
	}
	if patch.Policy != nil && !patch.Policy.Valid() {
		return nil, fmt.Errorf("invalid execution policy %q", *patch.Policy)
	}
	return v.ScheduleStore.Update(ctx, id, patch)
}
