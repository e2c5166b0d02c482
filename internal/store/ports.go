package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// ScheduleStore is the authoritative schedule database. Writes are atomic per
// schedule; after a successful write, reads of the same id observe the new
// state. The beat only reads; the mutation CLI reads and writes.
type ScheduleStore interface {
	Create(ctx context.Context, s *Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error)
	GetByName(ctx context.Context, name string) (*Schedule, error)
	List(ctx context.Context, f ScheduleFilter) ([]Schedule, error)
	Update(ctx context.Context, id uuid.UUID, patch SchedulePatch) (*Schedule, error)
	// Delete returns ErrNotFound for a missing id; callers treat that as a
	// not-found signal, not a failure.
	Delete(ctx context.Context, id uuid.UUID) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// ExecutionLogStore is the append-only execution history. Complete, Fail and
// Skip are idempotent with respect to a terminal state: the first terminal
// writer wins and later calls are no-ops.
type ExecutionLogStore interface {
	Begin(ctx context.Context, taskName string, scheduleID *uuid.UUID) (uuid.UUID, error)
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error
	Skip(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*ExecutionLog, error)
	ListRecent(ctx context.Context, f LogFilter) ([]ExecutionLog, error)
}

// ListedInfoStore persists the canonical task's records with upsert-on-conflict
// semantics keyed on (date, code). Returns the number of rows written.
type ListedInfoStore interface {
	UpsertBatch(ctx context.Context, rows []ListedInfo) (int, error)
}
