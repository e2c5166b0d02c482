package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quantfabric/marketbeat/internal/store"
)

const logColumns = `id, schedule_id, task_name, started_at, finished_at, status, result, error_message`

// ExecutionLogStore implements store.ExecutionLogStore backed by Postgres.
// Terminal transitions are conditional updates on status = 'running', which
// is what makes Complete/Fail/Skip first-writer-wins.
type ExecutionLogStore struct {
	db *sqlx.DB
}

func NewExecutionLogStore(db *sqlx.DB) *ExecutionLogStore {
	return &ExecutionLogStore{db: db}
}

type logRow struct {
	ID         uuid.UUID  `db:"id"`
	ScheduleID *uuid.UUID `db:"schedule_id"`
	TaskName   string     `db:"task_name"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
	Status     string     `db:"status"`
	Result     []byte     `db:"result"`
	ErrorMsg   string     `db:"error_message"`
}

func (r *logRow) toDomain() store.ExecutionLog {
	return store.ExecutionLog{
		ID:           r.ID,
		ScheduleID:   r.ScheduleID,
		TaskName:     r.TaskName,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Status:       store.LogStatus(r.Status),
		Result:       json.RawMessage(r.Result),
		ErrorMessage: r.ErrorMsg,
	}
}

func (p *ExecutionLogStore) Begin(ctx context.Context, taskName string, scheduleID *uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, schedule_id, task_name, started_at, status)
		VALUES ($1, $2, $3, $4, $5)`,
		id, scheduleID, taskName, nowUTC(), string(store.StatusRunning))
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin execution log: %w", err)
	}
	return id, nil
}

func (p *ExecutionLogStore) finish(ctx context.Context, id uuid.UUID, status store.LogStatus, result json.RawMessage, errMsg string) error {
	var res any
	if result != nil {
		res = []byte(result)
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE execution_logs
		SET status = $2, finished_at = $3, result = $4, error_message = $5
		WHERE id = $1 AND status = $6`,
		id, string(status), nowUTC(), res, errMsg, string(store.StatusRunning))
	if err != nil {
		return fmt.Errorf("finish execution log: %w", err)
	}
	// Zero rows affected means the log is already terminal (or unknown);
	// either way the first writer won.
	return nil
}

func (p *ExecutionLogStore) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	return p.finish(ctx, id, store.StatusSuccess, result, "")
}

func (p *ExecutionLogStore) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	return p.finish(ctx, id, store.StatusFailed, nil, errMsg)
}

func (p *ExecutionLogStore) Skip(ctx context.Context, id uuid.UUID) error {
	return p.finish(ctx, id, store.StatusSkipped, nil, "")
}

func (p *ExecutionLogStore) Get(ctx context.Context, id uuid.UUID) (*store.ExecutionLog, error) {
	var row logRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+logColumns+` FROM execution_logs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution log: %w", err)
	}
	l := row.toDomain()
	return &l, nil
}

func (p *ExecutionLogStore) ListRecent(ctx context.Context, f store.LogFilter) ([]store.ExecutionLog, error) {
	where := []string{"TRUE"}
	var args []any

	if f.ScheduleID != nil {
		args = append(args, *f.ScheduleID)
		where = append(where, fmt.Sprintf("schedule_id = $%d", len(args)))
	}
	if f.TaskName != "" {
		args = append(args, f.TaskName)
		where = append(where, fmt.Sprintf("task_name = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	q := fmt.Sprintf(`SELECT `+logColumns+` FROM execution_logs
		WHERE %s ORDER BY started_at DESC LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	var rows []logRow
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}

	result := make([]store.ExecutionLog, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDomain())
	}
	return result, nil
}
