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

const scheduleColumns = `id, name, task_name, cron_expression, enabled, args, kwargs,
	description, category, tags, execution_policy, auto_generated_name,
	created_at, updated_at`

// ScheduleStore implements store.ScheduleStore backed by Postgres.
type ScheduleStore struct {
	db *sqlx.DB
}

func NewScheduleStore(db *sqlx.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

type scheduleRow struct {
	ID          uuid.UUID `db:"id"`
	Name        string    `db:"name"`
	TaskName    string    `db:"task_name"`
	CronExpr    string    `db:"cron_expression"`
	Enabled     bool      `db:"enabled"`
	Args        []byte    `db:"args"`
	Kwargs      []byte    `db:"kwargs"`
	Description string    `db:"description"`
	Category    string    `db:"category"`
	Tags        []byte    `db:"tags"`
	Policy      string    `db:"execution_policy"`
	AutoName    bool      `db:"auto_generated_name"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *scheduleRow) toDomain() store.Schedule {
	s := store.Schedule{
		ID:                r.ID,
		Name:              r.Name,
		TaskName:          r.TaskName,
		CronExpr:          r.CronExpr,
		Enabled:           r.Enabled,
		Description:       r.Description,
		Category:          r.Category,
		Tags:              scanStringArray(r.Tags),
		Policy:            store.ExecutionPolicy(r.Policy),
		AutoGeneratedName: r.AutoName,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	_ = json.Unmarshal(jsonOrEmptyArray(r.Args), &s.Args)
	_ = json.Unmarshal(jsonOrEmptyObject(r.Kwargs), &s.Kwargs)
	return s
}

func (p *ScheduleStore) Create(ctx context.Context, s *store.Schedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Policy == "" {
		s.Policy = store.PolicyAllow
	}
	if s.Name == "" {
		s.Name = store.AutoName(s.TaskName, s.Kwargs, s.CronExpr)
		s.AutoGeneratedName = true
	}
	now := nowUTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::text[], $11, $12, $13, $14)`,
		s.ID, s.Name, s.TaskName, s.CronExpr, s.Enabled,
		marshalJSON(s.Args, "[]"), marshalJSON(s.Kwargs, "{}"),
		s.Description, s.Category, pqStringArray(s.Tags),
		string(s.Policy), s.AutoGeneratedName, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (p *ScheduleStore) GetByID(ctx context.Context, id uuid.UUID) (*store.Schedule, error) {
	var row scheduleRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	s := row.toDomain()
	return &s, nil
}

func (p *ScheduleStore) GetByName(ctx context.Context, name string) (*store.Schedule, error) {
	var row scheduleRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+scheduleColumns+` FROM schedules WHERE name = $1
		 ORDER BY created_at LIMIT 1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule by name: %w", err)
	}
	s := row.toDomain()
	return &s, nil
}

func (p *ScheduleStore) List(ctx context.Context, f store.ScheduleFilter) ([]store.Schedule, error) {
	where := []string{"TRUE"}
	var args []any

	if f.Enabled != nil {
		args = append(args, *f.Enabled)
		where = append(where, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.TaskName != "" {
		args = append(args, f.TaskName)
		where = append(where, fmt.Sprintf("task_name = $%d", len(args)))
	}
	if len(f.Tags) > 0 {
		args = append(args, pqStringArray(f.Tags))
		where = append(where, fmt.Sprintf("tags && $%d::text[]", len(args)))
	}

	q := `SELECT ` + scheduleColumns + ` FROM schedules WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []scheduleRow
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}

	result := make([]store.Schedule, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toDomain())
	}
	return result, nil
}

func (p *ScheduleStore) Update(ctx context.Context, id uuid.UUID, patch store.SchedulePatch) (*store.Schedule, error) {
	updates := map[string]any{}
	if patch.Name != nil {
		updates["name"] = *patch.Name
		updates["auto_generated_name"] = false
	}
	if patch.TaskName != nil {
		updates["task_name"] = *patch.TaskName
	}
	if patch.CronExpr != nil {
		updates["cron_expression"] = *patch.CronExpr
	}
	if patch.Enabled != nil {
		updates["enabled"] = *patch.Enabled
	}
	if patch.Args != nil {
		updates["args"] = marshalJSON(*patch.Args, "[]")
	}
	if patch.Kwargs != nil {
		updates["kwargs"] = marshalJSON(*patch.Kwargs, "{}")
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.Category != nil {
		updates["category"] = *patch.Category
	}
	if patch.Tags != nil {
		updates["tags"] = pqStringArray(*patch.Tags)
	}
	if patch.Policy != nil {
		updates["execution_policy"] = string(*patch.Policy)
	}

	if len(updates) > 0 {
		updates["updated_at"] = nowUTC()
		var setClauses []string
		var args []any
		i := 1
		for col, val := range updates {
			setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i))
			args = append(args, val)
			i++
		}
		args = append(args, id)
		q := fmt.Sprintf("UPDATE schedules SET %s WHERE id = $%d",
			strings.Join(setClauses, ", "), i)
		res, err := p.db.ExecContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("update schedule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, store.ErrNotFound
		}
	}

	return p.GetByID(ctx, id)
}

func (p *ScheduleStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *ScheduleStore) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = $2, updated_at = $3 WHERE id = $1`,
		id, enabled, nowUTC())
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
