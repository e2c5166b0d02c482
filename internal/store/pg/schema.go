package pg

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaSQL creates the tables the core owns. Migration tooling is handled
// outside this repo; this bootstrap only covers fresh databases.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS schedules (
    id                  UUID PRIMARY KEY,
    name                TEXT NOT NULL,
    task_name           TEXT NOT NULL,
    cron_expression     TEXT NOT NULL,
    enabled             BOOLEAN NOT NULL DEFAULT TRUE,
    args                JSONB NOT NULL DEFAULT '[]',
    kwargs              JSONB NOT NULL DEFAULT '{}',
    description         TEXT NOT NULL DEFAULT '',
    category            TEXT NOT NULL DEFAULT '',
    tags                TEXT[] NOT NULL DEFAULT '{}',
    execution_policy    TEXT NOT NULL DEFAULT 'allow',
    auto_generated_name BOOLEAN NOT NULL DEFAULT FALSE,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules (enabled);
CREATE INDEX IF NOT EXISTS idx_schedules_task_name ON schedules (task_name);

CREATE TABLE IF NOT EXISTS execution_logs (
    id            UUID PRIMARY KEY,
    schedule_id   UUID,
    task_name     TEXT NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL,
    finished_at   TIMESTAMPTZ,
    status        TEXT NOT NULL,
    result        JSONB,
    error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_execution_logs_schedule
    ON execution_logs (schedule_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_execution_logs_started
    ON execution_logs (started_at DESC);

CREATE TABLE IF NOT EXISTS listed_info (
    date            DATE NOT NULL,
    code            TEXT NOT NULL,
    company_name    TEXT NOT NULL DEFAULT '',
    company_name_en TEXT NOT NULL DEFAULT '',
    market          TEXT NOT NULL DEFAULT '',
    sector          TEXT NOT NULL DEFAULT '',
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (date, code)
);
`

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
