// Package store defines the domain types and persistence ports for the
// scheduling core: schedules, execution logs, and the task-owned listed_info
// table. Implementations live in store/pg (Postgres) and store/memory.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ExecutionPolicy governs overlap behavior when dispatches for the same
// task+kwargs collide.
type ExecutionPolicy string

const (
	// PolicyAllow runs unconditionally, overlaps included.
	PolicyAllow ExecutionPolicy = "allow"

	// PolicySkip drops the invocation if an identical one is running.
	PolicySkip ExecutionPolicy = "skip"

	// PolicyQueue waits (bounded) for the running invocation to finish.
	PolicyQueue ExecutionPolicy = "queue"
)

// Valid reports whether p is a known policy.
func (p ExecutionPolicy) Valid() bool {
	switch p {
	case PolicyAllow, PolicySkip, PolicyQueue:
		return true
	}
	return false
}

// Schedule is the unit the beat fires on.
type Schedule struct {
	ID                uuid.UUID       `json:"id"`
	Name              string          `json:"name"`
	TaskName          string          `json:"task_name"`
	CronExpr          string          `json:"cron_expression"`
	Enabled           bool            `json:"enabled"`
	Args              []any           `json:"args,omitempty"`
	Kwargs            map[string]any  `json:"kwargs,omitempty"`
	Description       string          `json:"description,omitempty"`
	Category          string          `json:"category,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	Policy            ExecutionPolicy `json:"execution_policy"`
	AutoGeneratedName bool            `json:"auto_generated_name,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a deep copy. Args and Kwargs are copied through JSON so the
// scheduler and workers never share mutable parameter state with the store.
func (s *Schedule) Clone() *Schedule {
	out := *s
	out.Args = CloneArgs(s.Args)
	out.Kwargs = CloneKwargs(s.Kwargs)
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	return &out
}

// CloneArgs deep-copies positional parameters.
func CloneArgs(args []any) []any {
	if args == nil {
		return nil
	}
	data, _ := json.Marshal(args)
	var out []any
	_ = json.Unmarshal(data, &out)
	return out
}

// CloneKwargs deep-copies keyed parameters.
func CloneKwargs(kwargs map[string]any) map[string]any {
	if kwargs == nil {
		return nil
	}
	data, _ := json.Marshal(kwargs)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

// KwargsHash returns a stable short digest of kwargs, used for overlap lock
// keys and auto-generated names. encoding/json sorts map keys, so the digest
// is deterministic.
func KwargsHash(kwargs map[string]any) string {
	data, _ := json.Marshal(kwargs)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// AutoName synthesizes a schedule name from task + params + cron expression.
func AutoName(taskName string, kwargs map[string]any, cronExpr string) string {
	expr := strings.ReplaceAll(strings.TrimSpace(cronExpr), " ", "_")
	return fmt.Sprintf("%s-%s-%s", taskName, KwargsHash(kwargs), expr)
}

// ScheduleFilter selects schedules in List. Zero values mean "no constraint";
// Tags matches any-of.
type ScheduleFilter struct {
	Enabled  *bool
	Category string
	Tags     []string
	TaskName string
	Limit    int
	Offset   int
}

// SchedulePatch holds optional fields for updating a schedule.
// Only non-nil fields are applied.
type SchedulePatch struct {
	Name        *string
	TaskName    *string
	CronExpr    *string
	Enabled     *bool
	Args        *[]any
	Kwargs      *map[string]any
	Description *string
	Category    *string
	Tags        *[]string
	Policy      *ExecutionPolicy
}

// LogStatus is the lifecycle state of an execution log.
type LogStatus string

const (
	StatusRunning LogStatus = "running"
	StatusSuccess LogStatus = "success"
	StatusFailed  LogStatus = "failed"
	StatusSkipped LogStatus = "skipped"
)

// Terminal reports whether s is a final state.
func (s LogStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// ExecutionLog is one record per task invocation.
type ExecutionLog struct {
	ID           uuid.UUID       `json:"id"`
	ScheduleID   *uuid.UUID      `json:"schedule_id,omitempty"` // nil for ad-hoc invocations
	TaskName     string          `json:"task_name"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Status       LogStatus       `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// LogFilter selects execution logs in ListRecent.
type LogFilter struct {
	ScheduleID *uuid.UUID
	TaskName   string
	Status     LogStatus
	Limit      int
}

// ListedInfo is one row of the canonical task's output table, keyed on
// (date, code).
type ListedInfo struct {
	Date          time.Time `json:"date"`
	Code          string    `json:"code"`
	CompanyName   string    `json:"company_name"`
	CompanyNameEN string    `json:"company_name_en,omitempty"`
	Market        string    `json:"market,omitempty"`
	Sector        string    `json:"sector,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
