package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/marketbeat/internal/store"
)

// ExecutionLogStore implements store.ExecutionLogStore in memory.
type ExecutionLogStore struct {
	mu   sync.RWMutex
	logs map[uuid.UUID]*store.ExecutionLog
}

func NewExecutionLogStore() *ExecutionLogStore {
	return &ExecutionLogStore{logs: make(map[uuid.UUID]*store.ExecutionLog)}
}

func (m *ExecutionLogStore) Begin(_ context.Context, taskName string, scheduleID *uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New()
	var sid *uuid.UUID
	if scheduleID != nil {
		v := *scheduleID
		sid = &v
	}
	m.logs[id] = &store.ExecutionLog{
		ID:         id,
		ScheduleID: sid,
		TaskName:   taskName,
		StartedAt:  time.Now().UTC(),
		Status:     store.StatusRunning,
	}
	return id, nil
}

// finish transitions a log to a terminal state; a log already terminal is
// left unchanged (first-writer-wins).
func (m *ExecutionLogStore) finish(id uuid.UUID, status store.LogStatus, result json.RawMessage, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[id]
	if !ok {
		return store.ErrNotFound
	}
	if l.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	l.Status = status
	l.FinishedAt = &now
	l.Result = result
	l.ErrorMessage = errMsg
	return nil
}

func (m *ExecutionLogStore) Complete(_ context.Context, id uuid.UUID, result json.RawMessage) error {
	return m.finish(id, store.StatusSuccess, result, "")
}

func (m *ExecutionLogStore) Fail(_ context.Context, id uuid.UUID, errMsg string) error {
	return m.finish(id, store.StatusFailed, nil, errMsg)
}

func (m *ExecutionLogStore) Skip(_ context.Context, id uuid.UUID) error {
	return m.finish(id, store.StatusSkipped, nil, "")
}

func (m *ExecutionLogStore) Get(_ context.Context, id uuid.UUID) (*store.ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.logs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *l
	return &out, nil
}

func (m *ExecutionLogStore) ListRecent(_ context.Context, f store.LogFilter) ([]store.ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []store.ExecutionLog
	for _, l := range m.logs {
		if f.ScheduleID != nil && (l.ScheduleID == nil || *l.ScheduleID != *f.ScheduleID) {
			continue
		}
		if f.TaskName != "" && l.TaskName != f.TaskName {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		result = append(result, *l)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// ListedInfoStore implements store.ListedInfoStore in memory.
type ListedInfoStore struct {
	mu   sync.Mutex
	rows map[string]store.ListedInfo // "YYYY-MM-DD:code" → row
}

func NewListedInfoStore() *ListedInfoStore {
	return &ListedInfoStore{rows: make(map[string]store.ListedInfo)}
}

func (m *ListedInfoStore) UpsertBatch(_ context.Context, rows []store.ListedInfo) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rows {
		key := r.Date.Format("2006-01-02") + ":" + r.Code
		m.rows[key] = r
	}
	return len(rows), nil
}

// Count returns the number of distinct (date, code) rows stored.
func (m *ListedInfoStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
