// Package memory provides mutex-guarded in-memory store implementations.
// Used by tests and by embedded mode where no Postgres is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/marketbeat/internal/store"
)

// ScheduleStore implements store.ScheduleStore in memory.
type ScheduleStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*store.Schedule
}

func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{items: make(map[uuid.UUID]*store.Schedule)}
}

func (m *ScheduleStore) Create(_ context.Context, s *store.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Policy == "" {
		s.Policy = store.PolicyAllow
	}
	if s.Name == "" {
		s.Name = store.AutoName(s.TaskName, s.Kwargs, s.CronExpr)
		s.AutoGeneratedName = true
	}
	m.items[s.ID] = s.Clone()
	return nil
}

func (m *ScheduleStore) GetByID(_ context.Context, id uuid.UUID) (*store.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *ScheduleStore) GetByName(_ context.Context, name string) (*store.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.items {
		if s.Name == name {
			return s.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *ScheduleStore) List(_ context.Context, f store.ScheduleFilter) ([]store.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []store.Schedule
	for _, s := range m.items {
		if !matches(s, f) {
			continue
		}
		result = append(result, *s.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID.String() < result[j].ID.String()
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return nil, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func matches(s *store.Schedule, f store.ScheduleFilter) bool {
	if f.Enabled != nil && s.Enabled != *f.Enabled {
		return false
	}
	if f.Category != "" && s.Category != f.Category {
		return false
	}
	if f.TaskName != "" && s.TaskName != f.TaskName {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			for _, have := range s.Tags {
				if want == have {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *ScheduleStore) Update(_ context.Context, id uuid.UUID, patch store.SchedulePatch) (*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	if patch.Name != nil {
		s.Name = *patch.Name
		s.AutoGeneratedName = false
	}
	if patch.TaskName != nil {
		s.TaskName = *patch.TaskName
	}
	if patch.CronExpr != nil {
		s.CronExpr = *patch.CronExpr
	}
	if patch.Enabled != nil {
		s.Enabled = *patch.Enabled
	}
	if patch.Args != nil {
		s.Args = store.CloneArgs(*patch.Args)
	}
	if patch.Kwargs != nil {
		s.Kwargs = store.CloneKwargs(*patch.Kwargs)
	}
	if patch.Description != nil {
		s.Description = *patch.Description
	}
	if patch.Category != nil {
		s.Category = *patch.Category
	}
	if patch.Tags != nil {
		s.Tags = append([]string(nil), (*patch.Tags)...)
	}
	if patch.Policy != nil {
		s.Policy = *patch.Policy
	}
	s.UpdatedAt = time.Now().UTC()

	return s.Clone(), nil
}

func (m *ScheduleStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *ScheduleStore) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Enabled = enabled
	s.UpdatedAt = time.Now().UTC()
	return nil
}
