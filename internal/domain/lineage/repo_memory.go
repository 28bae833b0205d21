package lineage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memoryRepo struct {
	mu       sync.RWMutex
	actions  map[uuid.UUID]*Action
	reports  map[uuid.UUID]*Report
	order    []uuid.UUID
	parents  map[uuid.UUID]*Edge
	children map[uuid.UUID][]*Edge
}

// NewMemoryRepo returns a Repository kept in process memory. It is used when
// no database is configured.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		actions:  make(map[uuid.UUID]*Action),
		reports:  make(map[uuid.UUID]*Report),
		parents:  make(map[uuid.UUID]*Edge),
		children: make(map[uuid.UUID][]*Edge),
	}
}

func (m *memoryRepo) InsertAction(_ context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	m.actions[a.ID] = &c
	return nil
}

func (m *memoryRepo) InsertReport(_ context.Context, r *Report) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[r.ID]; ok {
		return false, nil
	}
	c := *r
	m.reports[r.ID] = &c
	m.order = append(m.order, r.ID)
	return true, nil
}

func (m *memoryRepo) GetReport(_ context.Context, id uuid.UUID) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	c := *r
	return &c, nil
}

func (m *memoryRepo) GetReports(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]*Report, len(ids))
	for _, id := range ids {
		if r, ok := m.reports[id]; ok {
			c := *r
			out[id] = &c
		}
	}
	return out, nil
}

// ListReports returns matching reports newest first.
func (m *memoryRepo) ListReports(_ context.Context, f ReportFilter, limit, offset int) ([]*Report, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*Report
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.reports[m.order[i]]
		if f.Stage != "" && r.Stage != f.Stage {
			continue
		}
		if f.Receiver != "" && r.Receiver != f.Receiver {
			continue
		}
		c := *r
		matched = append(matched, &c)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *memoryRepo) InsertEdge(_ context.Context, e *Edge) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.parents[e.ChildID]; ok {
		return false, nil
	}
	c := *e
	m.parents[e.ChildID] = &c
	m.children[e.ParentID] = append(m.children[e.ParentID], &c)
	return true, nil
}

func (m *memoryRepo) GetParent(_ context.Context, child uuid.UUID) (*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.parents[child]
	if !ok {
		return nil, nil
	}
	c := *e
	return &c, nil
}

func (m *memoryRepo) GetParents(_ context.Context, children []uuid.UUID) (map[uuid.UUID]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]*Edge)
	for _, id := range children {
		if e, ok := m.parents[id]; ok {
			c := *e
			out[id] = &c
		}
	}
	return out, nil
}

func (m *memoryRepo) GetChildren(_ context.Context, parents []uuid.UUID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Edge
	for _, id := range parents {
		for _, e := range m.children[id] {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}
