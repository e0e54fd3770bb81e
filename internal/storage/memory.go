package storage

import (
	"context"
	"sort"
	"sync"

	"watchbot/internal/job"
)

const memoryAuditKeep = 1000

// Memory is an in-process Store. The file driver uses it as its index.
type Memory struct {
	mu     sync.RWMutex
	ids    []job.ID // sorted
	jobs   map[job.ID]job.Job
	state  []byte
	audit  []AuditEntry
	closed bool
}

func NewMemory() *Memory {
	return &Memory{jobs: map[job.ID]job.Job{}}
}

func (m *Memory) Get(_ context.Context, id job.ID) (job.Job, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return job.Job{}, false, ErrClosed
	}
	j, ok := m.jobs[id]
	return j, ok, nil
}

func (m *Memory) Exists(_ context.Context, id job.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.jobs[id]
	return ok, nil
}

func (m *Memory) Put(_ context.Context, id job.ID, j job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.putLocked(id, j)
	return nil
}

func (m *Memory) putLocked(id job.ID, j job.Job) {
	if _, ok := m.jobs[id]; !ok {
		i := sort.Search(len(m.ids), func(i int) bool { return m.ids[i] >= id })
		m.ids = append(m.ids, 0)
		copy(m.ids[i+1:], m.ids[i:])
		m.ids[i] = id
	}
	m.jobs[id] = j
}

func (m *Memory) Delete(_ context.Context, id job.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	return m.deleteLocked(id), nil
}

func (m *Memory) deleteLocked(id job.ID) bool {
	if _, ok := m.jobs[id]; !ok {
		return false
	}
	delete(m.jobs, id)
	i := sort.Search(len(m.ids), func(i int) bool { return m.ids[i] >= id })
	m.ids = append(m.ids[:i], m.ids[i+1:]...)
	return true
}

func (m *Memory) List(_ context.Context, offset, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	from, to := clampPage(offset, limit, len(m.ids))
	out := make([]Record, 0, to-from)
	for _, id := range m.ids[from:to] {
		out = append(out, Record{ID: id, Job: m.jobs[id]})
	}
	return out, nil
}

func (m *Memory) SaveState(_ context.Context, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.state = append([]byte(nil), state...)
	return nil
}

func (m *Memory) LoadState(_ context.Context) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	if m.state == nil {
		return nil, false, nil
	}
	return append([]byte(nil), m.state...), true, nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	e.normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, e)
	if len(m.audit) > memoryAuditKeep {
		m.audit = append([]AuditEntry(nil), m.audit[len(m.audit)-memoryAuditKeep:]...)
	}
	return nil
}

// Audit returns the retained audit entries, oldest first.
func (m *Memory) Audit() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AuditEntry(nil), m.audit...)
}

// Len reports the number of stored jobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
