package scheduler

import (
	"container/heap"
	"sort"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
	logx "watchbot/pkg/logx"
)

// Snapshot returns the id counter and the due-set ordered by (due, id).
func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{NextID: s.nextID, Entries: make([]EntryState, 0, len(s.entries))}
	for _, e := range s.entries {
		st.Entries = append(st.Entries, EntryState{ID: e.id, IntervalMs: e.interval, DueMs: e.due})
	}
	sort.Slice(st.Entries, func(i, j int) bool {
		a, b := st.Entries[i], st.Entries[j]
		if a.DueMs != b.DueMs {
			return a.DueMs < b.DueMs
		}
		return a.ID < b.ID
	})
	return st
}

// Restore replaces the due-set and id counter with st. The timer slot is
// released; the caller arms it once the restored state is reconciled.
func (s *Service) Restore(st State) error {
	seen := make(map[job.ID]struct{}, len(st.Entries))
	for _, e := range st.Entries {
		if e.IntervalMs <= 0 {
			return errors.Newf("scheduler state: job %d has interval %dms", e.ID, e.IntervalMs)
		}
		if _, dup := seen[e.ID]; dup {
			return errors.Newf("scheduler state: job %d listed twice", e.ID)
		}
		seen[e.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.entries = make(map[job.ID]*entry, len(st.Entries))
	s.queue = make(dueQueue, 0, len(st.Entries))
	s.nextID = st.NextID
	for _, es := range st.Entries {
		e := &entry{id: es.ID, interval: es.IntervalMs, due: es.DueMs}
		s.entries[e.id] = e
		s.queue = append(s.queue, e)
		e.index = len(s.queue) - 1
		if uint64(e.id) > s.nextID {
			s.nextID = uint64(e.id)
		}
	}
	heap.Init(&s.queue)
	s.log.Info("due-set restored", logx.Int("active", len(s.entries)), logx.Uint64("next_id", s.nextID))
	return nil
}

// Reserve lifts the id counter so the next Add never hands out id or below.
func (s *Service) Reserve(id job.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(id) > s.nextID {
		s.nextID = uint64(id)
	}
}
