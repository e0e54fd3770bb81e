package scheduler

import (
	"container/heap"
	"time"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
	logx "watchbot/pkg/logx"
)

// Add registers a new job and assigns it a fresh id.
//
// startOnly is true when StartIfRequired is enough to get the new due time
// covered: either nothing is armed, or the armed timer fires no later than
// the new entry. It is false when a timer is armed for a later time and the
// caller must Restart.
func (s *Service) Add(a job.Active, now time.Time) (id job.ID, startOnly bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(a); err != nil {
		return 0, false, err
	}
	s.nextID++
	id = job.ID(s.nextID)
	return id, s.insertLocked(id, a, now), nil
}

// AddEx re-activates a stopped job id. It fails with ErrAlreadyActive when
// id is already in the due-set.
func (s *Service) AddEx(id job.ID, a job.Active, now time.Time) (startOnly bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return false, errors.Wrapf(ErrAlreadyActive, "job %d", id)
	}
	if err := s.admitLocked(a); err != nil {
		return false, err
	}
	if uint64(id) > s.nextID {
		s.nextID = uint64(id)
	}
	return s.insertLocked(id, a, now), nil
}

// AddAt re-inserts id with an exact due time, for undoing a Delete.
func (s *Service) AddAt(id job.ID, a job.Active, due time.Time) (startOnly bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return false, errors.Wrapf(ErrAlreadyActive, "job %d", id)
	}
	if err := s.admitLocked(a); err != nil {
		return false, err
	}
	if uint64(id) > s.nextID {
		s.nextID = uint64(id)
	}
	e := &entry{id: id, interval: a.Interval.Milliseconds(), due: due.UnixMilli()}
	return s.pushLocked(e), nil
}

// Delete removes id from the due-set. Deleting an inactive id is a no-op.
func (s *Service) Delete(id job.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, e.index)
	delete(s.entries, id)
	return true
}

// StartIfRequired arms the timer for the minimum due time unless a timer is
// already outstanding. It reports whether a timer was armed by this call.
func (s *Service) StartIfRequired(cb Callback) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return false
	}
	return s.armLocked(cb)
}

// Restart cancels any outstanding timer and arms a fresh one for the
// minimum due time. The slot is left empty when the due-set is empty.
func (s *Service) Restart(cb Callback) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	return s.armLocked(cb)
}

// Process handles a timer fire. Every job due at now is advanced by one
// interval from its previous due time and dispatched to jobCB in (due, id)
// order. The timer is re-armed with rearm for the new minimum before any
// callback runs. jobCB must not block.
func (s *Service) Process(rearm Callback, jobCB func(job.ID)) {
	s.mu.Lock()
	now := s.clock.Now().UnixMilli()
	var due []*entry
	for len(s.queue) > 0 && s.queue[0].due <= now {
		due = append(due, heap.Pop(&s.queue).(*entry))
	}
	ids := make([]job.ID, 0, len(due))
	for _, e := range due {
		switch s.cfg.CatchUp {
		case CatchUpSkip:
			missed := (now - e.due) / e.interval
			e.due += (missed + 1) * e.interval
		default:
			e.due += e.interval
		}
		heap.Push(&s.queue, e)
		ids = append(ids, e.id)
	}
	s.dispatched += uint64(len(ids))
	s.cancelLocked()
	s.armLocked(rearm)
	s.mu.Unlock()

	if len(ids) > 0 {
		s.log.Debug("jobs due", logx.Int("count", len(ids)), logx.Int64("now_ms", now))
	}
	for _, id := range ids {
		jobCB(id)
	}
}

func (s *Service) admitLocked(a job.Active) error {
	if a.Interval < time.Millisecond {
		return errors.Wrap(job.ErrInvalid, "interval must be > 0")
	}
	if s.cfg.MaxActive > 0 && len(s.entries) >= s.cfg.MaxActive {
		return errors.WithHint(
			errors.Wrapf(ErrCapacity, "%d active jobs", len(s.entries)),
			"stop or delete a job, or raise scheduler.max_active",
		)
	}
	return nil
}

// insertLocked adds the entry and reports whether StartIfRequired suffices.
func (s *Service) insertLocked(id job.ID, a job.Active, now time.Time) bool {
	interval := a.Interval.Milliseconds()
	return s.pushLocked(&entry{id: id, interval: interval, due: s.firstDueLocked(now, interval)})
}

func (s *Service) pushLocked(e *entry) bool {
	s.entries[e.id] = e
	heap.Push(&s.queue, e)
	return !s.armed || s.armedAt <= e.due
}

func (s *Service) armLocked(cb Callback) bool {
	if len(s.queue) == 0 {
		return false
	}
	at := s.queue[0].due
	delay := time.Duration(at-s.clock.Now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.gen++
	gen := s.gen
	s.armed = true
	s.armedAt = at
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen, cb) })
	return true
}

func (s *Service) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = nil
	s.armed = false
	s.armedAt = 0
	s.gen++
}

func (s *Service) fire(gen uint64, cb Callback) {
	s.mu.Lock()
	if gen != s.gen || !s.armed {
		s.stale++
		s.mu.Unlock()
		return
	}
	s.fired++
	s.timer = nil
	s.armed = false
	s.armedAt = 0
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}
