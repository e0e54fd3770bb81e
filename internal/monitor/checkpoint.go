package monitor

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
	"watchbot/internal/storage"
	"watchbot/internal/task/scheduler"
	logx "watchbot/pkg/logx"
)

const listPage = 256

// Checkpoint persists the due-set and id counter so a restart resumes the
// same schedule.
func (m *Manager) Checkpoint(ctx context.Context) error {
	m.mu.Lock()
	st := m.sched.Snapshot()
	m.mu.Unlock()
	b, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode scheduler state")
	}
	if err := m.store.SaveState(ctx, b); err != nil {
		return errors.Wrap(err, "save scheduler state")
	}
	m.log.Debug("checkpoint saved", logx.Int("active", len(st.Entries)), logx.Uint64("next_id", st.NextID))
	return nil
}

// Restore loads the last checkpoint and reconciles it with the job store,
// which is authoritative for job state. It does not arm the timer; call
// Resume once the rest of the process is ready.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st scheduler.State
	raw, ok, err := m.store.LoadState(ctx)
	if err != nil {
		return errors.Wrap(err, "load scheduler state")
	}
	if ok {
		if err := json.Unmarshal(raw, &st); err != nil {
			m.log.Warn("scheduler state unreadable, rebuilding from jobs", logx.Err(err))
			st = scheduler.State{}
		}
	}
	if err := m.sched.Restore(st); err != nil {
		m.log.Warn("scheduler state rejected, rebuilding from jobs", logx.Err(err))
		if err := m.sched.Restore(scheduler.State{}); err != nil {
			return err
		}
	}

	now := m.sched.Now()
	intervals := make(map[job.ID]int64, len(st.Entries))
	for _, e := range st.Entries {
		intervals[e.ID] = e.IntervalMs
	}
	seen := make(map[job.ID]struct{})
	var maxID job.ID
	var added, dropped int
	for offset := 0; ; offset += listPage {
		recs, err := m.store.List(ctx, offset, listPage)
		if err != nil {
			return errors.Wrap(err, "list jobs")
		}
		for _, r := range recs {
			seen[r.ID] = struct{}{}
			if r.ID > maxID {
				maxID = r.ID
			}
			switch r.Job.State {
			case job.StateRunning:
				if m.intervalMatches(intervals, r) {
					continue
				}
				m.sched.Delete(r.ID)
				if _, err := m.sched.AddEx(r.ID, r.Job.Active(), now); err != nil {
					return errors.Wrapf(err, "reschedule job %d", r.ID)
				}
				added++
			default:
				if m.sched.Delete(r.ID) {
					dropped++
				}
			}
		}
		if len(recs) < listPage {
			break
		}
	}
	for _, e := range st.Entries {
		if _, ok := seen[e.ID]; !ok && m.sched.Delete(e.ID) {
			dropped++
		}
	}
	m.sched.Reserve(maxID)
	m.log.Info("jobs restored", logx.Int("active", m.sched.Len()), logx.Int("rescheduled", added), logx.Int("dropped", dropped))
	return nil
}

func (m *Manager) intervalMatches(intervals map[job.ID]int64, r storage.Record) bool {
	ms, ok := intervals[r.ID]
	return ok && m.sched.Contains(r.ID) && ms == r.Job.IntervalDuration().Milliseconds()
}

// Resume arms the timer for the restored due-set.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sched.Restart(m.onTimer)
}

// Shutdown stops dispatching and writes a final checkpoint.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.sched.Stop()
	return m.Checkpoint(ctx)
}

// CheckInvariant walks every stored job and reports the first one whose state
// disagrees with the due-set, or a due-set entry without a job.
func (m *Manager) CheckInvariant(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	running := 0
	for offset := 0; ; offset += listPage {
		recs, err := m.store.List(ctx, offset, listPage)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if err := m.agreeLocked(r.ID, r.Job); err != nil {
				return err
			}
			if r.Job.State == job.StateRunning {
				running++
			}
		}
		if len(recs) < listPage {
			break
		}
	}
	if n := m.sched.Len(); n != running {
		return errors.AssertionFailedf("due-set has %d entries for %d running jobs", n, running)
	}
	return nil
}
