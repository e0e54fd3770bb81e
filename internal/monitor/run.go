package monitor

import (
	"context"
	"time"

	"watchbot/internal/job"
	"watchbot/internal/source"
	logx "watchbot/pkg/logx"
)

// onTimer is the scheduler's armed callback. It re-arms with itself.
func (m *Manager) onTimer() {
	m.sched.Process(m.onTimer, m.dispatch)
}

// dispatch launches a run and returns at once.
func (m *Manager) dispatch(id job.ID) {
	m.spawn.Go0("job."+id.String(), func(ctx context.Context) {
		m.runJob(ctx, id)
	})
}

func (m *Manager) acquire(id job.ID) bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if _, busy := m.inflight[id]; busy {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Manager) release(id job.ID) {
	m.runMu.Lock()
	delete(m.inflight, id)
	m.runMu.Unlock()
}

// runJob pages through the job's source from its cursor until caught up,
// notifying each non-empty page. A poll or notify failure ends the run; the
// cursor keeps whatever was consumed before it and the next due time retries.
func (m *Manager) runJob(ctx context.Context, id job.ID) {
	if !m.acquire(id) {
		m.skipped.Add(1)
		m.log.Info("job still running, dispatch skipped", logx.String("job", id.String()))
		return
	}
	defer m.release(id)

	if m.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RunTimeout)
		defer cancel()
	}

	j, ok, err := m.store.Get(ctx, id)
	if err != nil {
		m.log.Warn("job load failed", logx.String("job", id.String()), logx.Err(err))
		return
	}
	if !ok {
		return
	}
	m.runs.Add(1)
	m.lastRun.Store(time.Now().UnixMilli())

	log := m.log.With(logx.String("job", id.String()), logx.String("type", j.Type.String()))
	start := time.Now()
	from := j.Offset
	for {
		m.polls.Add(1)
		page, err := m.reader.Read(ctx, j.Type, j.Offset, j.BatchSize)
		if err != nil {
			m.pollErrors.Add(1)
			log.Warn("poll failed", logx.Uint32("offset", j.Offset), logx.Err(err))
			break
		}
		n := uint32(len(page.Records))
		if n > 0 {
			m.notifyCalls.Add(1)
			if err := m.sink.Notify(ctx, source.RenderAll(j.OutputTemplate, page.Records)); err != nil {
				m.notifyErrors.Add(1)
				log.Warn("notify failed", logx.Uint32("offset", j.Offset), logx.Int("messages", len(page.Records)), logx.Err(err))
				break
			}
			j.Offset += n
			m.records.Add(uint64(n))
		}
		if j.Offset >= page.Total {
			break
		}
		if n == 0 {
			log.Warn("source reported more records but returned none", logx.Uint32("offset", j.Offset), logx.Uint32("total", page.Total))
			break
		}
	}

	if j.Offset != from {
		m.saveCursor(ctx, id, j.Offset)
	}
	log.Debug("job run finished", logx.Uint32("from", from), logx.Uint32("to", j.Offset), logx.Duration("took", time.Since(start)))
}

// saveCursor writes back only the advanced cursor. A job deleted meanwhile
// stays deleted and a job stopped meanwhile stays stopped.
func (m *Manager) saveCursor(ctx context.Context, id job.ID, offset uint32) {
	ctx = context.WithoutCancel(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok, err := m.store.Get(ctx, id)
	if err != nil {
		m.log.Error("cursor reload failed", logx.String("job", id.String()), logx.Err(err))
		return
	}
	if !ok {
		m.log.Info("job deleted during run, cursor dropped", logx.String("job", id.String()))
		return
	}
	if offset <= cur.Offset {
		return
	}
	cur.Offset = offset
	if err := m.store.Put(ctx, id, cur); err != nil {
		m.log.Error("cursor save failed", logx.String("job", id.String()), logx.Uint32("offset", offset), logx.Err(err))
	}
}
