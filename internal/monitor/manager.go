package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
	"watchbot/internal/notifier"
	"watchbot/internal/source"
	"watchbot/internal/storage"
	"watchbot/internal/task/scheduler"
	logx "watchbot/pkg/logx"
)

// Manager owns job lifecycle. Every operation that changes a job's state
// changes the store and the scheduler together under mu, so a job is
// Running iff it has a due-set entry.
type Manager struct {
	mu sync.Mutex

	cfg    Config
	sched  *scheduler.Service
	store  storage.Store
	reader source.Reader
	sink   notifier.Sink
	spawn  Spawner
	log    logx.Logger

	runMu    sync.Mutex
	inflight map[job.ID]struct{}

	runs         atomic.Uint64
	skipped      atomic.Uint64
	polls        atomic.Uint64
	pollErrors   atomic.Uint64
	records      atomic.Uint64
	notifyCalls  atomic.Uint64
	notifyErrors atomic.Uint64
	lastRun      atomic.Int64 // unix ms
}

func New(cfg Config, sched *scheduler.Service, store storage.Store, reader source.Reader, sink notifier.Sink, spawn Spawner, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DefaultBatchSize == 0 {
		cfg.DefaultBatchSize = 100
	}
	return &Manager{
		cfg:      cfg,
		sched:    sched,
		store:    store,
		reader:   reader,
		sink:     sink,
		spawn:    spawn,
		log:      log,
		inflight: map[job.ID]struct{}{},
	}
}

// Add validates j, registers it with the scheduler and persists it as one
// step. When the store write fails the scheduler entry is removed again, so
// a reported failure leaves no residue.
func (m *Manager) Add(ctx context.Context, j job.Job) (id job.ID, err error) {
	start := time.Now()
	defer func() { m.audit(ctx, "create", id, start, err) }()

	if j.BatchSize == 0 {
		j.BatchSize = m.cfg.DefaultBatchSize
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.State = job.StateRunning
	if err := j.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id, startOnly, err := m.sched.Add(j.Active(), m.sched.Now())
	if err != nil {
		return 0, err
	}
	if err := m.store.Put(ctx, id, j); err != nil {
		m.sched.Delete(id)
		return 0, errors.Wrapf(err, "persist job %d", id)
	}
	m.armLocked(startOnly)
	m.log.Info("job created", logx.String("job", id.String()), logx.String("type", j.Type.String()), logx.Uint32("interval", j.Interval), logx.Uint32("offset", j.Offset))
	return id, nil
}

// Start re-activates a stopped job. Starting a running job is a no-op.
func (m *Manager) Start(ctx context.Context, id job.ID) (err error) {
	start := time.Now()
	defer func() { m.audit(ctx, "start", id, start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return unknownJob(id)
	}
	if err := m.agreeLocked(id, j); err != nil {
		return err
	}
	if j.State == job.StateRunning {
		return nil
	}
	startOnly, err := m.sched.AddEx(id, j.Active(), m.sched.Now())
	if err != nil {
		return err
	}
	j.State = job.StateRunning
	if err := m.store.Put(ctx, id, j); err != nil {
		m.sched.Delete(id)
		return errors.Wrapf(err, "persist job %d", id)
	}
	m.armLocked(startOnly)
	m.log.Info("job started", logx.String("job", id.String()))
	return nil
}

// Stop deactivates a job and keeps its record. Stopping an idle job is a
// no-op. A run already dispatched finishes and saves its progress.
func (m *Manager) Stop(ctx context.Context, id job.ID) (err error) {
	start := time.Now()
	defer func() { m.audit(ctx, "stop", id, start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return unknownJob(id)
	}
	if err := m.agreeLocked(id, j); err != nil {
		return err
	}
	if j.State == job.StateIdle {
		return nil
	}
	due, _ := m.sched.NextDue(id)
	m.sched.Delete(id)
	idle := j
	idle.State = job.StateIdle
	if err := m.store.Put(ctx, id, idle); err != nil {
		m.reactivateLocked(id, j, due)
		return errors.Wrapf(err, "persist job %d", id)
	}
	m.log.Info("job stopped", logx.String("job", id.String()))
	return nil
}

// Delete removes the job from the scheduler and the store.
func (m *Manager) Delete(ctx context.Context, id job.ID) (err error) {
	start := time.Now()
	defer func() { m.audit(ctx, "delete", id, start, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return unknownJob(id)
	}
	due, _ := m.sched.NextDue(id)
	wasActive := m.sched.Delete(id)
	if _, err := m.store.Delete(ctx, id); err != nil {
		if wasActive {
			m.reactivateLocked(id, j, due)
		}
		return errors.Wrapf(err, "delete job %d", id)
	}
	m.log.Info("job deleted", logx.String("job", id.String()))
	return nil
}

// reactivateLocked puts a job back into the due-set at its old due time after
// a failed store write. Call with m.mu held.
func (m *Manager) reactivateLocked(id job.ID, j job.Job, due time.Time) {
	startOnly, err := m.sched.AddAt(id, j.Active(), due)
	if err != nil {
		m.log.Error("job rollback failed", logx.String("job", id.String()), logx.Err(err))
		return
	}
	m.armLocked(startOnly)
}

// Get returns the summary of one job.
func (m *Manager) Get(ctx context.Context, id job.ID) (job.Summary, error) {
	j, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return job.Summary{}, err
	}
	if !ok {
		return job.Summary{}, unknownJob(id)
	}
	return j.Summary(id), nil
}

// List pages over jobs in id order. It has no side effects.
func (m *Manager) List(ctx context.Context, offset, size int) ([]job.Summary, error) {
	recs, err := m.store.List(ctx, offset, size)
	if err != nil {
		return nil, err
	}
	out := make([]job.Summary, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Job.Summary(r.ID))
	}
	return out, nil
}

// Page lists the 1-based page of the given size.
func (m *Manager) Page(ctx context.Context, page, size int) ([]job.Summary, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	return m.List(ctx, (page-1)*size, size)
}

// CurrentOffset asks the source how many records exist right now. A job
// created with that offset skips the backlog.
func (m *Manager) CurrentOffset(ctx context.Context, typ job.Type) (uint32, error) {
	p, err := m.reader.Read(ctx, typ, 0, 1)
	if err != nil {
		return 0, errors.Wrap(err, "query current offset")
	}
	return p.Total, nil
}

func (m *Manager) Stats() Stats {
	st := Stats{
		Active:       m.sched.Len(),
		Runs:         m.runs.Load(),
		Skipped:      m.skipped.Load(),
		Polls:        m.polls.Load(),
		PollErrors:   m.pollErrors.Load(),
		Records:      m.records.Load(),
		NotifyCalls:  m.notifyCalls.Load(),
		NotifyErrors: m.notifyErrors.Load(),
	}
	if ms := m.lastRun.Load(); ms > 0 {
		st.LastRunAt = time.UnixMilli(ms)
	}
	return st
}

func (m *Manager) armLocked(startOnly bool) {
	if startOnly {
		m.sched.StartIfRequired(m.onTimer)
		return
	}
	m.sched.Restart(m.onTimer)
}

// agreeLocked reports a store record whose state disagrees with the due-set.
// That is a programming error, never a normal outcome.
func (m *Manager) agreeLocked(id job.ID, j job.Job) error {
	scheduled := m.sched.Contains(id)
	if (j.State == job.StateRunning) == scheduled {
		return nil
	}
	err := errors.AssertionFailedf("job %d is %s but scheduled=%v", id, j.State, scheduled)
	m.log.Error("job state disagrees with scheduler", logx.String("job", id.String()), logx.Err(err))
	return err
}

func (m *Manager) audit(ctx context.Context, action string, id job.ID, start time.Time, err error) {
	a := actorFrom(ctx)
	e := storage.AuditEntry{
		At:            start,
		ActorID:       a.ID,
		ActorUsername: a.Username,
		ChatID:        a.ChatID,
		ThreadID:      a.ThreadID,
		Action:        action,
		OK:            err == nil,
		TookMS:        time.Since(start).Milliseconds(),
	}
	if a.Via != "" {
		if b, err := json.Marshal(map[string]string{"via": a.Via}); err == nil {
			e.MetaJSON = string(b)
		}
	}
	if id != 0 {
		e.Target = id.String()
	}
	if err != nil {
		e.Error = err.Error()
	}
	// The audit write must outlive a canceled request.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if aerr := m.store.AppendAudit(actx, e); aerr != nil {
		m.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
