package monitor

import (
	"context"
	"encoding/json"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
	"watchbot/internal/source"
	"watchbot/internal/storage"
	"watchbot/internal/task/scheduler"
	logx "watchbot/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type syncSpawner struct{}

func (syncSpawner) Go0(_ string, fn func(ctx context.Context)) { fn(context.Background()) }

// fakeReader serves n records {"id": 1..n}. failAt makes reads at or past
// that cursor fail.
type fakeReader struct {
	mu     sync.Mutex
	n      uint32
	failAt int
	reads  []uint32
}

func (f *fakeReader) Read(_ context.Context, _ job.Type, cursor, size uint32) (source.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, cursor)
	if f.failAt > 0 && int(cursor) >= f.failAt {
		return source.Page{}, errors.New("gateway unavailable")
	}
	var p source.Page
	p.Total = f.n
	for i := cursor; i < f.n && i < cursor+size; i++ {
		p.Records = append(p.Records, source.Record{"id": json.Number(strconv.Itoa(int(i) + 1))})
	}
	return p, nil
}

type fakeSink struct {
	mu     sync.Mutex
	calls  [][]string
	failOn int // 1-based call number that fails
	hook   func()
}

func (f *fakeSink) Notify(_ context.Context, messages []string) error {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	n := len(f.calls)
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.failOn == n {
		return errors.New("chat unavailable")
	}
	return nil
}

type rig struct {
	m      *Manager
	clk    *scheduler.ManualClock
	store  *storage.Memory
	reader *fakeReader
	sink   *fakeSink
}

func newRig(t *testing.T, store storage.Store) *rig {
	t.Helper()
	mem, _ := store.(*storage.Memory)
	if store == nil {
		mem = storage.NewMemory()
		store = mem
	}
	clk := scheduler.NewManualClock(t0)
	r := &rig{
		clk:    clk,
		store:  mem,
		reader: &fakeReader{},
		sink:   &fakeSink{},
	}
	sched := scheduler.New(scheduler.Config{}, clk, logx.Nop())
	r.m = New(Config{DefaultBatchSize: 2}, sched, store, r.reader, r.sink, syncSpawner{}, logx.Nop())
	return r
}

func canisterJob(interval uint32) job.Job {
	return job.Job{
		Type:           job.CanisterType("ryjl3-tyaaa-aaaaa-aaaba-cai", "get_blocks"),
		OutputTemplate: "id={id}",
		Interval:       interval,
	}
}

func (r *rig) mustInvariant(t *testing.T) {
	t.Helper()
	if err := r.m.CheckInvariant(context.Background()); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func (r *rig) offset(t *testing.T, id job.ID) uint32 {
	t.Helper()
	s, err := r.m.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return s.Offset
}

func TestRunPagesUntilCaughtUp(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.reader.n = 5
	ctx := context.Background()

	id, err := r.m.Add(ctx, canisterJob(10))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}
	r.mustInvariant(t)

	r.clk.Advance(0)
	want := [][]string{{"id=1", "id=2"}, {"id=3", "id=4"}, {"id=5"}}
	if !reflect.DeepEqual(r.sink.calls, want) {
		t.Fatalf("notify calls = %v, want %v", r.sink.calls, want)
	}
	if got := r.offset(t, id); got != 5 {
		t.Fatalf("offset = %d, want 5", got)
	}

	// Nothing new: the next fire polls once and notifies nothing.
	r.clk.Advance(10 * time.Second)
	if len(r.sink.calls) != 3 {
		t.Fatalf("notify calls after idle fire = %d, want 3", len(r.sink.calls))
	}
	r.reader.mu.Lock()
	lastRead := r.reader.reads[len(r.reader.reads)-1]
	r.reader.mu.Unlock()
	if lastRead != 5 {
		t.Fatalf("idle fire read cursor %d, want 5", lastRead)
	}
	if st := r.m.Stats(); st.Runs != 2 || st.Records != 5 || st.NotifyCalls != 3 {
		t.Fatalf("stats = %+v", st)
	}
	r.mustInvariant(t)
}

func TestPollErrorKeepsProgress(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.reader.n = 5
	r.reader.failAt = 2
	ctx := context.Background()

	id, err := r.m.Add(ctx, canisterJob(10))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.clk.Advance(0)
	if got := r.offset(t, id); got != 2 {
		t.Fatalf("offset = %d, want 2", got)
	}
	s, _ := r.m.Get(ctx, id)
	if s.State != job.StateRunning {
		t.Fatalf("state = %s, want running", s.State)
	}
	if st := r.m.Stats(); st.PollErrors != 1 {
		t.Fatalf("poll errors = %d, want 1", st.PollErrors)
	}

	r.reader.mu.Lock()
	r.reader.failAt = 0
	r.reader.mu.Unlock()
	r.clk.Advance(10 * time.Second)
	if got := r.offset(t, id); got != 5 {
		t.Fatalf("offset after recovery = %d, want 5", got)
	}
	r.mustInvariant(t)
}

func TestNotifyErrorDoesNotAdvance(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.reader.n = 5
	r.sink.failOn = 2
	ctx := context.Background()

	id, err := r.m.Add(ctx, canisterJob(10))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.clk.Advance(0)
	if len(r.sink.calls) != 2 {
		t.Fatalf("notify calls = %d, want 2", len(r.sink.calls))
	}
	if got := r.offset(t, id); got != 2 {
		t.Fatalf("offset = %d, want 2", got)
	}

	// The failed page is delivered again on the next fire.
	r.clk.Advance(10 * time.Second)
	if got := r.sink.calls[2]; !reflect.DeepEqual(got, []string{"id=3", "id=4"}) {
		t.Fatalf("retried page = %v", got)
	}
	if got := r.offset(t, id); got != 5 {
		t.Fatalf("offset = %d, want 5", got)
	}
}

func TestAddThenDeleteLeavesNoResidue(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	ctx := context.Background()

	id, err := r.m.Add(ctx, canisterJob(30))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.m.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if r.store.Len() != 0 || r.m.sched.Len() != 0 {
		t.Fatalf("residue: store=%d due-set=%d", r.store.Len(), r.m.sched.Len())
	}
	r.mustInvariant(t)

	r.clk.Advance(time.Minute)
	if len(r.sink.calls) != 0 {
		t.Fatalf("deleted job notified: %v", r.sink.calls)
	}

	// Ids are never reused.
	next, err := r.m.Add(ctx, canisterJob(30))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if next != id+1 {
		t.Fatalf("next id = %d, want %d", next, id+1)
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	ctx := context.Background()

	id, err := r.m.Add(ctx, canisterJob(30))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	steps := []struct {
		name string
		do   func() error
		want job.State
	}{
		{"start running", func() error { return r.m.Start(ctx, id) }, job.StateRunning},
		{"stop", func() error { return r.m.Stop(ctx, id) }, job.StateIdle},
		{"stop idle", func() error { return r.m.Stop(ctx, id) }, job.StateIdle},
		{"start", func() error { return r.m.Start(ctx, id) }, job.StateRunning},
	}
	for _, st := range steps {
		if err := st.do(); err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		s, err := r.m.Get(ctx, id)
		if err != nil {
			t.Fatalf("%s: Get: %v", st.name, err)
		}
		if s.State != st.want {
			t.Fatalf("%s: state = %s, want %s", st.name, s.State, st.want)
		}
		if r.m.sched.Contains(id) != (st.want == job.StateRunning) {
			t.Fatalf("%s: scheduled = %v", st.name, r.m.sched.Contains(id))
		}
		r.mustInvariant(t)
	}
}

func TestUnknownJob(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	ctx := context.Background()
	ops := map[string]func() error{
		"start":  func() error { return r.m.Start(ctx, 42) },
		"stop":   func() error { return r.m.Stop(ctx, 42) },
		"delete": func() error { return r.m.Delete(ctx, 42) },
		"get":    func() error { _, err := r.m.Get(ctx, 42); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrUnknownJob) {
			t.Fatalf("%s: err = %v, want ErrUnknownJob", name, err)
		}
	}
}

func TestAddRejectsInvalid(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	j := canisterJob(0)
	if _, err := r.m.Add(context.Background(), j); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("err = %v, want ErrInvalidJob", err)
	}
	if r.store.Len() != 0 || r.m.sched.Len() != 0 {
		t.Fatal("invalid job left residue")
	}
}

// failingStore fails every Put once armed, and every Delete with failDelete.
type failingStore struct {
	*storage.Memory
	fail       bool
	failDelete bool
}

func (f *failingStore) Put(ctx context.Context, id job.ID, j job.Job) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Memory.Put(ctx, id, j)
}

func (f *failingStore) Delete(ctx context.Context, id job.ID) (bool, error) {
	if f.failDelete {
		return false, errors.New("disk full")
	}
	return f.Memory.Delete(ctx, id)
}

func TestStoreFailureRollsBack(t *testing.T) {
	t.Parallel()
	fs := &failingStore{Memory: storage.NewMemory()}
	r := newRig(t, fs)
	ctx := context.Background()

	id, err := r.m.Add(ctx, canisterJob(30))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	fs.fail = true

	if _, err := r.m.Add(ctx, canisterJob(30)); err == nil {
		t.Fatal("Add succeeded with failing store")
	}
	if err := r.m.Stop(ctx, id); err == nil {
		t.Fatal("Stop succeeded with failing store")
	}
	if !r.m.sched.Contains(id) {
		t.Fatal("failed Stop left job unscheduled")
	}
	if r.m.sched.Len() != 1 || fs.Len() != 1 {
		t.Fatalf("due-set=%d store=%d, want 1/1", r.m.sched.Len(), fs.Len())
	}
	r.mustInvariant(t)

	audit := fs.Audit()
	if len(audit) != 3 || !audit[0].OK || audit[1].OK || audit[2].OK {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestFailedWriteKeepsDueTime(t *testing.T) {
	t.Parallel()
	fs := &failingStore{Memory: storage.NewMemory()}
	r := newRig(t, fs)
	ctx := context.Background()

	id, err := r.m.Add(ctx, canisterJob(30))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	// First run at t0 moves the next due time to t0+30s.
	r.clk.Advance(10 * time.Second)
	want, ok := r.m.sched.NextDue(id)
	if !ok || !want.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("NextDue = (%v, %v), want %v", want, ok, t0.Add(30*time.Second))
	}

	fs.fail = true
	if err := r.m.Stop(ctx, id); err == nil {
		t.Fatal("Stop succeeded with failing store")
	}
	if got, _ := r.m.sched.NextDue(id); !got.Equal(want) {
		t.Fatalf("after failed Stop NextDue = %v, want %v", got, want)
	}
	fs.fail = false

	fs.failDelete = true
	if err := r.m.Delete(ctx, id); err == nil {
		t.Fatal("Delete succeeded with failing store")
	}
	if got, _ := r.m.sched.NextDue(id); !got.Equal(want) {
		t.Fatalf("after failed Delete NextDue = %v, want %v", got, want)
	}
	if armed, at := r.m.sched.Armed(); !armed || !at.Equal(want) {
		t.Fatalf("Armed = (%v, %v), want (true, %v)", armed, at, want)
	}
	r.mustInvariant(t)
}

func TestDeleteDuringRunDropsCursor(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.reader.n = 5
	ctx := context.Background()

	id, err := r.m.Add(ctx, canisterJob(10))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	var once sync.Once
	r.sink.hook = func() {
		once.Do(func() {
			if err := r.m.Delete(ctx, id); err != nil {
				t.Errorf("Delete: %v", err)
			}
		})
	}
	r.clk.Advance(0)
	if r.store.Len() != 0 {
		t.Fatal("finished run resurrected a deleted job")
	}
	r.mustInvariant(t)
}

func TestOverlappingRunSkipped(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.reader.n = 3
	ctx := context.Background()

	id, err := r.m.Add(ctx, canisterJob(10))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !r.m.acquire(id) {
		t.Fatal("acquire failed on idle job")
	}
	r.clk.Advance(0)
	if st := r.m.Stats(); st.Skipped != 1 || st.Runs != 0 {
		t.Fatalf("stats = %+v, want one skip", st)
	}
	r.m.release(id)
	r.clk.Advance(10 * time.Second)
	if got := r.offset(t, id); got != 3 {
		t.Fatalf("offset = %d, want 3", got)
	}
}

func TestCurrentOffset(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.reader.n = 17
	got, err := r.m.CurrentOffset(context.Background(), canisterJob(1).Type)
	if err != nil || got != 17 {
		t.Fatalf("CurrentOffset = (%d, %v), want 17", got, err)
	}
}

func TestRestoreReconciles(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	ctx := context.Background()

	running := canisterJob(10)
	running.BatchSize = 2
	running.State = job.StateRunning
	idle := running
	idle.State = job.StateIdle
	changed := running
	changed.Interval = 20

	for id, j := range map[job.ID]job.Job{1: running, 2: idle, 4: changed, 7: running} {
		if err := mem.Put(ctx, id, j); err != nil {
			t.Fatalf("Put(%d): %v", id, err)
		}
	}
	due := t0.Add(5 * time.Second).UnixMilli()
	st := scheduler.State{NextID: 5, Entries: []scheduler.EntryState{
		{ID: 1, IntervalMs: 10_000, DueMs: due},
		{ID: 2, IntervalMs: 10_000, DueMs: due}, // idle in store
		{ID: 3, IntervalMs: 10_000, DueMs: due}, // deleted
		{ID: 4, IntervalMs: 10_000, DueMs: due}, // interval changed
	}}
	b, _ := json.Marshal(st)
	if err := mem.SaveState(ctx, b); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	r := newRig(t, mem)
	if err := r.m.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for id, want := range map[job.ID]bool{1: true, 2: false, 3: false, 4: true, 7: true} {
		if got := r.m.sched.Contains(id); got != want {
			t.Fatalf("job %d scheduled = %v, want %v", id, got, want)
		}
	}
	if d, _ := r.m.sched.NextDue(1); d.UnixMilli() != due {
		t.Fatalf("job 1 due = %v, want checkpointed due", d)
	}
	if d, _ := r.m.sched.NextDue(7); !d.Equal(t0) {
		t.Fatalf("job 7 due = %v, want now", d)
	}
	r.mustInvariant(t)

	id, err := r.m.Add(ctx, canisterJob(10))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id != 8 {
		t.Fatalf("id after restore = %d, want 8", id)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.m.Add(ctx, canisterJob(uint32(10*(i+1)))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := r.m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := r.m.sched.Snapshot()

	r2 := newRig(t, r.store)
	if err := r2.m.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := r2.m.sched.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("restored = %+v, want %+v", got, want)
	}
	r2.m.Resume()
	if armed, _ := r2.m.sched.Armed(); !armed {
		t.Fatal("Resume did not arm the timer")
	}
}

func TestAuditRecordsActor(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	ctx := WithActor(context.Background(), Actor{ID: 99, Username: "owner", ChatID: 5, Via: "telegram"})
	id, err := r.m.Add(ctx, canisterJob(10))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	a := r.store.Audit()
	if len(a) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(a))
	}
	e := a[0]
	if e.Action != "create" || e.ActorID != 99 || e.Target != id.String() || !e.OK || e.ID == "" {
		t.Fatalf("audit entry = %+v", e)
	}
	var meta struct {
		Via string `json:"via"`
	}
	if err := json.Unmarshal([]byte(e.MetaJSON), &meta); err != nil || meta.Via != "telegram" {
		t.Fatalf("meta = %q (%v)", e.MetaJSON, err)
	}
}

func TestAuditMetaEscapesVia(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	via := `web "admin"\panel`
	ctx := WithActor(context.Background(), Actor{ID: 1, Via: via})
	if _, err := r.m.Add(ctx, canisterJob(10)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e := r.store.Audit()[0]
	var meta map[string]string
	if err := json.Unmarshal([]byte(e.MetaJSON), &meta); err != nil {
		t.Fatalf("meta %q is not JSON: %v", e.MetaJSON, err)
	}
	if meta["via"] != via {
		t.Fatalf("via = %q, want %q", meta["via"], via)
	}
}

func TestCreateParsesOperatorInput(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.reader.n = 40
	ctx := context.Background()

	id, err := r.m.Create(ctx, CreateRequest{
		Kind: "canister", Address: "aaaaa-aa", Method: "list", Template: "{id}",
		Interval: "00:05", FromNow: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s, _ := r.m.Get(ctx, id)
	if s.Interval != 300 || s.Offset != 40 {
		t.Fatalf("created %+v, want interval 300 offset 40", s)
	}

	bad := []CreateRequest{
		{Kind: "ledger", Address: "a", Method: "m", Template: "t", Interval: "60"},
		{Address: "a", Method: "m", Template: "t", Interval: "soon"},
		{Address: "", Method: "m", Template: "t", Interval: "60", FromNow: true},
	}
	for i, req := range bad {
		if _, err := r.m.Create(ctx, req); !errors.Is(err, ErrInvalidJob) {
			t.Fatalf("case %d: err = %v, want ErrInvalidJob", i, err)
		}
	}
}
