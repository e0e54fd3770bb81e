package scheduler

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
	logx "watchbot/pkg/logx"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)

func every(d time.Duration) job.Active { return job.Active{Interval: d} }

type recorder struct {
	ids []job.ID
	at  []time.Time
	clk Clock
}

func (r *recorder) cb(id job.ID) {
	r.ids = append(r.ids, id)
	r.at = append(r.at, r.clk.Now())
}

// driver wires the scheduler to itself the way the manager does.
func driver(s *Service, r *recorder) Callback {
	var cb Callback
	cb = func() { s.Process(cb, r.cb) }
	return cb
}

func TestProcessAdvancesFromPreviousDue(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(t0)
	s := New(Config{}, clk, logx.Nop())
	r := &recorder{clk: clk}

	id, _, err := s.Add(every(60*time.Second), clk.Now())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Run late by a different amount each time; dues stay exactly 60s apart.
	lates := []time.Duration{5 * time.Second, 10 * time.Second, 59 * time.Second, 0}
	var dues []time.Time
	for i, late := range lates {
		due, ok := s.NextDue(id)
		if !ok {
			t.Fatalf("job missing from due-set at step %d", i)
		}
		dues = append(dues, due)
		clk.AdvanceTo(due.Add(late))
		s.Process(nil, r.cb)
	}
	for i := 1; i < len(dues); i++ {
		if got := dues[i].Sub(dues[i-1]); got != 60*time.Second {
			t.Fatalf("due[%d]-due[%d] = %v, want 60s", i, i-1, got)
		}
	}
	if len(r.ids) != len(lates) {
		t.Fatalf("dispatched %d times, want %d", len(r.ids), len(lates))
	}
}

func TestTimerDrivesRepeatedFires(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(t0)
	s := New(Config{}, clk, logx.Nop())
	r := &recorder{clk: clk}
	cb := driver(s, r)

	id, startOnly, err := s.Add(every(10*time.Second), clk.Now())
	if err != nil || !startOnly {
		t.Fatalf("Add = (%v, %v), want startOnly", startOnly, err)
	}
	if !s.StartIfRequired(cb) {
		t.Fatal("StartIfRequired did not arm")
	}
	clk.Advance(35 * time.Second)

	if len(r.ids) != 4 {
		t.Fatalf("fires = %d, want 4 (t0, +10, +20, +30)", len(r.ids))
	}
	for i, at := range r.at {
		if want := t0.Add(time.Duration(i) * 10 * time.Second); !at.Equal(want) {
			t.Fatalf("fire %d at %v, want %v", i, at, want)
		}
		if r.ids[i] != id {
			t.Fatalf("fire %d dispatched %v, want %v", i, r.ids[i], id)
		}
	}
	if clk.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", clk.Pending())
	}
}

func TestCatchUpPolicies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		policy  CatchUp
		fires   int
		nextDue time.Time
	}{
		{name: "replay", policy: CatchUpReplay, fires: 4, nextDue: t0.Add(40 * time.Second)},
		{name: "skip", policy: CatchUpSkip, fires: 1, nextDue: t0.Add(40 * time.Second)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := NewManualClock(t0)
			s := New(Config{CatchUp: tt.policy}, clk, logx.Nop())
			r := &recorder{clk: clk}
			id, _, err := s.Add(every(10*time.Second), clk.Now())
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			// Process was down for 35s: nothing armed meanwhile.
			clk.Advance(35 * time.Second)
			s.StartIfRequired(driver(s, r))
			clk.Advance(0)

			if len(r.ids) != tt.fires {
				t.Fatalf("fires = %d, want %d", len(r.ids), tt.fires)
			}
			due, _ := s.NextDue(id)
			if !due.Equal(tt.nextDue) {
				t.Fatalf("next due = %v, want %v", due, tt.nextDue)
			}
		})
	}
}

func TestStartIfRequiredArmsOnce(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(t0)
	s := New(Config{}, clk, logx.Nop())
	cb := func() {}

	if s.StartIfRequired(cb) {
		t.Fatal("armed with an empty due-set")
	}
	for i := 0; i < 3; i++ {
		if _, _, err := s.Add(every(time.Minute), clk.Now()); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if !s.StartIfRequired(cb) {
		t.Fatal("first StartIfRequired did not arm")
	}
	if s.StartIfRequired(cb) {
		t.Fatal("second StartIfRequired armed again")
	}
	if clk.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", clk.Pending())
	}
	s.Restart(cb)
	s.Restart(cb)
	if clk.Pending() != 1 {
		t.Fatalf("pending timers after restart = %d, want 1", clk.Pending())
	}
}

func TestRestartReflectsNewMinimum(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(t0)
	s := New(Config{}, clk, logx.Nop())
	cb := func() {}

	// A restored job due in 100s holds the armed timer.
	if err := s.Restore(State{NextID: 1, Entries: []EntryState{{ID: 1, IntervalMs: 100_000, DueMs: t0.Add(100 * time.Second).UnixMilli()}}}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	s.StartIfRequired(cb)

	id, startOnly, err := s.Add(every(time.Minute), clk.Now())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id != 2 {
		t.Fatalf("id = %v, want 2", id)
	}
	if startOnly {
		t.Fatal("startOnly = true while the armed timer is later than the new due")
	}
	s.Restart(cb)
	armed, at := s.Armed()
	if !armed || !at.Equal(t0) {
		t.Fatalf("Armed() = (%v, %v), want (true, %v)", armed, at, t0)
	}

	// Deleting everything and restarting leaves the slot empty.
	s.Delete(1)
	s.Delete(2)
	if s.Restart(cb) {
		t.Fatal("Restart armed an empty due-set")
	}
	if armed, _ := s.Armed(); armed || clk.Pending() != 0 {
		t.Fatalf("armed=%v pending=%d, want unarmed", armed, clk.Pending())
	}
}

// leakyClock fires timers even after Stop, like a time.AfterFunc that lost
// the race with Stop.
type leakyClock struct{ *ManualClock }

type leakyTimer struct{}

func (leakyTimer) Stop() bool { return false }

func (c leakyClock) AfterFunc(d time.Duration, f func()) Timer {
	c.ManualClock.AfterFunc(d, f)
	return leakyTimer{}
}

func TestStaleFireIgnored(t *testing.T) {
	t.Parallel()
	clk := leakyClock{NewManualClock(t0)}
	s := New(Config{}, clk, logx.Nop())
	if _, _, err := s.Add(every(time.Minute), clk.Now()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	var first, second int
	s.StartIfRequired(func() { first++ })
	s.Restart(func() { second++ })
	clk.Advance(0)

	if first != 0 || second != 1 {
		t.Fatalf("first=%d second=%d, want 0 and 1", first, second)
	}
	if in := s.Info(); in.Stale != 1 || in.Fired != 1 {
		t.Fatalf("stale=%d fired=%d, want 1 and 1", in.Stale, in.Fired)
	}
}

func TestDueOrderTieBreaksOnID(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(t0)
	s := New(Config{}, clk, logx.Nop())
	r := &recorder{clk: clk}
	for i := 0; i < 3; i++ {
		if _, _, err := s.Add(every(time.Minute), clk.Now()); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	s.Process(nil, r.cb)
	if len(r.ids) != 3 || r.ids[0] != 1 || r.ids[1] != 2 || r.ids[2] != 3 {
		t.Fatalf("dispatch order = %v, want [1 2 3]", r.ids)
	}
}

func TestAddExAndDelete(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(t0)
	s := New(Config{MaxActive: 2}, clk, logx.Nop())

	id, _, err := s.Add(every(time.Minute), clk.Now())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.AddEx(id, every(time.Minute), clk.Now()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("AddEx on active id err = %v, want ErrAlreadyActive", err)
	}
	if !s.Delete(id) {
		t.Fatal("Delete reported nothing removed")
	}
	if s.Delete(id) {
		t.Fatal("second Delete reported a removal")
	}
	if _, err := s.AddEx(id, every(time.Minute), clk.Now()); err != nil {
		t.Fatalf("AddEx after delete: %v", err)
	}
	if _, _, err := s.Add(every(time.Minute), clk.Now()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, _, err := s.Add(every(time.Minute), clk.Now()); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Add over capacity err = %v, want ErrCapacity", err)
	}
	if _, _, err := s.Add(every(0), clk.Now()); err == nil {
		t.Fatal("Add accepted a zero interval")
	}
}

func TestAddAtKeepsDueTime(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(t0)
	s := New(Config{}, clk, logx.Nop())

	id, _, err := s.Add(every(time.Minute), clk.Now())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.AddAt(id, every(time.Minute), t0); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("AddAt on active id err = %v, want ErrAlreadyActive", err)
	}
	s.Delete(id)
	due := t0.Add(45 * time.Second)
	startOnly, err := s.AddAt(id, every(time.Minute), due)
	if err != nil || !startOnly {
		t.Fatalf("AddAt = (%v, %v), want (true, nil)", startOnly, err)
	}
	if got, ok := s.NextDue(id); !ok || !got.Equal(due) {
		t.Fatalf("NextDue = (%v, %v), want %v", got, ok, due)
	}
}

func TestSnapshotRestoreKeepsCounter(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(t0)
	s := New(Config{}, clk, logx.Nop())
	for i := 0; i < 3; i++ {
		if _, _, err := s.Add(every(time.Duration(i+1)*time.Minute), clk.Now()); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	s.Delete(3)
	st := s.Snapshot()
	if st.NextID != 3 || len(st.Entries) != 2 {
		t.Fatalf("snapshot = %+v", st)
	}

	s2 := New(Config{}, clk, logx.Nop())
	if err := s2.Restore(st); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	id, _, err := s2.Add(every(time.Minute), clk.Now())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id != 4 {
		t.Fatalf("id after restore = %v, want 4", id)
	}
	if due, ok := s2.NextDue(2); !ok || !due.Equal(t0) {
		t.Fatalf("NextDue(2) = (%v, %v)", due, ok)
	}

	bad := State{Entries: []EntryState{{ID: 1, IntervalMs: 0}}}
	if err := s2.Restore(bad); err == nil {
		t.Fatal("Restore accepted a zero interval")
	}
	s2.Reserve(10)
	if id, _, _ := s2.Add(every(time.Minute), clk.Now()); id != 11 {
		t.Fatalf("id after Reserve(10) = %v, want 11", id)
	}
}

func TestStartSpread(t *testing.T) {
	t.Parallel()
	clk := NewManualClock(t0)
	s := New(Config{StartSpread: 5 * time.Second}, clk, logx.Nop())
	for i := 0; i < 20; i++ {
		id, _, err := s.Add(every(time.Minute), clk.Now())
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		due, _ := s.NextDue(id)
		if due.Before(t0) || !due.Before(t0.Add(5*time.Second)) {
			t.Fatalf("due %v outside [t0, t0+5s)", due)
		}
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{in: "60", want: 60, ok: true},
		{in: "5m", want: 300, ok: true},
		{in: "1h30m", want: 5400, ok: true},
		{in: "00:50", want: 3000, ok: true},
		{in: "02:30", want: 9000, ok: true},
		{in: "0"},
		{in: ""},
		{in: "1.5s"},
		{in: "00:75"},
		{in: "soon"},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Fatalf("ParseInterval(%q) = (%d, %v), want %d", tt.in, got, err, tt.want)
			}
			continue
		}
		if err == nil {
			t.Fatalf("ParseInterval(%q) = %d, want error", tt.in, got)
		}
	}
}
