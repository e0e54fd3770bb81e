package router

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"watchbot/internal/job"
	"watchbot/internal/monitor"
	"watchbot/internal/source"
	"watchbot/internal/storage"
	"watchbot/internal/task/scheduler"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

const owner = 42

type fakeAdapter struct {
	replies chan string
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{replies: make(chan string, 16)} }

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.replies <- text
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}, nil
}

type emptyReader struct{ total uint32 }

func (r emptyReader) Read(context.Context, job.Type, uint32, uint32) (source.Page, error) {
	return source.Page{Total: r.total}, nil
}

type nopSink struct{}

func (nopSink) Notify(context.Context, []string) error { return nil }

type inlineSpawner struct{}

func (inlineSpawner) Go0(_ string, fn func(ctx context.Context)) { fn(context.Background()) }

type bot struct {
	ad    *fakeAdapter
	in    chan kit.Update
	store *storage.Memory
}

func startBot(t *testing.T) *bot {
	t.Helper()
	store := storage.NewMemory()
	sched := scheduler.New(scheduler.Config{}, scheduler.NewManualClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)), logx.Nop())
	mgr := monitor.New(monitor.Config{DefaultBatchSize: 10}, sched, store, emptyReader{total: 7}, nopSink{}, inlineSpawner{}, logx.Nop())

	b := &bot{ad: newFakeAdapter(), in: make(chan kit.Update), store: store}
	cm := NewCommandManager(logx.Nop(), b.ad, NewSupervisorRegistry(), []int64{owner})
	cm.SetRegistry(context.Background(), JobCommands(Deps{Jobs: mgr, Scheduler: sched}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = cm.DispatchLoop(ctx, b.in)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b
}

func (b *bot) say(t *testing.T, from int64, text string) string {
	t.Helper()
	b.in <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 100, FromID: from, Text: text}}
	select {
	case r := <-b.ad.replies:
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("no reply to %q", text)
		return ""
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    []string
		pos   []string
		flags map[string]string
		bools map[string]bool
	}{
		{[]string{"a", "--batch=5", "b"}, []string{"a", "b"}, map[string]string{"batch": "5"}, map[string]bool{}},
		{[]string{"--batch", "5", "a"}, []string{"a"}, map[string]string{"batch": "5"}, map[string]bool{}},
		{[]string{"--from-now", "60"}, []string{"60"}, map[string]string{}, map[string]bool{"from-now": true}},
		{[]string{"-5", "--", "--x"}, []string{"-5", "--x"}, map[string]string{}, map[string]bool{}},
		{[]string{"a", "--verbose"}, []string{"a"}, map[string]string{}, map[string]bool{"verbose": true}},
	}
	for _, tc := range cases {
		pos, flags, bools := parseFlags(tc.in, func(k string) bool { return k == "from-now" })
		if !reflect.DeepEqual(pos, tc.pos) && !(len(pos) == 0 && len(tc.pos) == 0) {
			t.Fatalf("%v: pos = %v, want %v", tc.in, pos, tc.pos)
		}
		if !reflect.DeepEqual(flags, tc.flags) || !reflect.DeepEqual(bools, tc.bools) {
			t.Fatalf("%v: flags = %v %v", tc.in, flags, bools)
		}
	}
}

func TestTokenizeKeepsQuotedTemplate(t *testing.T) {
	t.Parallel()
	got, err := tokenizeCommandLine(`/create canister abc get "block {height} by {from}" 60`)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/create", "canister", "abc", "get", "block {height} by {from}", "60"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokens = %q", got)
	}
	if _, err := tokenizeCommandLine(`/create "open`); err == nil {
		t.Fatal("unterminated quote accepted")
	}
}

func TestOwnerOnlyAndUnknown(t *testing.T) {
	t.Parallel()
	b := startBot(t)
	if r := b.say(t, 7, "/list"); r != "unauthorized" {
		t.Fatalf("stranger got %q", r)
	}
	if r := b.say(t, owner, "/nope"); !strings.Contains(r, "unknown command") {
		t.Fatalf("unknown got %q", r)
	}
	if r := b.say(t, 7, "/help"); !strings.Contains(r, "create") {
		t.Fatalf("help got %q", r)
	}
}

func TestErrorReplyCarriesHint(t *testing.T) {
	t.Parallel()
	b := startBot(t)
	r := b.say(t, owner, `/create canister abc get "x={id}" soon`)
	if !strings.HasPrefix(r, "rejected: ") || !strings.Contains(r, "\nhint: ") {
		t.Fatalf("reply = %q", r)
	}
	r = b.say(t, owner, "/start zz")
	if !strings.HasPrefix(r, "rejected: ") {
		t.Fatalf("bad id reply = %q", r)
	}
	r = b.say(t, owner, "/stop 9")
	if !strings.Contains(r, "see /list") {
		t.Fatalf("unknown job reply = %q", r)
	}
}

func TestJobCommandFlow(t *testing.T) {
	t.Parallel()
	b := startBot(t)

	if r := b.say(t, owner, `/create canister ryjl3-tyaaa-aaaaa-aaaba-cai get_blocks "h={height}" 60 --from-now --batch=3`); r != "job 1 created" {
		t.Fatalf("create = %q", r)
	}
	j, ok, err := b.store.Get(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("stored job: %v %v", ok, err)
	}
	if j.Offset != 7 || j.BatchSize != 3 || j.Interval != 60 || j.State != job.StateRunning {
		t.Fatalf("stored %+v", j)
	}

	list := b.say(t, owner, "/ls")
	if !strings.Contains(list, "#1 ") || !strings.Contains(list, "offset 7") {
		t.Fatalf("list = %q", list)
	}
	if r := b.say(t, owner, "/stop 1"); r != "job 1: stop ok" {
		t.Fatalf("stop = %q", r)
	}
	if r := b.say(t, owner, "/delete 1"); r != "job 1: delete ok" {
		t.Fatalf("delete = %q", r)
	}
	if b.store.Len() != 0 {
		t.Fatalf("store still has %d jobs", b.store.Len())
	}
	if r := b.say(t, owner, "/list"); !strings.HasPrefix(r, "no jobs") {
		t.Fatalf("empty list = %q", r)
	}
	if r := b.say(t, owner, "/stats"); !strings.Contains(r, "active jobs: 0") || !strings.Contains(r, "scheduler: catch-up") {
		t.Fatalf("stats = %q", r)
	}

	audit := b.store.Audit()
	if len(audit) < 3 || audit[0].ActorID != owner {
		t.Fatalf("audit = %+v", audit)
	}
}
