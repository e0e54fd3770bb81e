package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"watchbot/internal/config"
	"watchbot/internal/job"
	"watchbot/internal/monitor"
	"watchbot/internal/task/scheduler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchbot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMaps(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	if d := notifyDriver(cfg); d != "log" {
		t.Fatalf("driver without token = %q", d)
	}
	cfg.Telegram.Token = "t"
	cfg.Telegram.OwnerUserIDs = []int64{5, 6}
	if d := notifyDriver(cfg); d != "telegram" {
		t.Fatalf("driver with token = %q", d)
	}
	if tg := notifyTarget(cfg); tg.ChatID != 5 {
		t.Fatalf("target = %+v", tg)
	}
	cfg.Telegram.NotifyChatID = -100
	cfg.Telegram.NotifyThreadID = 3
	if tg := notifyTarget(cfg); tg.ChatID != -100 || tg.ThreadID != 3 {
		t.Fatalf("explicit target = %+v", tg)
	}

	jc, err := mapJobsConfig(cfg)
	if err != nil || jc.DefaultBatchSize != defaultBatchSize || jc.RunTimeout != 0 {
		t.Fatalf("jobs = %+v, %v", jc, err)
	}
	sc, every, err := mapSchedulerConfig(cfg)
	if err != nil || sc.CatchUp != scheduler.CatchUpReplay || every != defaultCheckpointEvery {
		t.Fatalf("scheduler = %+v %v %v", sc, every, err)
	}
	cfg.Scheduler.CatchUp = "Skip"
	cfg.Scheduler.CheckpointEvery = "15s"
	sc, every, err = mapSchedulerConfig(cfg)
	if err != nil || sc.CatchUp != scheduler.CatchUpSkip || every != 15*time.Second {
		t.Fatalf("scheduler = %+v %v %v", sc, every, err)
	}
	if lc := mapLoggingConfig(cfg); lc.Telegram.ChatID != -100 {
		t.Fatalf("log chat = %d", lc.Telegram.ChatID)
	}
}

func TestOfflineSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, `
logging:
  level: error
source:
  gateway: http://127.0.0.1:1
storage:
  driver: file
  path: `+filepath.Join(dir, "jobs.db")+`
`)
	ctx := context.Background()

	off, err := OpenOffline(ctx, path)
	if err != nil {
		t.Fatalf("OpenOffline: %v", err)
	}
	ctx1 := monitor.WithActor(ctx, monitor.Actor{Via: "cli"})
	a, err := off.Jobs.Create(ctx1, monitor.CreateRequest{Kind: "canister", Address: "aaaaa-aa", Method: "get_blocks", Template: "{id}", Interval: "60"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := off.Jobs.Create(ctx1, monitor.CreateRequest{Kind: "canister", Address: "aaaaa-aa", Method: "get_txs", Template: "{id}", Interval: "5m"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := off.Jobs.Stop(ctx1, b); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := off.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	off, err = OpenOffline(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer off.Close(ctx)
	if err := off.Jobs.CheckInvariant(ctx); err != nil {
		t.Fatalf("invariant after reopen: %v", err)
	}
	sa, err := off.Jobs.Get(ctx, a)
	if err != nil || sa.State != job.StateRunning || sa.Interval != 60 {
		t.Fatalf("job %d = %+v, %v", a, sa, err)
	}
	sb, err := off.Jobs.Get(ctx, b)
	if err != nil || sb.State != job.StateIdle || sb.Interval != 300 {
		t.Fatalf("job %d = %+v, %v", b, sb, err)
	}
	c, err := off.Jobs.Create(ctx1, monitor.CreateRequest{Kind: "canister", Address: "aaaaa-aa", Method: "m", Template: "{id}", Interval: "1"})
	if err != nil || c != 3 {
		t.Fatalf("next id = %d, %v", c, err)
	}
}
