package app

import (
	"context"
	"strings"

	"watchbot/internal/config"
	"watchbot/internal/monitor"
	"watchbot/internal/notifier"
	"watchbot/internal/task/scheduler"
	logx "watchbot/pkg/logx"
)

// Offline is the job store opened for administration while the daemon is
// stopped. Timers are never armed, so no job runs.
type Offline struct {
	Jobs *monitor.Manager

	core *core
	logs *logx.Service
}

type inlineSpawner struct{}

func (inlineSpawner) Go0(_ string, fn func(ctx context.Context)) { fn(context.Background()) }

func OpenOffline(ctx context.Context, cfgPath string) (*Offline, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	lc := mapLoggingConfig(cfg)
	lc.Telegram.Enabled = false
	if !strings.EqualFold(lc.Level, "debug") {
		lc.Level = "warn"
	}
	logs, log := logx.New(lc, nil)
	c, err := buildCore(ctx, cfg, scheduler.IdleClock(), notifier.NewLogSink(log), inlineSpawner{}, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return &Offline{Jobs: c.mgr, core: c, logs: logs}, nil
}

// Close writes the due-set checkpoint and closes the store.
func (o *Offline) Close(ctx context.Context) error {
	err := o.core.close(ctx)
	if cerr := o.logs.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
