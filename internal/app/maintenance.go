package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	logx "watchbot/pkg/logx"
)

const invariantEvery = "@every 10m"

// cronLogger routes cron's own messages (recovered panics, skipped runs).
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}

// startMaintenance runs the periodic checkpoint and invariant check.
func (a *App) startMaintenance() error {
	clog := cronLogger{log: a.log.With(logx.String("comp", "maintenance"))}
	a.cron = cron.New(cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)), cron.WithLogger(clog))

	_, every, err := mapSchedulerConfig(a.cfgm.Get())
	if err != nil {
		return err
	}
	if err := a.scheduleCheckpoint(every); err != nil {
		return err
	}
	if _, err := a.cron.AddFunc(invariantEvery, a.checkInvariant); err != nil {
		return err
	}
	a.cron.Start()
	a.startWatchdog()
	return nil
}

// scheduleCheckpoint replaces the checkpoint entry with one firing every d.
func (a *App) scheduleCheckpoint(d time.Duration) error {
	if a.checkpoint != 0 {
		a.cron.Remove(a.checkpoint)
		a.checkpoint = 0
	}
	id, err := a.cron.AddFunc("@every "+d.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.core.mgr.Checkpoint(ctx); err != nil {
			a.log.Warn("checkpoint failed", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	a.checkpoint = id
	a.checkpointD = d
	a.log.Debug("checkpoint scheduled", logx.Duration("every", d))
	return nil
}

func (a *App) checkInvariant() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := a.core.mgr.CheckInvariant(ctx); err != nil {
		a.log.Error("job state and due-set disagree", logx.Err(err))
	}
}

func (a *App) notifySystemdReady() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
}

func (a *App) notifySystemdStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// startWatchdog pings systemd at half the WatchdogSec interval while the
// app supervisor is alive. Without a watchdog it does nothing.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}
