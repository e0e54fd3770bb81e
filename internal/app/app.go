package app

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"watchbot/internal/config"
	"watchbot/internal/monitor"
	"watchbot/internal/notifier"
	"watchbot/internal/observability/pprof"
	"watchbot/internal/runtime/supervisor"
	"watchbot/internal/task/scheduler"
	kit "watchbot/internal/transport"
	telegram "watchbot/internal/transport/telegram/adapter"
	"watchbot/internal/transport/telegram/router"
	logx "watchbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor
	sups *router.SupervisorRegistry

	// adapter and cmdm are nil when no telegram token is configured.
	adapter *telegram.Adapter
	cmdm    *router.CommandManager

	notif *notifier.Service // nil with the log sink
	sink  Sink
	core  *core
	jobs  *jobSpawner
	debug *pprof.Service

	cron        *cron.Cron
	checkpoint  cron.EntryID
	checkpointD time.Duration

	updates chan kit.Update
}

// jobSpawner runs job dispatches on the supervisor installed by Start.
// Dispatches before Start or after Stop are dropped.
type jobSpawner struct {
	sup atomic.Pointer[supervisor.Supervisor]
	log logx.Logger
}

func (s *jobSpawner) Go0(name string, fn func(ctx context.Context)) {
	sup := s.sup.Load()
	if sup == nil {
		s.log.Warn("job dispatch dropped, daemon not running", logx.String("task", name))
		return
	}
	sup.Go0(name, fn)
}

// New loads the config and builds every component without starting any
// goroutine. The job store is opened and the last checkpoint restored.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var ad *telegram.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
			logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
	}

	// A nil *Adapter must not reach logx as a non-nil Sender.
	var logSender logx.Sender
	if ad != nil {
		logSender = ad
	}
	logSvc, root := logx.New(mapLoggingConfig(cfg), logSender)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		sups:    router.NewSupervisorRegistry(),
		adapter: ad,
		jobs:    &jobSpawner{log: log},
		updates: make(chan kit.Update, 256),
	}

	switch notifyDriver(cfg) {
	case "telegram":
		if ad == nil {
			return nil, errors.WithHint(errors.New("notify.driver=telegram needs telegram.token"), "set notify.driver to \"log\" for a dry run")
		}
		ncfg, err := mapNotifierConfig(cfg)
		if err != nil {
			return nil, err
		}
		target := notifyTarget(cfg)
		if target.ChatID == 0 {
			return nil, errors.WithHint(errors.New("no chat to notify"), "set telegram.notify_chat_id or telegram.owner_user_ids")
		}
		a.notif = notifier.New(ncfg, ad, target, root.With(logx.String("comp", "notifier")))
		a.sink = a.notif
	default:
		a.sink = notifier.NewLogSink(root.With(logx.String("comp", "notifier")))
	}

	c, err := buildCore(ctx, cfg, scheduler.RealClock(), a.sink, a.jobs, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.core = c

	a.debug = pprof.New(mapDebugConfig(cfg), a.status, root.With(logx.String("comp", "debug")))

	if ad != nil {
		a.cmdm = router.NewCommandManager(root.With(logx.String("comp", "commands")), ad, a.sups, cfg.Telegram.OwnerUserIDs)
	}
	return a, nil
}

// Done is closed when the app supervisor is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sups.Set("app", a.sup)

	jobsSup := supervisor.New(a.sup.Context(), supervisor.WithLogger(a.log.With(logx.String("comp", "monitor"))))
	a.jobs.sup.Store(jobsSup)
	a.sups.Set("monitor.jobs", jobsSup)

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return pprof.CheckConfig(mapDebugConfig(cfg))
	})

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		if sup := a.adapter.Supervisor(); sup != nil {
			a.sups.Set("telegram.adapter", sup)
		}
		a.cmdm.SetRegistry(a.sup.Context(), router.JobCommands(router.Deps{
			Jobs:        a.core.mgr,
			Sink:        a.sink,
			Scheduler:   a.core.sched,
			Supervisors: a.sups,
		}))
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.updates)
		})
	} else {
		a.log.Warn("telegram disabled, use the jobs CLI while the daemon is stopped")
	}

	if err := a.startMaintenance(); err != nil {
		return err
	}
	if err := a.debug.Start(a.sup.Context()); err != nil {
		a.log.Warn("debug server not started", logx.Err(err))
	} else if sup := a.debug.Supervisor(); sup != nil {
		a.sups.Set("debug", sup)
	}
	a.core.mgr.Resume()

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifySystemdReady()
	a.log.Info("app started", logx.Int("active_jobs", a.core.sched.Len()))
	return nil
}

func (a *App) reloadLoop(c context.Context) {
	sub, unsubscribe := a.cfgm.Subscribe()
	defer unsubscribe()
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig hot-applies logging, owners, notify and scheduler policy.
// Sections in config.RestartSections only log a warning.
func (a *App) applyConfig(old, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RestartSections[s] {
			a.log.Warn("config section changed, restart required", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(cfg))
	if a.cmdm != nil {
		a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
	}
	if a.notif != nil {
		if ncfg, err := mapNotifierConfig(cfg); err != nil {
			a.log.Warn("invalid notify config, keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
		}
	}
	if sc, every, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config, keeping previous", logx.Err(err))
	} else {
		a.core.sched.Apply(sc)
		if every != a.checkpointD {
			if err := a.scheduleCheckpoint(every); err != nil {
				a.log.Warn("checkpoint reschedule failed", logx.Err(err))
			}
		}
	}

	if err := a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(cfg)); err != nil {
		a.log.Warn("debug server reconfigure failed", logx.Err(err))
	}
	if sup := a.debug.Supervisor(); sup != nil {
		a.sups.Set("debug", sup)
	} else {
		a.sups.Delete("debug")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifySystemdStopping()

	a.core.sched.Stop()
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("maintenance", time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
		case <-c.Done():
		}
		return c.Err()
	})
	step("jobs", 5*time.Second, func(c context.Context) error {
		sup := a.jobs.sup.Swap(nil)
		if sup == nil {
			return nil
		}
		sup.Cancel()
		return sup.Wait(c)
	})
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error {
		if a.adapter == nil {
			return nil
		}
		return a.adapter.Stop(c)
	})
	step("storage", 3*time.Second, a.core.close)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// statusSnapshot is served on the debug server's /stats.
type statusSnapshot struct {
	Monitor     monitor.Stats                  `json:"monitor"`
	Scheduler   scheduler.Info                 `json:"scheduler"`
	Notify      notifier.Stats                 `json:"notify"`
	Supervisors map[string]supervisor.Counters `json:"supervisors"`
}

func (a *App) status() any {
	st := statusSnapshot{
		Monitor:     a.core.mgr.Stats(),
		Scheduler:   a.core.sched.Info(),
		Notify:      a.sink.Stats(),
		Supervisors: map[string]supervisor.Counters{},
	}
	for _, name := range a.sups.Names() {
		if c, ok := a.sups.Counters(name); ok {
			st.Supervisors[name] = c
		}
	}
	return st
}
