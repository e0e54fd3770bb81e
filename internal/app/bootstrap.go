package app

import (
	"context"

	"github.com/cockroachdb/errors"

	"watchbot/internal/config"
	"watchbot/internal/monitor"
	"watchbot/internal/notifier"
	"watchbot/internal/source"
	"watchbot/internal/storage"
	"watchbot/internal/task/scheduler"
	logx "watchbot/pkg/logx"
)

// core is the part of the process shared by the daemon and the offline CLI.
type core struct {
	store storage.Store
	sched *scheduler.Service
	mgr   *monitor.Manager
}

// Sink is what the monitor notifies. Stats feed /stats.
type Sink interface {
	notifier.Sink
	Stats() notifier.Stats
}

func buildCore(ctx context.Context, cfg *config.Config, clock scheduler.Clock, sink Sink, spawn monitor.Spawner, log logx.Logger) (*core, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, _, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		return nil, err
	}
	jobsCfg, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}

	reader, err := source.NewCanisterReader(srcCfg, log.With(logx.String("comp", "source")))
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, errors.Wrap(err, "open job store")
	}
	sched := scheduler.New(schedCfg, clock, log.With(logx.String("comp", "scheduler")))
	mgr := monitor.New(jobsCfg, sched, store, reader, sink, spawn, log.With(logx.String("comp", "monitor")))
	if err := mgr.Restore(ctx); err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "restore jobs")
	}
	log.Info("job store opened", logx.String("driver", sc.Driver), logx.String("catch_up", string(schedCfg.CatchUp)))
	return &core{store: store, sched: sched, mgr: mgr}, nil
}

// close checkpoints and releases the store.
func (c *core) close(ctx context.Context) error {
	err := c.mgr.Shutdown(ctx)
	if cerr := c.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
