package app

import (
	"strings"
	"time"

	"watchbot/internal/config"
	"watchbot/internal/monitor"
	"watchbot/internal/notifier"
	"watchbot/internal/source"
	"watchbot/internal/storage"
	"watchbot/internal/task/scheduler"
	"watchbot/internal/observability/pprof"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

const (
	defaultBatchSize       = 100
	defaultCheckpointEvery = time.Minute
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	chatID := lc.Telegram.ChatID
	if chatID == 0 {
		chatID = notifyTarget(cfg).ChatID
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     chatID,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		URL:         strings.TrimSpace(sc.URL),
		Prefix:      strings.TrimSpace(sc.Prefix),
		BusyTimeout: busy,
	}, nil
}

// mapSchedulerConfig also returns the checkpoint period.
func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, time.Duration, error) {
	sc := cfg.Scheduler
	catchUp, err := scheduler.ParseCatchUp(strings.ToLower(strings.TrimSpace(sc.CatchUp)))
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	spread, err := config.ParseDurationField("scheduler.start_spread", sc.StartSpread)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	every, err := config.ParseDurationOrDefault("scheduler.checkpoint_every", sc.CheckpointEvery, defaultCheckpointEvery)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	return scheduler.Config{CatchUp: catchUp, StartSpread: spread, MaxActive: sc.MaxActive}, every, nil
}

func mapSourceConfig(cfg *config.Config) (source.CanisterConfig, error) {
	timeout, err := config.ParseDurationOrDefault("source.timeout", cfg.Source.Timeout, 15*time.Second)
	if err != nil {
		return source.CanisterConfig{}, err
	}
	return source.CanisterConfig{Gateway: strings.TrimSpace(cfg.Source.Gateway), Timeout: timeout}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notify
	retryBase, err := config.ParseDurationOrDefault("notify.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("notify.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notify.send_timeout", nc.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	rps := nc.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return notifier.Config{
		RatePerSec:    rps,
		RetryMax:      nc.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMax,
		SendTimeout:   sendTimeout,
		CostPerCall:   nc.CostPerCall,
	}, nil
}

func mapJobsConfig(cfg *config.Config) (monitor.Config, error) {
	runTimeout, err := config.ParseDurationField("jobs.run_timeout", cfg.Jobs.RunTimeout)
	if err != nil {
		return monitor.Config{}, err
	}
	batch := cfg.Jobs.DefaultBatchSize
	if batch == 0 {
		batch = defaultBatchSize
	}
	return monitor.Config{DefaultBatchSize: batch, RunTimeout: runTimeout}, nil
}

// notifyTarget is the configured chat, or the first owner's private chat.
func notifyTarget(cfg *config.Config) kit.ChatTarget {
	t := kit.ChatTarget{ChatID: cfg.Telegram.NotifyChatID, ThreadID: cfg.Telegram.NotifyThreadID}
	if t.ChatID == 0 && len(cfg.Telegram.OwnerUserIDs) > 0 {
		t.ChatID = cfg.Telegram.OwnerUserIDs[0]
	}
	return t
}

// notifyDriver resolves the sink: telegram when a token is set, log otherwise.
func notifyDriver(cfg *config.Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Notify.Driver))
	if d != "" {
		return d
	}
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		return "telegram"
	}
	return "log"
}

func mapDebugConfig(cfg *config.Config) pprof.Config {
	d := cfg.Debug
	return pprof.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
	}
}
