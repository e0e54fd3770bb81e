package config

import (
	"reflect"
	"sort"
	"strings"

	logx "watchbot/pkg/logx"
)

// RestartSections are applied only at startup.
var RestartSections = map[string]bool{
	"storage": true,
	"source":  true,
	"jobs":    true,
}

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.NotifyChatID != nt.NotifyChatID || ot.NotifyThreadID != nt.NotifyThreadID ||
		(ot.Token == "") != (nt.Token == "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.notify_chat_set", nt.NotifyChatID != 0),
			logx.Bool("telegram.token_set", nt.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.catch_up", newCfg.Scheduler.CatchUp),
			logx.String("scheduler.start_spread", newCfg.Scheduler.StartSpread),
			logx.Int("scheduler.max_active", newCfg.Scheduler.MaxActive),
			logx.String("scheduler.checkpoint_every", newCfg.Scheduler.CheckpointEvery),
		)
	}

	if oldCfg.Source != newCfg.Source {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.gateway", newCfg.Source.Gateway),
			logx.String("source.timeout", newCfg.Source.Timeout),
		)
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.String("notify.driver", newCfg.Notify.Driver),
			logx.Int("notify.rate_per_sec", newCfg.Notify.RatePerSec),
			logx.Int("notify.retry_max", newCfg.Notify.RetryMax),
			logx.Uint64("notify.cost_per_call", newCfg.Notify.CostPerCall),
		)
	}

	// The redis URL may carry a password; only report whether it is set.
	ost, nst := oldCfg.Storage, newCfg.Storage
	if ost != nst {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nst.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.Bool("storage.url_set", strings.TrimSpace(nst.URL) != ""),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Uint32("jobs.default_batch_size", newCfg.Jobs.DefaultBatchSize),
			logx.String("jobs.run_timeout", newCfg.Jobs.RunTimeout),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
