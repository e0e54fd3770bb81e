package config

import (
	"net"
	"strings"

	"github.com/cockroachdb/errors"
)

// Validate checks bounds, enums and duration strings. It does not check that
// referenced resources (gateway, store) are reachable.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	durations := [][2]string{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"scheduler.start_spread", cfg.Scheduler.StartSpread},
		{"scheduler.checkpoint_every", cfg.Scheduler.CheckpointEvery},
		{"source.timeout", cfg.Source.Timeout},
		{"notify.retry_base", cfg.Notify.RetryBase},
		{"notify.retry_max_delay", cfg.Notify.RetryMaxDelay},
		{"notify.send_timeout", cfg.Notify.SendTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"jobs.run_timeout", cfg.Jobs.RunTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d[0], d[1]); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Scheduler.CatchUp)) {
	case "", "replay", "skip":
	default:
		return errors.Newf("scheduler.catch_up: unknown policy %q (want replay or skip)", cfg.Scheduler.CatchUp)
	}
	if cfg.Scheduler.MaxActive < 0 {
		return errors.New("scheduler.max_active must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Notify.Driver)) {
	case "", "telegram", "log":
	default:
		return errors.Newf("notify.driver: unknown driver %q (want telegram or log)", cfg.Notify.Driver)
	}
	if cfg.Notify.RatePerSec < 0 || cfg.Notify.RetryMax < 0 {
		return errors.New("notify.rate_per_sec and notify.retry_max must be >= 0")
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Notify.Driver), "telegram") && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.WithHint(errors.New("notify.driver=telegram needs telegram.token"), "set notify.driver to \"log\" for a dry run")
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.Newf("storage.path is required when storage.driver=%s", d)
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.URL) == "" {
			return errors.New("storage.url is required when storage.driver=redis")
		}
	default:
		return errors.Newf("unknown storage.driver: %s", cfg.Storage.Driver)
	}

	if g := strings.TrimSpace(cfg.Source.Gateway); g != "" &&
		!strings.HasPrefix(g, "http://") && !strings.HasPrefix(g, "https://") {
		return errors.Newf("source.gateway must be an http(s) URL, got %q", g)
	}
	if cfg.Debug.Enabled && strings.TrimSpace(cfg.Debug.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Debug.Addr)); err != nil {
			return errors.Wrapf(err, "debug.addr %q", cfg.Debug.Addr)
		}
	}
	return nil
}
