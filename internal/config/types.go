package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Source    SourceConfig    `json:"source"`
	Notify    NotifyConfig    `json:"notify"`
	Storage   StorageConfig   `json:"storage"`
	Jobs      JobsConfig      `json:"jobs"`
	Debug     DebugConfig     `json:"debug"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// NotifyChatID is where job output goes. 0 means the first owner's
	// private chat.
	NotifyChatID   int64 `json:"notify_chat_id,omitempty"`
	NotifyThreadID int   `json:"notify_thread_id,omitempty"`
	// PollTimeout is the long-poll timeout (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the due-set.
//
// Defaults:
//   - catch_up: "replay"
//   - start_spread: "0s"
//   - max_active: 0 (unlimited)
//   - checkpoint_every: "1m"
type SchedulerConfig struct {
	CatchUp         string `json:"catch_up,omitempty"`
	StartSpread     string `json:"start_spread,omitempty"`
	MaxActive       int    `json:"max_active,omitempty"`
	CheckpointEvery string `json:"checkpoint_every,omitempty"`
}

// SourceConfig points at the canister HTTP gateway.
type SourceConfig struct {
	Gateway string `json:"gateway"`
	Timeout string `json:"timeout,omitempty"` // default "15s"
}

// NotifyConfig controls the chat sink.
//
// Driver is "telegram" (default when a token is set) or "log".
type NotifyConfig struct {
	Driver        string `json:"driver,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	CostPerCall   uint64 `json:"cost_per_call,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./watchbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"` // redis
	Prefix      string `json:"prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type JobsConfig struct {
	DefaultBatchSize uint32 `json:"default_batch_size,omitempty"` // default 100
	RunTimeout       string `json:"run_timeout,omitempty"`        // "0s" disables
}

// DebugConfig enables the local debug server (/healthz, /stats, pprof).
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
