package notifier

import (
	"context"
	"time"

	kit "watchbot/internal/transport"
)

// Sink accepts a batch of rendered messages.
type Sink interface {
	Notify(ctx context.Context, messages []string) error
}

// Sender is the outbound half of a chat adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Config controls the chat sink.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	CostPerCall   uint64 // charged once per Notify call
	MaxChars      int    // per chat message; 0 means the Telegram limit
}

// Stats counts sink activity since start.
type Stats struct {
	Calls    uint64
	Failures uint64
	Messages uint64 // rendered messages accepted
	Sent     uint64 // chat messages delivered
	Spent    uint64 // sum of CostPerCall over calls
}
