// Package router parses Telegram commands and dispatches them to handlers
// on a bounded worker pool.
package router

import (
	"context"
	"time"

	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// BoolFlags never take a value, so "--from-now 60" keeps 60 positional.
	BoolFlags []string
	Timeout   time.Duration
	Handle    HandlerFunc
}

func (c *Command) isBoolFlag(name string) bool {
	for _, f := range c.BoolFlags {
		if f == name {
			return true
		}
	}
	return false
}

type Request struct {
	Update    kit.Update
	Chat      kit.ChatTarget
	FromID    int64
	Command   string
	Args      []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
}

func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
	return err
}
