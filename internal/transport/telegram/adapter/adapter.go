// Package adapter connects the bot to Telegram through telebot long polling.
package adapter

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "watchbot/internal/runtime/supervisor"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	stopGrace          = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe handshake; sends fail. For tests.
	Offline bool
}

// Adapter implements kit.Adapter and kit.CommandMenuUpdater.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	// out is the consumer channel while running, nil otherwise.
	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64
	warn    rate.Sometimes

	mu  sync.Mutex
	sup *rtsup.Supervisor

	menuMu sync.Mutex
	menu   []tele.Command
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.WithHint(errors.New("telegram token is empty"), "set telegram.token or use notify.driver=log")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram connect")
	}
	a := &Adapter{log: log, bot: bot, warn: rate.Sometimes{First: 1, Interval: 5 * time.Second}}
	bot.Handle(tele.OnText, func(c tele.Context) error {
		if up, ok := toUpdate(c.Message()); ok {
			a.deliver(up)
		}
		return nil
	})
	return a, nil
}

func toUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	msg := &kit.Message{ID: m.ID, ChatID: m.Chat.ID, ThreadID: m.ThreadID, Text: m.Text}
	if u := m.Sender; u != nil {
		msg.FromID, msg.FromUsername = u.ID, u.Username
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: msg}, true
}

// deliver hands up to the consumer without blocking the poller. Updates
// arriving while the consumer is full are counted and dropped.
func (a *Adapter) deliver(up kit.Update) {
	p := a.out.Load()
	if p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		n := a.dropped.Add(1)
		a.warn.Do(func() {
			a.log.Warn("incoming updates dropped, consumer full", logx.Uint64("total", n))
		})
	}
}

// Dropped is the number of updates lost since New.
func (a *Adapter) Dropped() uint64 { return a.dropped.Load() }

// Supervisor returns the polling supervisor, nil when stopped.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

// Start begins long polling and feeds text messages into out. The poller
// is restarted if it exits while ctx is live.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))))
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telegram poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	a.sup = sup
	return nil
}

// Stop cancels polling and waits at most stopGrace (or what is left of
// ctx) for the long poll to return. A slow poll is logged, not returned.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping")
	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	if n := a.dropped.Load(); n > 0 {
		a.log.Info("updates dropped during run", logx.Uint64("total", n))
	}
	return nil
}
