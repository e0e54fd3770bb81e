package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "watchbot/internal/transport"
)

const (
	chatQueueSize   = 256
	chatMaxLen      = 3500
	chatSendTimeout = 10 * time.Second
)

type chatLine struct {
	to   kit.ChatTarget
	text string
}

// chatOutput forwards events at or above a minimum level to a Telegram
// chat. Writes never block: lines over the rate or queue limit are dropped.
type chatOutput struct {
	send Sender

	mu  sync.Mutex
	to  kit.ChatTarget
	min zerolog.Level
	lim *rate.Limiter

	queue chan chatLine
	stop  context.CancelFunc
	done  chan struct{}
	once  sync.Once
}

func newChatOutput(send Sender) *chatOutput {
	ctx, cancel := context.WithCancel(context.Background())
	c := &chatOutput{
		send:  send,
		min:   zerolog.WarnLevel,
		lim:   rate.NewLimiter(1, 1),
		queue: make(chan chatLine, chatQueueSize),
		stop:  cancel,
		done:  make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

func (c *chatOutput) configure(tc TelegramConfig) {
	rps := max(1, tc.RatePerSec)
	c.mu.Lock()
	c.to = kit.ChatTarget{ChatID: tc.ChatID, ThreadID: tc.ThreadID}
	c.min = ParseLevel(tc.MinLevel, zerolog.WarnLevel)
	if c.lim.Limit() != rate.Limit(rps) {
		c.lim = rate.NewLimiter(rate.Limit(rps), rps)
	}
	c.mu.Unlock()
}

func (c *chatOutput) close() {
	c.once.Do(func() {
		c.stop()
		<-c.done
	})
}

func (c *chatOutput) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-c.queue:
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_, _ = c.send.SendText(sctx, ln.to, ln.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (c *chatOutput) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatOutput) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, floor, lim := c.to, c.min, c.lim
	c.mu.Unlock()

	if to.ChatID == 0 || level < floor || !lim.Allow() {
		return len(p), nil
	}
	if text := renderChat(p); text != "" {
		select {
		case c.queue <- chatLine{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// renderChat turns a JSON event into "WRN message key=value" without colors
// or timestamp.
func renderChat(p []byte) string {
	var b bytes.Buffer
	cw := zerolog.ConsoleWriter{
		Out:          &b,
		NoColor:      true,
		PartsExclude: []string{zerolog.TimestampFieldName},
	}
	if _, err := cw.Write(p); err != nil {
		b.Reset()
		b.Write(p)
	}
	s := strings.TrimSpace(b.String())
	if len(s) > chatMaxLen {
		s = s[:chatMaxLen-3] + "..."
	}
	return s
}
