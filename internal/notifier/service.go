package notifier

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

// Service is the chat sink. It is safe for concurrent use; all calls share
// one rate limiter.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	target  kit.ChatTarget
	log     logx.Logger

	calls    atomic.Uint64
	failures atomic.Uint64
	messages atomic.Uint64
	sent     atomic.Uint64
	spent    atomic.Uint64
}

func New(cfg Config, sender Sender, target kit.ChatTarget, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, target: target, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MaxChars <= 0 || cfg.MaxChars > TelegramMaxChars {
		cfg.MaxChars = TelegramMaxChars
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Notify delivers one batch. It fails on the first chat message that could
// not be sent after retries; earlier chat messages of the batch stay sent.
func (s *Service) Notify(ctx context.Context, messages []string) error {
	if len(messages) == 0 {
		return nil
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	s.calls.Add(1)
	s.spent.Add(cfg.CostPerCall)
	s.messages.Add(uint64(len(messages)))

	if s.sender == nil {
		s.failures.Add(1)
		return errors.New("notifier: no chat sender")
	}
	texts := Chunk(messages, cfg.MaxChars)
	for i, text := range texts {
		if err := s.deliver(ctx, cfg, lim, text); err != nil {
			s.failures.Add(1)
			return errors.Wrapf(err, "send part %d/%d", i+1, len(texts))
		}
		s.sent.Add(1)
	}
	return nil
}

// deliver sends one chat message, retrying failures up to cfg.RetryMax
// times. Every attempt waits for the shared limiter.
func (s *Service) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, text string) error {
	var errs error
	for attempt := 0; ; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return errors.CombineErrors(err, errs)
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(sctx, s.target, text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			return nil
		}
		errs = err
		s.log.Debug("notify send failed", logx.Int("attempt", attempt+1), logx.Err(err))
		if attempt >= cfg.RetryMax {
			return errs
		}
		t := time.NewTimer(retryDelay(cfg, attempt+1))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.CombineErrors(ctx.Err(), errs)
		}
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Calls:    s.calls.Load(),
		Failures: s.failures.Load(),
		Messages: s.messages.Load(),
		Sent:     s.sent.Load(),
		Spent:    s.spent.Load(),
	}
}

// retryDelay is the pause after the given failed attempt (1-based):
// RetryBase doubled per attempt, capped at RetryMaxDelay, with +-30% jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryMaxDelay
	if shift := attempt - 1; shift < 20 {
		d = min(cfg.RetryBase<<shift, cfg.RetryMaxDelay)
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return max(0, min(d, cfg.RetryMaxDelay))
}

// LogSink writes each message to the log. Used for dry runs and when no
// chat is configured.
type LogSink struct {
	log   logx.Logger
	calls atomic.Uint64
	msgs  atomic.Uint64
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (l *LogSink) Notify(_ context.Context, messages []string) error {
	if len(messages) == 0 {
		return nil
	}
	l.calls.Add(1)
	for i, m := range messages {
		l.msgs.Add(1)
		l.log.Info("notification", logx.Int("n", i+1), logx.Int("of", len(messages)), logx.String("text", m))
	}
	return nil
}

func (l *LogSink) Stats() Stats {
	c := l.calls.Load()
	m := l.msgs.Load()
	return Stats{Calls: c, Messages: m, Sent: m}
}
