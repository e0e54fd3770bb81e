package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	kit "watchbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./watchbot.log"

// Sender is the part of the chat adapter the Telegram output needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Service owns the log outputs. Apply rebuilds them; Loggers handed out
// earlier pick up the change on their next event.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	file *os.File
	chat *chatOutput
}

// New applies cfg and returns the service with its root Logger. A nil
// sender disables the Telegram output whatever cfg says.
func New(cfg Config, sender Sender) (*Service, Logger) {
	setupZerolog()
	s := &Service{}
	if sender != nil {
		s.chat = newChatOutput(sender)
	}
	s.Apply(cfg)
	return s, Logger{src: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// Apply is safe to call while other goroutines log.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	old := s.file
	s.file = nil
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}

	if s.chat != nil {
		tc := cfg.Telegram
		s.chat.configure(tc)
		if tc.Enabled {
			if tc.ChatID == 0 {
				fmt.Fprintln(os.Stderr, "logx: telegram output enabled without a chat id")
			}
			outs = append(outs, s.chat)
		}
	}

	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	zl := build(cfg.Level, zerolog.MultiLevelWriter(outs...))
	s.root.Store(&zl)

	if old != nil {
		_ = old.Close()
	}
}

// Close stops the Telegram output and closes the log file. Logging after
// Close still reaches the console.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	chat := s.chat
	s.mu.Unlock()

	zl := build("info", consoleWriter(os.Stdout))
	if cur := s.root.Load(); cur != nil {
		zl = zl.Level(cur.GetLevel())
	}
	s.root.Store(&zl)

	if chat != nil {
		chat.close()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %s", path)
	}
	return f, nil
}
