package logx

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var setupOnce sync.Once

func setupZerolog() {
	setupOnce.Do(func() {
		zerolog.TimeFieldFormat = timeFormat
		zerolog.ErrorFieldName = "err"
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	})
}

// source yields the zerolog.Logger to write through at call time.
type source interface {
	current() zerolog.Logger
}

type static struct{ zl zerolog.Logger }

func (s static) current() zerolog.Logger { return s.zl }

// Logger is cheap to copy. Loggers derived from a Service follow its
// Apply calls. The zero value discards everything.
type Logger struct {
	src   source
	bound []Field
}

func Nop() Logger { return Logger{src: static{zerolog.Nop()}} }

// NewConsole writes human-readable lines to stderr. Used before the
// logging service exists.
func NewConsole(level string) Logger {
	setupZerolog()
	return Logger{src: static{build(level, consoleWriter(os.Stderr))}}
}

// NewWriter writes JSON lines to w at debug level or above unless level
// says otherwise.
func NewWriter(w io.Writer, level string) Logger {
	setupZerolog()
	zl := zerolog.New(w).Level(ParseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger()
	return Logger{src: static{zl}}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.bound) == 0 }

// With returns a Logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.bound = make([]Field, 0, len(l.bound)+len(fields))
	out.bound = append(append(out.bound, l.bound...), fields...)
	return out
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	if l.src == nil {
		return
	}
	zl := l.src.current()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// skip emit and the level method
	e = e.Caller(2)
	for _, group := range [][]Field{l.bound, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// ParseLevel accepts trace, debug, info, warn(ing) and error in any case.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	switch lvl, err := zerolog.ParseLevel(s); {
	case s == "" || err != nil:
		return def
	case lvl < zerolog.TraceLevel || lvl > zerolog.ErrorLevel:
		return def
	default:
		return lvl
	}
}

func build(level string, w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(ParseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}
