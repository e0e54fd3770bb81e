package router

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	logx "watchbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that mw[0] runs outermost.
func Chain(h HandlerFunc, mw ...Middleware) HandlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

const slowRequest = 750 * time.Millisecond

// Recover turns a handler panic into an error.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("handler panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = errors.Newf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// LogRequests logs failures at warn and slow requests at info.
func LogRequests() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			began := time.Now()
			err := next(ctx, req)
			took := time.Since(began)
			switch {
			case err != nil:
				req.Logger.Warn("request failed", logx.Duration("dur", took), logx.Err(err))
			case took >= slowRequest:
				req.Logger.Info("request slow", logx.Duration("dur", took))
			default:
				req.Logger.Debug("request ok", logx.Duration("dur", took))
			}
			return err
		}
	}
}

// ReplyErrors answers a failed request in its chat, hints included.
func ReplyErrors() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err != nil {
				_ = req.Reply(ctx, errorText(err))
			}
			return err
		}
	}
}

// WithTimeout bounds the handler's context; zero leaves it alone.
func WithTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func errorText(err error) string {
	msg := "rejected: " + err.Error()
	if h := errors.FlattenHints(err); h != "" {
		msg += "\nhint: " + h
	}
	return msg
}
