// Package monitor is the job manager. It keeps the job store and the
// scheduler due-set in agreement and runs the poll, render, notify loop for
// each due job.
package monitor

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
	"watchbot/internal/task/scheduler"
)

var (
	ErrUnknownJob    = errors.New("unknown job id")
	ErrAlreadyActive = scheduler.ErrAlreadyActive
	ErrCapacity      = scheduler.ErrCapacity
	ErrInvalidJob    = job.ErrInvalid
)

func unknownJob(id job.ID) error {
	return errors.WithHint(errors.Wrapf(ErrUnknownJob, "job %d", id), "see /list for job ids")
}

type Config struct {
	DefaultBatchSize uint32
	RunTimeout       time.Duration // bounds one job run; 0 means none
}

// Spawner launches detached work. The supervisor satisfies it.
type Spawner interface {
	Go0(name string, fn func(ctx context.Context))
}

// Stats counts manager activity since start.
type Stats struct {
	Active       int
	Runs         uint64
	Skipped      uint64 // dispatches dropped because the job was still running
	Polls        uint64
	PollErrors   uint64
	Records      uint64
	NotifyCalls  uint64
	NotifyErrors uint64
	LastRunAt    time.Time
}

// Actor identifies who asked for a lifecycle change. It is recorded in the
// audit log.
type Actor struct {
	ID       int64
	Username string
	ChatID   int64
	ThreadID int
	Via      string // telegram | cli
}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFrom(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey{}).(Actor)
	return a
}
