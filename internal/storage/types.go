package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"watchbot/internal/job"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "redis".
type Config struct {
	Driver      string
	Path        string        // file and sqlite
	URL         string        // redis, e.g. redis://localhost:6379/0
	Prefix      string        // redis key prefix; default "watchbot"
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is a stored job with its key.
type Record struct {
	ID  job.ID
	Job job.Job
}

// Store is ordered key-value persistence keyed by job id. Each call is atomic
// for the record it touches. Unknown ids report ok=false, never an error.
type Store interface {
	Get(ctx context.Context, id job.ID) (job.Job, bool, error)
	Exists(ctx context.Context, id job.ID) (bool, error)
	Put(ctx context.Context, id job.ID, j job.Job) error
	Delete(ctx context.Context, id job.ID) (bool, error)
	// List returns up to limit records in ascending id order, skipping the
	// first offset.
	List(ctx context.Context, offset, limit int) ([]Record, error)

	// SaveState replaces the scheduler checkpoint blob.
	SaveState(ctx context.Context, state []byte) error
	LoadState(ctx context.Context) ([]byte, bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	ID            string    `json:"id"`
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id,omitempty"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	ThreadID      int       `json:"thread_id,omitempty"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
	MetaJSON      string    `json:"meta,omitempty"`
}

func (e *AuditEntry) normalize() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
}

func clampPage(offset, limit, n int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	if limit < 0 {
		limit = 0
	}
	end := offset + limit
	if end > n || end < offset {
		end = n
	}
	return offset, end
}
