package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
	logx "watchbot/pkg/logx"
)

var (
	ErrAlreadyActive = errors.New("job already active")
	ErrCapacity      = errors.New("scheduler at capacity")
)

// CatchUp decides what happens to intervals missed while the process was
// late or down.
type CatchUp string

const (
	// CatchUpReplay dispatches every missed interval once, one per fire.
	CatchUpReplay CatchUp = "replay"
	// CatchUpSkip jumps past now in whole intervals and dispatches once.
	CatchUpSkip CatchUp = "skip"
)

func ParseCatchUp(s string) (CatchUp, error) {
	switch CatchUp(s) {
	case "", CatchUpReplay:
		return CatchUpReplay, nil
	case CatchUpSkip:
		return CatchUpSkip, nil
	}
	return "", errors.Newf("unknown catch-up policy %q (want replay or skip)", s)
}

type Config struct {
	CatchUp     CatchUp
	StartSpread time.Duration // first due is now + [0, StartSpread)
	MaxActive   int           // 0 means unlimited
}

// Callback is invoked when the armed timer fires.
type Callback func()

type entry struct {
	id       job.ID
	interval int64 // ms
	due      int64 // unix ms
	index    int
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	clock Clock
	log   logx.Logger
	rng   *rand.Rand

	nextID  uint64
	entries map[job.ID]*entry
	queue   dueQueue

	timer   Timer
	armed   bool
	armedAt int64
	gen     uint64

	fired      uint64
	stale      uint64
	dispatched uint64
}

// EntryState is one due-set entry in a checkpoint.
type EntryState struct {
	ID         job.ID `json:"id"`
	IntervalMs int64  `json:"interval_ms"`
	DueMs      int64  `json:"due_ms"`
}

// State is the serializable scheduler state: the id counter and the due-set.
type State struct {
	NextID  uint64       `json:"next_id"`
	Entries []EntryState `json:"entries"`
}

// Info is a diagnostic view of the scheduler.
type Info struct {
	CatchUp    CatchUp
	Active     int
	NextID     uint64
	Armed      bool
	ArmedAt    time.Time
	NextDue    time.Time
	Fired      uint64
	Stale      uint64
	Dispatched uint64
}
