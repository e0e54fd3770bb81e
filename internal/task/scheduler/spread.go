package scheduler

import (
	"math/rand"
	"sync/atomic"
	"time"
)

var spreadSeq uint64

func newSpreadRand() *rand.Rand {
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1))
	return rand.New(rand.NewSource(seed))
}

// firstDueLocked returns the first due time for a job registered at now.
// Call with s.mu held.
func (s *Service) firstDueLocked(now time.Time, interval int64) int64 {
	due := now.UnixMilli()
	spread := s.cfg.StartSpread.Milliseconds()
	if spread > interval {
		spread = interval
	}
	if spread <= 0 {
		return due
	}
	return due + s.rng.Int63n(spread)
}
