package scheduler

import (
	"time"

	"watchbot/internal/job"
	logx "watchbot/pkg/logx"
)

func New(cfg Config, clock Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = RealClock()
	}
	if cfg.CatchUp == "" {
		cfg.CatchUp = CatchUpReplay
	}
	return &Service{
		cfg:     cfg,
		clock:   clock,
		log:     log,
		rng:     newSpreadRand(),
		entries: map[job.ID]*entry{},
	}
}

// Apply swaps the policy knobs. Existing due times are left alone.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.CatchUp == "" {
		cfg.CatchUp = CatchUpReplay
	}
	s.cfg = cfg
}

func (s *Service) Now() time.Time { return s.clock.Now() }

// Contains reports whether id is in the due-set.
func (s *Service) Contains(id job.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextDue returns the due time of id.
func (s *Service) NextDue(id job.ID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(e.due), true
}

// Armed reports whether a timer is outstanding and the due time it targets.
func (s *Service) Armed() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return false, time.Time{}
	}
	return true, time.UnixMilli(s.armedAt)
}

func (s *Service) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := Info{
		CatchUp:    s.cfg.CatchUp,
		Active:     len(s.entries),
		NextID:     s.nextID,
		Armed:      s.armed,
		Fired:      s.fired,
		Stale:      s.stale,
		Dispatched: s.dispatched,
	}
	if s.armed {
		in.ArmedAt = time.UnixMilli(s.armedAt)
	}
	if len(s.queue) > 0 {
		in.NextDue = time.UnixMilli(s.queue[0].due)
	}
	return in
}

// Stop cancels the outstanding timer. The due-set is kept so it can be
// checkpointed and armed again.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.log.Debug("timer slot released", logx.Int("active", len(s.entries)))
}
