package monitor

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
	"watchbot/internal/task/scheduler"
)

// CreateRequest is a job definition as typed by an operator.
type CreateRequest struct {
	Kind     string // only "canister"
	Address  string
	Method   string
	Template string
	Interval string // seconds, Go duration or HH:MM
	Batch    uint32 // 0 means the configured default
	FromNow  bool   // start at the source's current total, skipping the backlog
}

// Create parses req, resolves the starting offset and adds the job.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (job.ID, error) {
	if k := strings.ToLower(strings.TrimSpace(req.Kind)); k != "" && k != string(job.KindCanister) {
		return 0, errors.WithHint(errors.Wrapf(ErrInvalidJob, "unknown job type %q", req.Kind), "supported types: canister")
	}
	interval, err := scheduler.ParseInterval(req.Interval)
	if err != nil {
		return 0, errors.Mark(errors.WithHint(err, "use seconds (60), a duration (5m) or HH:MM (00:05)"), ErrInvalidJob)
	}
	j := job.Job{
		Type:           job.CanisterType(strings.TrimSpace(req.Address), strings.TrimSpace(req.Method)),
		OutputTemplate: req.Template,
		Interval:       interval,
		BatchSize:      req.Batch,
	}
	if req.FromNow {
		probe := j
		probe.BatchSize = m.cfg.DefaultBatchSize
		if err := probe.Validate(); err != nil {
			return 0, err
		}
		off, err := m.CurrentOffset(ctx, j.Type)
		if err != nil {
			return 0, err
		}
		j.Offset = off
	}
	return m.Add(ctx, j)
}
