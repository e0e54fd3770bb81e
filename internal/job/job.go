// Package job holds the watch job definition shared by the store, the
// scheduler and the manager.
package job

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalid marks a job definition rejected by Validate.
var ErrInvalid = errors.New("invalid job")

// ID identifies a job. It is assigned by the scheduler on first registration
// and never reused.
type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseID parses a decimal job id as typed by an operator.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.WithHint(errors.Wrapf(ErrInvalid, "job id %q", s), "job ids are positive integers, see /list")
	}
	return ID(v), nil
}

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

type Kind string

const KindCanister Kind = "canister"

// Canister polls a paginated method on a remote canister.
type Canister struct {
	Address string `json:"address"`
	Method  string `json:"method"`
}

// Type is the polymorphic source of a job. Exactly one variant pointer is set,
// matching Kind.
type Type struct {
	Kind     Kind      `json:"kind"`
	Canister *Canister `json:"canister,omitempty"`
}

func CanisterType(address, method string) Type {
	return Type{Kind: KindCanister, Canister: &Canister{Address: address, Method: method}}
}

func (t Type) String() string {
	switch t.Kind {
	case KindCanister:
		if t.Canister != nil {
			return "canister " + t.Canister.Address + "." + t.Canister.Method
		}
	}
	return string(t.Kind)
}

// Job is the durable job definition.
type Job struct {
	Type           Type      `json:"type"`
	OutputTemplate string    `json:"output_template"`
	Interval       uint32    `json:"interval"` // seconds, immutable after creation
	Offset         uint32    `json:"offset"`   // records already consumed
	BatchSize      uint32    `json:"batch_size"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
}

func (j Job) IntervalDuration() time.Duration {
	return time.Duration(j.Interval) * time.Second
}

func (j Job) Active() Active { return Active{Interval: j.IntervalDuration()} }

func (j Job) Validate() error {
	switch j.Type.Kind {
	case KindCanister:
		c := j.Type.Canister
		if c == nil || strings.TrimSpace(c.Address) == "" || strings.TrimSpace(c.Method) == "" {
			return errors.Wrap(ErrInvalid, "canister address and method are required")
		}
	default:
		return errors.Wrapf(ErrInvalid, "unknown job kind %q", j.Type.Kind)
	}
	if strings.TrimSpace(j.OutputTemplate) == "" {
		return errors.Wrap(ErrInvalid, "output template is empty")
	}
	if j.Interval == 0 {
		return errors.WithHint(errors.Wrap(ErrInvalid, "interval must be > 0"), "interval is given in whole seconds")
	}
	if j.BatchSize == 0 {
		return errors.Wrap(ErrInvalid, "batch size must be > 0")
	}
	return nil
}

// Active is the scheduler's view of a running job.
type Active struct {
	Interval time.Duration
}

// Summary is one row of a job listing.
type Summary struct {
	ID             ID
	Type           Type
	OutputTemplate string
	Interval       uint32
	Offset         uint32
	State          State
}

func (j Job) Summary(id ID) Summary {
	return Summary{
		ID:             id,
		Type:           j.Type,
		OutputTemplate: j.OutputTemplate,
		Interval:       j.Interval,
		Offset:         j.Offset,
		State:          j.State,
	}
}
