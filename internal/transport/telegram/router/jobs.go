package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"watchbot/internal/job"
	"watchbot/internal/monitor"
	"watchbot/internal/notifier"
	"watchbot/internal/task/scheduler"
)

// Jobs is the job manager as the commands use it.
type Jobs interface {
	Create(ctx context.Context, req monitor.CreateRequest) (job.ID, error)
	Start(ctx context.Context, id job.ID) error
	Stop(ctx context.Context, id job.ID) error
	Delete(ctx context.Context, id job.ID) error
	Page(ctx context.Context, page, size int) ([]job.Summary, error)
	Stats() monitor.Stats
}

// Deps are the services behind the job commands. Nil fields are skipped in
// /stats.
type Deps struct {
	Jobs        Jobs
	Sink        interface{ Stats() notifier.Stats }
	Scheduler   interface{ Info() scheduler.Info }
	Supervisors *SupervisorRegistry
	PageSize    int // default 10
}

// JobCommands returns the owner-only job administration commands.
func JobCommands(d Deps) []Command {
	if d.PageSize <= 0 {
		d.PageSize = 10
	}
	idCmd := func(verb, desc string, fn func(ctx context.Context, id job.ID) error) Command {
		return Command{
			Name:        verb,
			Description: desc,
			Usage:       "/" + verb + " <id>",
			Access:      AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					return usageError("/" + verb + " <id>")
				}
				id, err := job.ParseID(req.Args[0])
				if err != nil {
					return err
				}
				if err := fn(withActor(ctx, req), id); err != nil {
					return err
				}
				return req.Reply(ctx, fmt.Sprintf("job %s: %s ok", id, verb))
			},
		}
	}

	return []Command{
		{
			Name:        "create",
			Aliases:     []string{"new"},
			Description: "create a watch job",
			Usage:       `/create canister <address> <method> "<template>" <interval> [--batch=N] [--from-now]`,
			Access:      AccessOwnerOnly,
			BoolFlags:   []string{"from-now"},
			Timeout:     30 * time.Second,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 5 {
					return usageError(`/create canister <address> <method> "<template>" <interval> [--batch=N] [--from-now]`)
				}
				cr := monitor.CreateRequest{
					Kind:     req.Args[0],
					Address:  req.Args[1],
					Method:   req.Args[2],
					Template: req.Args[3],
					Interval: req.Args[4],
					FromNow:  req.BoolFlags["from-now"],
				}
				if raw, ok := req.Flags["batch"]; ok {
					n, err := strconv.ParseUint(raw, 10, 32)
					if err != nil || n == 0 {
						return errors.WithHint(errors.Mark(errors.Newf("bad --batch %q", raw), monitor.ErrInvalidJob), "batch is a positive record count")
					}
					cr.Batch = uint32(n)
				}
				id, err := d.Jobs.Create(withActor(ctx, req), cr)
				if err != nil {
					return err
				}
				return req.Reply(ctx, "job "+id.String()+" created")
			},
		},
		{
			Name:        "list",
			Aliases:     []string{"ls"},
			Description: "list jobs",
			Usage:       "/list [page]",
			Access:      AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *Request) error {
				page := 1
				if len(req.Args) > 0 {
					p, err := strconv.Atoi(req.Args[0])
					if err != nil || p < 1 {
						return usageError("/list [page]")
					}
					page = p
				}
				rows, err := d.Jobs.Page(ctx, page, d.PageSize)
				if err != nil {
					return err
				}
				return req.Reply(ctx, formatJobList(rows, page))
			},
		},
		idCmd("start", "start a stopped job", d.Jobs.Start),
		idCmd("stop", "stop a job, keeping its cursor", d.Jobs.Stop),
		idCmd("delete", "delete a job", d.Jobs.Delete),
		{
			Name:        "stats",
			Description: "runtime counters",
			Usage:       "/stats",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, formatStats(d))
			},
		},
	}
}

func usageError(usage string) error {
	return errors.WithHint(errors.New("wrong arguments"), "usage: "+usage)
}

func withActor(ctx context.Context, req *Request) context.Context {
	a := monitor.Actor{ID: req.FromID, ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID, Via: "telegram"}
	if req.Update.Message != nil {
		a.Username = req.Update.Message.FromUsername
	}
	return monitor.WithActor(ctx, a)
}

func formatJobList(rows []job.Summary, page int) string {
	if len(rows) == 0 {
		if page > 1 {
			return fmt.Sprintf("no jobs on page %d", page)
		}
		return "no jobs yet, see /help create"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "jobs, page %d\n", page)
	for _, s := range rows {
		fmt.Fprintf(&b, "#%s %s [%s] every %ds offset %d\n  %s\n",
			s.ID, s.Type, s.State, s.Interval, s.Offset, s.OutputTemplate)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatStats(d Deps) string {
	var b strings.Builder
	st := d.Jobs.Stats()
	fmt.Fprintf(&b, "active jobs: %d\nruns: %d (skipped %d)\npolls: %d (errors %d)\nrecords: %d\nnotify calls: %d (errors %d)\n",
		st.Active, st.Runs, st.Skipped, st.Polls, st.PollErrors, st.Records, st.NotifyCalls, st.NotifyErrors)
	if !st.LastRunAt.IsZero() {
		fmt.Fprintf(&b, "last run: %s\n", st.LastRunAt.UTC().Format(time.RFC3339))
	}
	if d.Sink != nil {
		ns := d.Sink.Stats()
		fmt.Fprintf(&b, "sent: %d messages in %d calls, cost spent %d\n", ns.Sent, ns.Calls, ns.Spent)
	}
	if d.Scheduler != nil {
		in := d.Scheduler.Info()
		fmt.Fprintf(&b, "scheduler: catch-up %s, fired %d, stale %d", in.CatchUp, in.Fired, in.Stale)
		if !in.NextDue.IsZero() {
			fmt.Fprintf(&b, ", next due %s", in.NextDue.UTC().Format(time.RFC3339))
		}
		b.WriteByte('\n')
	}
	for _, name := range d.Supervisors.Names() {
		if c, ok := d.Supervisors.Counters(name); ok {
			fmt.Fprintf(&b, "%s: active %d, started %d, panics %d\n", name, c.Active, c.Started, c.Panics)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
