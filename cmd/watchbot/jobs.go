package main

import (
	"context"
	"fmt"
	"os/user"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"watchbot/internal/app"
	"watchbot/internal/job"
	"watchbot/internal/monitor"
)

// jobsCmd administers the job store directly. The daemon must not be
// running against the same store.
func jobsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage watch jobs while the daemon is stopped",
	}
	cmd.AddCommand(
		createCmd(cfgPath),
		listCmd(cfgPath),
		lifecycleCmd(cfgPath, "start", "Start a stopped job", (*monitor.Manager).Start),
		lifecycleCmd(cfgPath, "stop", "Stop a job, keeping its cursor", (*monitor.Manager).Stop),
		lifecycleCmd(cfgPath, "delete", "Delete a job", (*monitor.Manager).Delete),
	)
	return cmd
}

// withStore opens the store, runs fn and checkpoints on the way out.
func withStore(ctx context.Context, cfgPath string, fn func(ctx context.Context, m *monitor.Manager) error) (err error) {
	off, err := app.OpenOffline(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := off.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(monitor.WithActor(ctx, cliActor()), off.Jobs)
}

func cliActor() monitor.Actor {
	a := monitor.Actor{Via: "cli"}
	if u, err := user.Current(); err == nil {
		a.Username = u.Username
	}
	return a
}

func createCmd(cfgPath *string) *cobra.Command {
	var (
		batch   uint32
		fromNow bool
	)
	cmd := &cobra.Command{
		Use:     "create <kind> <address> <method> <template> <interval>",
		Short:   "Create a job",
		Example: `  watchbot jobs create canister ryjl3-tyaaa-aaaaa-aaaba-cai get_blocks "block {height}" 5m --from-now`,
		Args:    cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *cfgPath, func(ctx context.Context, m *monitor.Manager) error {
				id, err := m.Create(ctx, monitor.CreateRequest{
					Kind:     args[0],
					Address:  args[1],
					Method:   args[2],
					Template: args[3],
					Interval: args[4],
					Batch:    batch,
					FromNow:  fromNow,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s created\n", id)
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&batch, "batch", 0, "records per poll (default from jobs.default_batch_size)")
	cmd.Flags().BoolVar(&fromNow, "from-now", false, "skip records that already exist")
	return cmd
}

func listCmd(cfgPath *string) *cobra.Command {
	var page, size int
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), *cfgPath, func(ctx context.Context, m *monitor.Manager) error {
				rows, err := m.Page(ctx, page, size)
				if err != nil {
					return err
				}
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATE\tEVERY\tOFFSET\tTYPE\tTEMPLATE")
				for _, s := range rows {
					fmt.Fprintf(w, "%s\t%s\t%ds\t%d\t%s\t%s\n", s.ID, s.State, s.Interval, s.Offset, s.Type, s.OutputTemplate)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 20, "jobs per page")
	return cmd
}

func lifecycleCmd(cfgPath *string, verb, short string, fn func(*monitor.Manager, context.Context, job.ID) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := job.ParseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), *cfgPath, func(ctx context.Context, m *monitor.Manager) error {
				if err := fn(m, ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s ok\n", id, verb)
				return nil
			})
		},
	}
}

