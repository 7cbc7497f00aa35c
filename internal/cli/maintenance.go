package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/posync/internal/engine"
)

// NewMaintenanceCommand creates the maintenance command group.
func NewMaintenanceCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "maintenance",
		Aliases: []string{"maint"},
		Short:   "Retention, recovery and one-shot scheduler passes",
	}

	cmd.AddCommand(newMaintenancePurgeCommand(opts))
	cmd.AddCommand(newMaintenanceRecoverCommand(opts))
	cmd.AddCommand(newMaintenanceReconnectCommand(opts))
	cmd.AddCommand(newMaintenanceRunOnceCommand(opts))
	return cmd
}

func newMaintenancePurgeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete completed records past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				report, err := rt.svc.PurgeCompleted(ctx)
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(report, func(w io.Writer) {
					fmt.Fprintf(w, "purged %d queue items, %d transactions\n", report.QueueItems, report.Transactions)
				})
			})
		},
	}
}

func newMaintenanceRecoverCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Release queue items stuck in processing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				n, err := rt.svc.RecoverStale(ctx)
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(map[string]int{"recovered": n}, func(w io.Writer) {
					fmt.Fprintf(w, "recovered %d items\n", n)
				})
			})
		},
	}
}

func newMaintenanceReconnectCommand(opts *RootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "reconnect",
		Short: "Apply reconnect handling: invalidate cached data",
		Long: `Invalidate cached data as on an offline to online transition. Without
--owner every owner holding cache entries is reconciled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				var err error
				if owner != "" {
					err = rt.svc.OnReconnect(ctx, owner)
				} else {
					err = rt.svc.ReconnectAll(ctx)
				}
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(map[string]string{"reconnected": orDash(owner)}, func(w io.Writer) {
					if owner == "" {
						fmt.Fprintln(w, "reconnected all owners")
						return
					}
					fmt.Fprintf(w, "reconnected %s\n", owner)
				})
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only this owner")
	return cmd
}

func newMaintenanceRunOnceCommand(opts *RootOptions) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run a single scheduler pass",
		Long: `Run one scheduler pass: stale recovery, due transaction retries, queue
draining, cache sweep and retention purge. With --probe the remote is
checked first and sync steps are skipped when it is unreachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				sched := engine.NewScheduler(rt.svc, rt.cfg.Scheduler.Interval)
				if probe {
					engine.NewMonitor(rt.svc, sched, rt.cfg.Monitor.Interval).Probe(ctx)
				}
				report, err := sched.RunOnce(ctx)
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(report, func(w io.Writer) { printPassReport(w, report) })
			})
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "probe the remote before the pass")
	return cmd
}

func printPassReport(w io.Writer, r engine.PassReport) {
	if r.Offline {
		fmt.Fprintln(w, "offline: sync steps skipped")
	}
	fmt.Fprintf(w, "recovered:    %d\n", r.Recovered)
	fmt.Fprintf(w, "transactions: %d attempted, %d synced, %d failed, %d dead-lettered\n",
		r.Transactions.Attempted, r.Transactions.Synced, r.Transactions.Failed, r.Transactions.DeadLettered)
	printQueueReports(w, r.Queues)
	fmt.Fprintf(w, "swept:        %d\n", r.Swept)
	fmt.Fprintf(w, "purged:       %d queue items, %d transactions\n", r.Purged.QueueItems, r.Purged.Transactions)
}
