package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/engine"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the per-owner work queues",
	}

	cmd.AddCommand(newQueueEnqueueCommand(opts))
	cmd.AddCommand(newQueueEnqueueTxnCommand(opts))
	cmd.AddCommand(newQueueShowCommand(opts))
	cmd.AddCommand(newQueueStatsCommand(opts))
	cmd.AddCommand(newQueueProcessCommand(opts))
	cmd.AddCommand(newQueueDeadLetterCommand(opts))
	cmd.AddCommand(newQueueRequeueCommand(opts))
	return cmd
}

func newQueueEnqueueCommand(opts *RootOptions) *cobra.Command {
	var owner, itemType, data string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Append a work item to an owner's queue",
		Long: `Append a work item. When the owner's queued count exceeds the overflow
threshold, all but the newest items are archived.

Examples:
  posync queue enqueue --owner store-1 --type order --data '{"sku":"A1"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				item, err := rt.svc.Enqueue(ctx, owner, domain.ItemType(itemType), json.RawMessage(data))
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(item, func(w io.Writer) { printQueueItem(w, item) })
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owning user or terminal (required)")
	cmd.Flags().StringVar(&itemType, "type", "", "item type: order|payment|refund|adjustment|sync (required)")
	cmd.Flags().StringVar(&data, "data", "{}", "item data as JSON")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newQueueEnqueueTxnCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue-txn <transaction-id>",
		Short: "Enqueue a copy of a transaction as a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				item, err := rt.svc.EnqueueTransaction(ctx, args[0])
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(item, func(w io.Writer) { printQueueItem(w, item) })
			})
		},
	}
}

func newQueueShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				item, err := rt.svc.GetQueueItem(ctx, args[0])
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(item, func(w io.Writer) { printQueueItem(w, item) })
			})
		},
	}
}

func printQueueItem(w io.Writer, item domain.QueueItem) {
	fmt.Fprintf(w, "%s %s seq=%d type=%s attempts=%d\n", item.Status, item.ID, item.Sequence, item.Type, item.Attempts)
	if item.TransactionID != "" {
		fmt.Fprintf(w, "  transaction: %s\n", item.TransactionID)
	}
	if item.LastError != "" {
		fmt.Fprintf(w, "  last error:  %s\n", item.LastError)
	}
}

func newQueueStatsCommand(opts *RootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize an owner's queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				stats, err := rt.svc.GetQueueStats(ctx, owner)
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(stats, func(w io.Writer) {
					fmt.Fprintf(w, "total:       %d\n", stats.Total)
					fmt.Fprintf(w, "queued:      %d\n", stats.Queued)
					fmt.Fprintf(w, "processing:  %d\n", stats.Processing)
					fmt.Fprintf(w, "completed:   %d\n", stats.Completed)
					fmt.Fprintf(w, "failed:      %d\n", stats.Failed)
					fmt.Fprintf(w, "archived:    %d\n", stats.Archived)
					fmt.Fprintf(w, "dead_letter: %d\n", stats.DeadLetter)
					fmt.Fprintf(w, "overflow:    %t\n", stats.Overflow)
				})
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newQueueProcessCommand(opts *RootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Drain due items in sequence order",
		Long: `Process queued items, plus failed items whose backoff has elapsed, in
sequence order. Without --owner every owner with work is processed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				reports := map[string]engine.QueueReport{}
				if owner != "" {
					report, err := rt.svc.ProcessQueue(ctx, owner)
					if err != nil {
						return rt.out.Fail(err)
					}
					reports[owner] = report
				} else {
					var err error
					if reports, err = rt.svc.ProcessAllQueues(ctx); err != nil {
						return rt.out.Fail(err)
					}
				}
				return rt.out.Result(reports, func(w io.Writer) { printQueueReports(w, reports) })
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only this owner")
	return cmd
}

func printQueueReports(w io.Writer, reports map[string]engine.QueueReport) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No queued work.")
		return
	}
	owners := make([]string, 0, len(reports))
	for o := range reports {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	for _, o := range owners {
		r := reports[o]
		fmt.Fprintf(w, "%s: processed %d, %d completed, %d failed, %d dead-lettered, %d skipped\n",
			o, r.Processed, r.Completed, r.Failed, r.DeadLettered, r.Skipped)
	}
}

func newQueueDeadLetterCommand(opts *RootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "List dead-lettered items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				items, err := rt.svc.ListDeadLetter(ctx, owner)
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(items, func(w io.Writer) {
					if len(items) == 0 {
						fmt.Fprintln(w, "No dead-lettered items.")
						return
					}
					for _, item := range items {
						printQueueItem(w, item)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only this owner")
	return cmd
}

func newQueueRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Return a dead-lettered item to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.svc.RequeueDeadLetter(ctx, args[0]); err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(map[string]string{"requeued": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "requeued %s\n", args[0])
				})
			})
		},
	}
}
