package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/posync/internal/domain"
	"github.com/roach88/posync/internal/engine"
	"github.com/roach88/posync/internal/store"
)

// NewTxnCommand creates the txn command group.
func NewTxnCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "txn",
		Short: "Create, inspect and sync transactions",
	}

	cmd.AddCommand(newTxnCreateCommand(opts))
	cmd.AddCommand(newTxnGetCommand(opts))
	cmd.AddCommand(newTxnListCommand(opts))
	cmd.AddCommand(newTxnSyncCommand(opts))
	cmd.AddCommand(newTxnRetryCommand(opts))
	cmd.AddCommand(newTxnPurgeDeadCommand(opts))
	return cmd
}

func newTxnCreateCommand(opts *RootOptions) *cobra.Command {
	var owner, txType, origin, payload string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a client-originated transaction",
		Long: `Record a transaction for later sync. Identical submissions inside one
idempotency window return the existing transaction as a duplicate.

Examples:
  posync txn create --owner store-1 --type order --origin 42 --payload '{"amount":100}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				res, err := rt.svc.CreateTransaction(ctx, owner, domain.TransactionType(txType), json.RawMessage(payload), origin)
				if err != nil {
					return rt.out.Fail(err)
				}
				if err := rt.out.Result(res, func(w io.Writer) { printCreateResult(w, res) }); err != nil {
					return err
				}
				if res.Status == domain.CreateRejected {
					return NewExitError(ExitFailure, "transaction rejected: "+res.Reason)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owning user or terminal (required)")
	cmd.Flags().StringVar(&txType, "type", "", "transaction type: order|payment|refund|adjustment (required)")
	cmd.Flags().StringVar(&origin, "origin", "", "originating record id (required)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "transaction payload as JSON")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("origin")
	return cmd
}

func printCreateResult(w io.Writer, res domain.CreateResult) {
	if res.Status == domain.CreateRejected {
		fmt.Fprintf(w, "rejected: %s\n", res.Reason)
		return
	}
	fmt.Fprintf(w, "%s %s\n", res.Status, res.TransactionID)
	fmt.Fprintf(w, "  key:    %s\n", res.IdempotencyKey)
	fmt.Fprintf(w, "  status: %s\n", res.SyncStatus)
}

func newTxnGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a transaction and its retry state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				st, err := rt.svc.GetTransaction(ctx, args[0])
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(st, func(w io.Writer) { printTransactionStatus(w, st) })
			})
		},
	}
}

func printTransactionStatus(w io.Writer, st engine.TransactionStatus) {
	fmt.Fprintf(w, "id:            %s\n", st.ID)
	fmt.Fprintf(w, "key:           %s\n", st.IdempotencyKey)
	fmt.Fprintf(w, "type:          %s\n", st.Type)
	fmt.Fprintf(w, "owner:         %s\n", st.Owner)
	fmt.Fprintf(w, "status:        %s\n", st.Status)
	fmt.Fprintf(w, "attempts:      %d\n", st.AttemptCount)
	fmt.Fprintf(w, "should_retry:  %t\n", st.ShouldRetry)
	fmt.Fprintf(w, "duplicates:    %d\n", st.DuplicateSubmissions)
	fmt.Fprintf(w, "created_at:    %s\n", formatTime(st.CreatedAt))
	fmt.Fprintf(w, "next_retry_at: %s\n", formatTime(st.NextRetryAt))
	fmt.Fprintf(w, "last_error:    %s\n", orDash(st.LastError))
}

func newTxnListCommand(opts *RootOptions) *cobra.Command {
	var owner, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				txns, err := rt.svc.ListTransactions(ctx, store.TransactionFilter{
					Owner:  owner,
					Status: domain.SyncStatus(status),
					Limit:  limit,
				})
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(txns, func(w io.Writer) {
					if len(txns) == 0 {
						fmt.Fprintln(w, "No transactions.")
						return
					}
					for _, t := range txns {
						fmt.Fprintf(w, "%s  %-11s  %2d  %s\n", t.ID, t.Status, t.AttemptCount, t.IdempotencyKey)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only this owner")
	cmd.Flags().StringVar(&status, "status", "", "only this sync status")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func newTxnSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <id>",
		Short: "Push one transaction to the remote now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				res, err := rt.svc.SyncTransaction(ctx, args[0])
				if err != nil {
					return rt.out.Fail(err)
				}
				if err := rt.out.Result(res, func(w io.Writer) { printSyncResult(w, res) }); err != nil {
					return err
				}
				if res.Outcome == engine.OutcomeFailed || res.Outcome == engine.OutcomeDeadLetter {
					return NewExitError(ExitFailure, res.Error)
				}
				return nil
			})
		},
	}
}

func printSyncResult(w io.Writer, res engine.SyncResult) {
	fmt.Fprintf(w, "%s %s (attempt %d)\n", res.TransactionID, res.Outcome, res.Attempts)
	if res.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", res.Error)
	}
	if !res.RetryAt.IsZero() {
		fmt.Fprintf(w, "  retry at: %s\n", formatTime(res.RetryAt))
	}
}

func newTxnRetryCommand(opts *RootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Attempt every transaction due now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				report, err := rt.svc.RunTransactionRetries(ctx, owner)
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(report, func(w io.Writer) {
					fmt.Fprintf(w, "attempted %d: %d synced, %d failed, %d dead-lettered, %d skipped\n",
						report.Attempted, report.Synced, report.Failed, report.DeadLettered, report.Skipped)
				})
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only this owner")
	return cmd
}

func newTxnPurgeDeadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-dead <id>",
		Short: "Delete a dead-lettered transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.svc.PurgeDeadLetterTransaction(ctx, args[0]); err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(map[string]string{"purged": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "purged %s\n", args[0])
				})
			})
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
