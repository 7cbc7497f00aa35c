package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewCacheCommand creates the cache command group.
func NewCacheCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the read cache",
	}

	cmd.AddCommand(newCachePutCommand(opts))
	cmd.AddCommand(newCacheGetCommand(opts))
	cmd.AddCommand(newCacheValidateCommand(opts))
	cmd.AddCommand(newCacheInvalidateCommand(opts))
	cmd.AddCommand(newCacheStatsCommand(opts))
	cmd.AddCommand(newCacheSweepCommand(opts))
	return cmd
}

// cacheKeyFlags are the flags naming one cached record.
type cacheKeyFlags struct {
	owner  string
	model  string
	record int64
}

func (f *cacheKeyFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.owner, "owner", "", "owning user or terminal (required)")
	cmd.Flags().StringVar(&f.model, "model", "", "remote model name (required)")
	cmd.Flags().Int64Var(&f.record, "record", 0, "remote record id (required)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("record")
}

func newCachePutCommand(opts *RootOptions) *cobra.Command {
	var key cacheKeyFlags
	var payload string

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Store a copy of a remote record",
		Long: `Store or replace the cached copy of one remote record. Replacing an
entry bumps its cache version and restarts its TTL.

Examples:
  posync cache put --owner store-1 --model product --record 8 --payload '{"name":"Tea"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				entry, err := rt.svc.Cache().Put(ctx, key.owner, key.model, key.record, json.RawMessage(payload))
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(entry, func(w io.Writer) {
					fmt.Fprintf(w, "cached %s/%d v%d\n", entry.Model, entry.RecordID, entry.Version)
					fmt.Fprintf(w, "  hash:    %s\n", entry.ContentHash)
					fmt.Fprintf(w, "  expires: %s\n", formatTime(entry.ExpiresAt))
				})
			})
		},
	}

	key.bind(cmd)
	cmd.Flags().StringVar(&payload, "payload", "", "record payload as JSON (required)")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func newCacheGetCommand(opts *RootOptions) *cobra.Command {
	var key cacheKeyFlags

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Read a cached record if still valid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				payload, hit, err := rt.svc.Cache().GetLocked(ctx, key.owner, key.model, key.record)
				if err != nil {
					return rt.out.Fail(err)
				}
				data := map[string]any{"hit": hit}
				if hit {
					data["payload"] = payload
				}
				if err := rt.out.Result(data, func(w io.Writer) {
					if !hit {
						fmt.Fprintln(w, "miss")
						return
					}
					fmt.Fprintf(w, "%s\n", payload)
				}); err != nil {
					return err
				}
				if !hit {
					return NewExitError(ExitFailure, "cache miss")
				}
				return nil
			})
		},
	}

	key.bind(cmd)
	return cmd
}

func newCacheValidateCommand(opts *RootOptions) *cobra.Command {
	var key cacheKeyFlags
	var remoteHash string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a cached record against expiry and a remote hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				res, err := rt.svc.Cache().Validate(ctx, key.owner, key.model, key.record, remoteHash)
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(res, func(w io.Writer) {
					fmt.Fprintf(w, "valid=%t reason=%s\n", res.Valid, res.Reason)
				})
			})
		},
	}

	key.bind(cmd)
	cmd.Flags().StringVar(&remoteHash, "remote-hash", "", "content hash of the current remote record")
	return cmd
}

func newCacheInvalidateCommand(opts *RootOptions) *cobra.Command {
	var owner, model string
	var record int64

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Mark cached records invalid",
		Long: `Mark an owner's cached records invalid. Without --model every entry of
the owner is invalidated; with --record only that record of the model.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				var (
					n   int
					err error
				)
				switch {
				case model == "":
					n, err = rt.svc.Cache().InvalidateAll(ctx, owner)
				case cmd.Flags().Changed("record"):
					n, err = rt.svc.Cache().InvalidateModel(ctx, owner, model, &record)
				default:
					n, err = rt.svc.Cache().InvalidateModel(ctx, owner, model, nil)
				}
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(map[string]int{"invalidated": n}, func(w io.Writer) {
					fmt.Fprintf(w, "invalidated %d entries\n", n)
				})
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner (required)")
	cmd.Flags().StringVar(&model, "model", "", "only this model")
	cmd.Flags().Int64Var(&record, "record", 0, "only this record of --model")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newCacheStatsCommand(opts *RootOptions) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize an owner's cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				stats, err := rt.svc.Cache().Stats(ctx, owner)
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(stats, func(w io.Writer) {
					fmt.Fprintf(w, "total:      %d\n", stats.Total)
					fmt.Fprintf(w, "valid:      %d\n", stats.Valid)
					fmt.Fprintf(w, "stale:      %d\n", stats.Stale)
					fmt.Fprintf(w, "accesses:   %d\n", stats.TotalAccesses)
					fmt.Fprintf(w, "efficiency: %.1f%%\n", stats.Efficiency)
				})
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newCacheSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, cmd, func(ctx context.Context, rt *runtime) error {
				n, err := rt.svc.SweepCache(ctx)
				if err != nil {
					return rt.out.Fail(err)
				}
				return rt.out.Result(map[string]int{"deleted": n}, func(w io.Writer) {
					fmt.Fprintf(w, "deleted %d expired entries\n", n)
				})
			})
		},
	}
}
