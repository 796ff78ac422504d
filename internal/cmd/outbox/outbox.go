package outboxcmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cfgpkg "github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/outbox"
	"github.com/rzbill/courier/internal/runtime"
	logpkg "github.com/rzbill/courier/pkg/log"
	"github.com/spf13/cobra"
)

// ConfigFunc resolves the configuration whose data directory is inspected.
type ConfigFunc func() (cfgpkg.Config, error)

var errNeedConfirm = errors.New("refusing to delete without --confirm")

// NewCommand returns the `outbox` command group.
func NewCommand(configFn ConfigFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and maintain the local outbox (agent must be stopped)",
	}
	cmd.AddCommand(newStatsCommand(configFn))
	cmd.AddCommand(newPeekCommand(configFn))
	cmd.AddCommand(newTrimCommand(configFn))
	cmd.AddCommand(newDropScopeCommand(configFn))
	cmd.AddCommand(newClearCommand(configFn))
	return cmd
}

// withStore opens the outbox for the duration of fn.
func withStore(configFn ConfigFunc, fn func(*outbox.Store) error) error {
	cfg, err := configFn()
	if err != nil {
		return err
	}
	db, store, err := runtime.OpenOutbox(cfg, logpkg.NewNop(), nil)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer func() { _ = db.Close() }()
	defer store.Close()
	return fn(store)
}

func newStatsCommand(configFn ConfigFunc) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queued entry count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configFn, func(s *outbox.Store) error {
				out := map[string]any{"count": s.Count(), "maxEntries": s.MaxEntries()}
				if scope != "" {
					n, err := s.CountScope(scope)
					if err != nil {
						return err
					}
					out["scope"], out["scopeCount"] = scope, n
				}
				return writeJSON(cmd, out)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "also count entries for this scope")
	return cmd
}

func newPeekCommand(configFn ConfigFunc) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Print the oldest queued entries as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configFn, func(s *outbox.Store) error {
				page, err := s.ReadPage(limit, offset)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, e := range page {
					if err := enc.Encode(map[string]any{"seq": e.Seq, "record": e.Record}); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries to print")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many oldest entries")
	return cmd
}

func newTrimCommand(configFn ConfigFunc) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Evict the oldest entries beyond --max",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 0 {
				return fmt.Errorf("--max must be >= 0")
			}
			return withStore(configFn, func(s *outbox.Store) error {
				n, err := s.EvictExcess(context.Background(), keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "evicted %d\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keep, "max", 0, "entries to keep")
	_ = cmd.MarkFlagRequired("max")
	return cmd
}

func newDropScopeCommand(configFn ConfigFunc) *cobra.Command {
	var scope string
	var confirm bool
	cmd := &cobra.Command{
		Use:   "drop-scope",
		Short: "Delete every queued entry of one scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scope == "" {
				return fmt.Errorf("--scope is required")
			}
			if !confirm {
				return errNeedConfirm
			}
			return withStore(configFn, func(s *outbox.Store) error {
				n, err := s.DeleteScope(context.Background(), scope)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope id")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm deletion")
	return cmd
}

func newClearCommand(configFn ConfigFunc) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every queued entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errNeedConfirm
			}
			return withStore(configFn, func(s *outbox.Store) error {
				n, err := s.Clear(context.Background())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm deletion")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
