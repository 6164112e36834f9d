package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scenepilot/internal/observability"
	"github.com/xkilldash9x/scenepilot/internal/store"
)

func newStateCmd() *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or clear persisted run state",
	}
	stateCmd.AddCommand(&cobra.Command{
		Use:       "show [flow|queue]",
		Short:     "Print persisted run state as JSON",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"flow", "queue"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				scopes, err := scopesFromArgs(args)
				if err != nil {
					return err
				}
				for _, scope := range scopes {
					rs, err := st.Load(ctx, scope)
					if errors.Is(err, store.ErrNotFound) {
						cmd.Printf("%s: no saved state\n", scope)
						continue
					}
					if err != nil {
						return err
					}
					out, err := json.MarshalIndent(rs, "", "  ")
					if err != nil {
						return err
					}
					cmd.Printf("%s: %s\n", scope, out)
				}
				return nil
			})
		},
	})
	stateCmd.AddCommand(&cobra.Command{
		Use:       "clear [flow|queue]",
		Short:     "Delete persisted run state (both scopes by default)",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"flow", "queue"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				scopes, err := scopesFromArgs(args)
				if err != nil {
					return err
				}
				for _, scope := range scopes {
					if err := st.Clear(ctx, scope); err != nil {
						return err
					}
					cmd.Printf("%s: cleared\n", scope)
				}
				return nil
			})
		},
	})
	return stateCmd
}

func scopesFromArgs(args []string) ([]store.Scope, error) {
	if len(args) == 0 {
		return store.Scopes, nil
	}
	scope, err := store.ParseScope(args[0])
	if err != nil {
		return nil, err
	}
	return []store.Scope{scope}, nil
}

// withStore opens the configured store for fn and closes it afterwards.
func withStore(cmd *cobra.Command, fn func(context.Context, *store.Store) error) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Store(), observability.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer st.Close()
	return fn(ctx, st)
}
