package main

import (
	"fmt"

	"github.com/hupe1980/agentledger/core"
	"github.com/spf13/cobra"
)

func newSnapshotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create and prune state snapshots",
	}

	cmd.AddCommand(newSnapshotCreateCmd(a), newSnapshotPruneCmd(a))

	return cmd
}

func newSnapshotCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create <instance>",
		Short: "Snapshot the current state of an instance at its cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			snap, err := l.Engine().CreateSnapshot(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("snapshot create: %w", err)
			}

			return writeJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func newSnapshotPruneCmd(a *app) *cobra.Command {
	var before uint64

	cmd := &cobra.Command{
		Use:   "prune <instance>",
		Short: "Delete the snapshots taken before a cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			n, err := l.Engine().PruneSnapshots(cmd.Context(), args[0], core.Cursor(before))
			if err != nil {
				return fmt.Errorf("snapshot prune: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d snapshots\n", n)

			return nil
		},
	}

	cmd.Flags().Uint64Var(&before, "before", 0, "delete snapshots with a cursor below this one (required)")
	_ = cmd.MarkFlagRequired("before")

	return cmd
}
