package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect, checkpoint and restore instance state",
	}

	cmd.AddCommand(newStateShowCmd(a), newStateCheckpointCmd(a), newStateRestoreCmd(a))

	return cmd
}

func newStateShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <instance>",
		Short: "Print the current state of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			st, ok, err := l.State(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("state show: %w", err)
			}

			if !ok {
				return fmt.Errorf("state show: instance %s has no state", args[0])
			}

			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newStateCheckpointCmd(a *app) *cobra.Command {
	var meta []string

	cmd := &cobra.Command{
		Use:   "checkpoint <instance>",
		Short: "Store a restorable checkpoint of the current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata := make(map[string]string, len(meta))

			for _, kv := range meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("state checkpoint: invalid --meta %q, want key=value", kv)
				}

				metadata[k] = v
			}

			l, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			cp, err := l.Engine().Checkpoint(cmd.Context(), args[0], metadata)
			if err != nil {
				return fmt.Errorf("state checkpoint: %w", err)
			}

			return writeJSON(cmd.OutOrStdout(), cp)
		},
	}

	cmd.Flags().StringArrayVar(&meta, "meta", nil, "checkpoint metadata as key=value (repeatable)")

	return cmd
}

func newStateRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <instance> <checkpoint>",
		Short: "Write a checkpoint back as the next state version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			st, err := l.Engine().Restore(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("state restore: %w", err)
			}

			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
}
