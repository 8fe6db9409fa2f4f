package main

import (
	"fmt"

	"github.com/hupe1980/agentledger/core"
	"github.com/hupe1980/agentledger/replay"
	"github.com/spf13/cobra"
)

type replaySummary struct {
	Status      replay.Status  `json:"status"`
	FinalCursor core.Cursor    `json:"final_cursor"`
	Events      int            `json:"events"`
	Cycles      int            `json:"cycles"`
	Version     uint64         `json:"version"`
	StateDigest string         `json:"state_digest"`
	Reason      string         `json:"reason,omitempty"`
	State       map[string]any `json:"state,omitempty"`
}

func newReplayCmd(a *app) *cobra.Command {
	var (
		schemaPath, snapshotID string
		from, until            uint64
		showState              bool
	)

	cmd := &cobra.Command{
		Use:   "replay <instance>",
		Short: "Reproduce an instance from recorded tool results",
		Long:  "Replay re-plans the events of an instance and answers every tool call from\nthe recorded history. No live tool is called.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := loadSchema(schemaPath)
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}

			l, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			if err := l.BindTools(schema); err != nil {
				return fmt.Errorf("replay: %w", err)
			}

			var opts []replay.Option
			if until > 0 {
				opts = append(opts, replay.UntilCursor(core.Cursor(until)))
			}

			var res replay.Result

			if snapshotID != "" {
				snap, ok, err := l.Engine().Snapshot(cmd.Context(), snapshotID)
				if err != nil {
					return fmt.Errorf("replay: %w", err)
				}

				if !ok {
					return fmt.Errorf("replay: snapshot %s not found", snapshotID)
				}

				res, err = l.Engine().Replayer().ReplayFromSnapshot(cmd.Context(), args[0], schema, snap, opts...)
				if err != nil {
					return fmt.Errorf("replay: %w", err)
				}
			} else {
				res, err = l.Replay(cmd.Context(), args[0], schema, core.Cursor(from), opts...)
				if err != nil {
					return fmt.Errorf("replay: %w", err)
				}
			}

			s := replaySummary{
				Status:      res.Status,
				FinalCursor: res.FinalCursor,
				Events:      res.Events,
				Cycles:      len(res.Cycles),
				Version:     res.FinalState.Version,
				StateDigest: res.FinalState.Digest(),
				Reason:      res.Reason,
			}

			if showState {
				s.State = res.FinalState.Data
			}

			return writeJSON(cmd.OutOrStdout(), s)
		},
	}

	cmd.Flags().StringVar(&schemaPath, "schema", "", "agent schema YAML file (required)")
	cmd.Flags().Uint64Var(&from, "from", 1, "first event sequence to replay")
	cmd.Flags().Uint64Var(&until, "until", 0, "stop before this event sequence (0 for the end of the log)")
	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "start from this snapshot instead of --from")
	cmd.Flags().BoolVar(&showState, "state", false, "print the final state data")
	_ = cmd.MarkFlagRequired("schema")

	return cmd
}
