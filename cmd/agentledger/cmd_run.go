package main

import (
	"fmt"

	"github.com/hupe1980/agentledger/core"
	"github.com/spf13/cobra"
)

// cycleSummary is the printed form of a committed cycle.
type cycleSummary struct {
	PlanID   string               `json:"plan_id"`
	From     core.Cursor          `json:"from"`
	To       core.Cursor          `json:"to"`
	Status   core.ExecutionStatus `json:"status"`
	Version  uint64               `json:"version"`
	Attempts int                  `json:"attempts"`
	Snapshot string               `json:"snapshot,omitempty"`
	Events   int                  `json:"execution_events"`
}

func newRunCmd(a *app) *cobra.Command {
	var schemaPath string

	cmd := &cobra.Command{
		Use:   "run <instance>",
		Short: "Process the pending events of an instance",
		Long:  "Run plans, executes and commits cycles for the pending events of an instance\nuntil none remain or the instance completes. Each committed cycle is printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := loadSchema(schemaPath)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			l, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			if err := l.BindTools(schema); err != nil {
				return fmt.Errorf("run: %w", err)
			}

			outcomes, err := l.Engine().Run(cmd.Context(), args[0], schema)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			out := make([]cycleSummary, 0, len(outcomes))

			for _, o := range outcomes {
				s := cycleSummary{
					PlanID:   o.Plan.ID,
					From:     o.Plan.From,
					To:       o.Plan.To,
					Status:   o.Result.Status,
					Version:  o.Result.NewState.Version,
					Attempts: o.Attempts,
					Events:   len(o.Result.Events),
				}

				if o.Snapshot != nil {
					s.Snapshot = o.Snapshot.ID
				}

				out = append(out, s)
			}

			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&schemaPath, "schema", "", "agent schema YAML file (required)")
	_ = cmd.MarkFlagRequired("schema")

	return cmd
}
