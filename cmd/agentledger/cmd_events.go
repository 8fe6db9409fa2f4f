package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hupe1980/agentledger/core"
	"github.com/spf13/cobra"
)

func newEventsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Append and list instance events",
	}

	cmd.AddCommand(newEventsAppendCmd(a), newEventsListCmd(a))

	return cmd
}

func newEventsAppendCmd(a *app) *cobra.Command {
	var (
		name, version, payload, file string
		correlation, idempotency     string
		source, at                   string
	)

	cmd := &cobra.Command{
		Use:   "append <instance>",
		Short: "Append an event to an instance stream",
		Long:  "Append an event to an instance stream and print it with its assigned sequence.\nA duplicate idempotency key prints the original event.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := core.ParseVersion(version)
			if err != nil {
				return fmt.Errorf("events append: %w", err)
			}

			raw := []byte(payload)
			if file != "" {
				raw, err = os.ReadFile(file) //nolint:gosec // operator supplied
				if err != nil {
					return fmt.Errorf("events append: %w", err)
				}
			}

			ts := time.Now().UTC()
			if at != "" {
				if ts, err = time.Parse(time.RFC3339Nano, at); err != nil {
					return fmt.Errorf("events append: invalid --at: %w", err)
				}
			}

			ev := core.Event{
				InstanceID:     args[0],
				SchemaRef:      core.NewSchemaRef("event", name, v),
				Timestamp:      ts,
				CorrelationKey: correlation,
				IdempotencyKey: idempotency,
				Payload:        json.RawMessage(raw),
				Source:         source,
			}

			l, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			stored, err := l.Append(cmd.Context(), ev)
			if err != nil && !errors.Is(err, core.ErrDuplicateEvent) {
				return fmt.Errorf("events append: %w", err)
			}

			return writeJSON(cmd.OutOrStdout(), stored)
		},
	}

	cmd.Flags().StringVar(&name, "type", "", "event schema name (required)")
	cmd.Flags().StringVar(&version, "version", "1.0.0", "event schema version")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	cmd.Flags().StringVar(&file, "file", "", "read the JSON payload from a file")
	cmd.Flags().StringVar(&correlation, "correlation", "", "correlation key")
	cmd.Flags().StringVar(&idempotency, "idempotency", "", "idempotency key")
	cmd.Flags().StringVar(&source, "source", "cli", "event source")
	cmd.Flags().StringVar(&at, "at", "", "event time (RFC 3339, default now)")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newEventsListCmd(a *app) *cobra.Command {
	var (
		after uint64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list <instance>",
		Short: "List the events of an instance after a cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			evs, err := l.Engine().Events(cmd.Context(), args[0], core.Cursor(after), limit)
			if err != nil {
				return fmt.Errorf("events list: %w", err)
			}

			return writeJSON(cmd.OutOrStdout(), evs)
		},
	}

	cmd.Flags().Uint64Var(&after, "after", 0, "list events with a sequence after this cursor")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (0 for all)")

	return cmd
}
