package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/agentledger"
	"github.com/hupe1980/agentledger/config"
	"github.com/hupe1980/agentledger/model"
	"github.com/hupe1980/agentledger/model/anthropic"
	"github.com/hupe1980/agentledger/model/openai"
	"github.com/hupe1980/agentledger/tool"
	"github.com/spf13/cobra"
)

// app holds the global flags shared by all subcommands.
type app struct {
	configPath string
	dbPath     string
}

// newRootCmd creates the root agentledger command with all subcommands attached.
func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "agentledger",
		Short:         "Event sourced agent runtime",
		Long:          "agentledger appends events, runs agent instances against YAML schemas\nand replays them deterministically from the recorded history.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "TOML config file")
	cmd.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database file (overrides store.path)")

	cmd.AddCommand(
		newEventsCmd(a),
		newRunCmd(a),
		newReplayCmd(a),
		newStateCmd(a),
		newSnapshotCmd(a),
	)

	return cmd
}

// open loads the configuration and opens a ledger over the SQLite store. The
// CLI always uses the durable backend since every command is its own process.
func (a *app) open(ctx context.Context) (*agentledger.Ledger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}

	cfg.Store.Backend = config.BackendSQLite
	if a.dbPath != "" {
		cfg.Store.Path = a.dbPath
	}

	l, err := agentledger.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry := l.Engine().Registry()
	registry.RegisterAdapter(tool.NewFunctionAdapter().Handle("echo", echo))

	if models := availableModels(); len(models) > 0 {
		registry.RegisterAdapter(tool.NewModelAdapter(models))
	}

	return l, nil
}

// echo returns its arguments. It is the built-in FUNCTION handler of the CLI.
func echo(_ context.Context, args map[string]any) (any, error) {
	return args, nil
}

// availableModels returns the providers whose API keys are set.
func availableModels() map[string]model.Model {
	models := map[string]model.Model{}

	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		models["anthropic"] = anthropic.NewModel()
	}

	if os.Getenv("OPENAI_API_KEY") != "" {
		models["openai"] = openai.NewModel()
	}

	return models
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	return nil
}
