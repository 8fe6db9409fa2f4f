package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ordersYAML = `
ref: ref://schemas/agent/orders/1.0.0
tools:
  - ref: ref://schemas/tool/currency/1.0.0
    protocol: DICTIONARY
    config:
      key: country
      entries: {de: EUR, us: USD}
  - ref: ref://schemas/tool/echo/1.0.0
    protocol: FUNCTION
rules:
  - on: order.created
    steps:
      - name: currency
        tool: currency
        input: {country: $event.country}
        output: currency
      - name: echo
        tool: echo
        input: {sku: $event.sku}
        output: echoed
  - on: order.shipped
    then: complete
    reason: shipped
`

type cli struct {
	t      *testing.T
	db     string
	schema string
}

func newCLI(t *testing.T) *cli {
	t.Helper()

	dir := t.TempDir()
	schema := filepath.Join(dir, "orders.yaml")
	require.NoError(t, os.WriteFile(schema, []byte(ordersYAML), 0o600))

	return &cli{t: t, db: filepath.Join(dir, "ledger.db"), schema: schema}
}

func (c *cli) exec(args ...string) (string, error) {
	c.t.Helper()

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--db", c.db))

	err := cmd.Execute()

	return out.String(), err
}

func (c *cli) json(v any, args ...string) {
	c.t.Helper()

	out, err := c.exec(args...)
	require.NoError(c.t, err)
	require.NoError(c.t, json.Unmarshal([]byte(out), v), out)
}

func TestCLI_EndToEnd(t *testing.T) {
	c := newCLI(t)

	var ev struct {
		Sequence uint64 `json:"sequence"`
	}

	c.json(&ev, "events", "append", "o-1", "--type", "order.created", "--payload", `{"country":"de","sku":"A-1"}`, "--idempotency", "k1")
	assert.Equal(t, uint64(1), ev.Sequence)

	// A producer retry prints the original event.
	c.json(&ev, "events", "append", "o-1", "--type", "order.created", "--payload", `{"country":"de","sku":"A-1"}`, "--idempotency", "k1")
	assert.Equal(t, uint64(1), ev.Sequence)

	var cycles []cycleSummary
	c.json(&cycles, "run", "o-1", "--schema", c.schema)
	require.Len(t, cycles, 1)
	assert.Equal(t, "SUCCESS", string(cycles[0].Status))
	assert.Equal(t, uint64(1), cycles[0].Version)

	var st struct {
		Version uint64         `json:"version"`
		Data    map[string]any `json:"data"`
	}
	c.json(&st, "state", "show", "o-1")
	assert.Equal(t, "EUR", st.Data["currency"])
	assert.Equal(t, map[string]any{"sku": "A-1"}, st.Data["echoed"])

	c.json(&ev, "events", "append", "o-1", "--type", "order.shipped")
	assert.Equal(t, uint64(2), ev.Sequence)

	c.json(&cycles, "run", "o-1", "--schema", c.schema)
	require.Len(t, cycles, 1)

	var evs []map[string]any
	c.json(&evs, "events", "list", "o-1", "--after", "1")
	assert.Len(t, evs, 1)

	var rep replaySummary
	c.json(&rep, "replay", "o-1", "--schema", c.schema, "--state")
	assert.Equal(t, "SUCCESS", string(rep.Status))
	assert.Equal(t, uint64(2), uint64(rep.FinalCursor))
	assert.Equal(t, "EUR", rep.State["currency"])

	var snap struct {
		ID     string `json:"snapshot_id"`
		Cursor uint64 `json:"cursor"`
	}
	c.json(&snap, "snapshot", "create", "o-1")
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, uint64(2), snap.Cursor)

	c.json(&rep, "replay", "o-1", "--schema", c.schema, "--snapshot", snap.ID)
	assert.Equal(t, "SUCCESS", string(rep.Status))
	assert.Equal(t, 0, rep.Events)

	out, err := c.exec("snapshot", "prune", "o-1", "--before", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 1 snapshots")

	var cp struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	}
	c.json(&cp, "state", "checkpoint", "o-1", "--meta", "reason=test")
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, "test", cp.Metadata["reason"])

	c.json(&st, "state", "restore", "o-1", cp.ID)
	assert.Equal(t, uint64(3), st.Version)
	assert.Equal(t, "EUR", st.Data["currency"])
}

func TestCLI_Errors(t *testing.T) {
	c := newCLI(t)

	_, err := c.exec("run", "o-1")
	assert.Error(t, err)

	_, err = c.exec("run", "o-1", "--schema", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = c.exec("state", "show", "nobody")
	assert.Error(t, err)

	_, err = c.exec("events", "append", "o-1", "--type", "x", "--payload", "not json")
	assert.Error(t, err)

	_, err = c.exec("state", "checkpoint", "o-1", "--meta", "novalue")
	assert.Error(t, err)

	_, err = c.exec("replay", "o-1", "--schema", c.schema, "--snapshot", "missing")
	assert.Error(t, err)
}

func TestLoadSchema_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ref: ref://schemas/agent/x/1.0.0\nbogus: 1\nrules: []\n"), 0o600))

	_, err := loadSchema(path)
	assert.Error(t, err)
}
