package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenarioYAML = `
name: minimal
description: Minimal scenario
config:
  queue:
    maxAttempts: 3
setup:
  - action: remote
    args:
      default: applied
flow:
  - invoke: enqueue
    args:
      owner: s1
      type: order
      data: {n: 1}
    as: item
    expect:
      case: queued
      result:
        sequence: 1
assertions:
  - type: trace_contains
    action: enqueue
    args:
      owner: s1
  - type: row_count
    table: queue_items
    count: 1
`

func TestParseScenario_Valid(t *testing.T) {
	sc, err := ParseScenario([]byte(validScenarioYAML))
	require.NoError(t, err)

	assert.Equal(t, "minimal", sc.Name)
	assert.Equal(t, map[string]any{"maxAttempts": 3}, sc.Config["queue"])
	require.Len(t, sc.Setup, 1)
	assert.Equal(t, "remote", sc.Setup[0].Action)
	require.Len(t, sc.Flow, 1)
	assert.Equal(t, "item", sc.Flow[0].As)
	require.NotNil(t, sc.Flow[0].Expect)
	assert.Equal(t, "queued", sc.Flow[0].Expect.Case)
	assert.Equal(t, 1, sc.Flow[0].Expect.Result["sequence"])
	require.Len(t, sc.Assertions, 2)
	assert.Equal(t, AssertRowCount, sc.Assertions[1].Type)
	assert.Equal(t, 1, sc.Assertions[1].Count)
}

func TestParseScenario_UnknownFieldRejected(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: misspelled key
flow:
  - invoke: purge
    args: {}
assertion:
  - type: trace_count
    action: purge
    count: 1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nflow: [{invoke: purge, args: {}}]\nassertions: [{type: trace_count, action: purge, count: 1}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nflow: [{invoke: purge, args: {}}]\nassertions: [{type: trace_count, action: purge, count: 1}]",
			wantErr: "description is required",
		},
		{
			name:    "empty flow",
			yaml:    "name: n\ndescription: d\nflow: []\nassertions: [{type: trace_count, action: purge, count: 1}]",
			wantErr: "flow list is required",
		},
		{
			name:    "no assertions",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: purge, args: {}}]",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown flow action",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: explode, args: {}}]\nassertions: [{type: trace_count, action: purge, count: 1}]",
			wantErr: `flow[0]: unknown action "explode"`,
		},
		{
			name:    "unknown setup action",
			yaml:    "name: n\ndescription: d\nsetup: [{action: explode, args: {}}]\nflow: [{invoke: purge, args: {}}]\nassertions: [{type: trace_count, action: purge, count: 1}]",
			wantErr: `setup[0]: unknown action "explode"`,
		},
		{
			name:    "flow args required",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: purge}]\nassertions: [{type: trace_count, action: purge, count: 1}]",
			wantErr: "flow[0]: args is required",
		},
		{
			name:    "expect without case",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: purge, args: {}, expect: {result: {queue_items: 0}}}]\nassertions: [{type: trace_count, action: purge, count: 1}]",
			wantErr: "flow[0].expect: case is required",
		},
		{
			name:    "unknown assertion type",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: purge, args: {}}]\nassertions: [{type: eventually}]",
			wantErr: `unknown assertion type "eventually"`,
		},
		{
			name:    "final_state without table",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: purge, args: {}}]\nassertions: [{type: final_state, expect: {a: 1}}]",
			wantErr: "table is required for final_state",
		},
		{
			name:    "final_state without expect",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: purge, args: {}}]\nassertions: [{type: final_state, table: transactions}]",
			wantErr: "expect is required for final_state",
		},
		{
			name:    "row_count without table",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: purge, args: {}}]\nassertions: [{type: row_count, count: 1}]",
			wantErr: "table is required for row_count",
		},
		{
			name:    "trace_order without actions",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: purge, args: {}}]\nassertions: [{type: trace_order}]",
			wantErr: "actions list is required for trace_order",
		},
		{
			name:    "negative count",
			yaml:    "name: n\ndescription: d\nflow: [{invoke: purge, args: {}}]\nassertions: [{type: trace_count, action: purge, count: -1}]",
			wantErr: "count must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadDir_SortedAndStrict(t *testing.T) {
	dir := t.TempDir()
	second := "name: b\ndescription: d\nflow: [{invoke: purge, args: {}}]\nassertions: [{type: trace_count, action: purge, count: 1}]\n"
	first := "name: a\ndescription: d\nflow: [{invoke: purge, args: {}}]\nassertions: [{type: trace_count, action: purge, count: 1}]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20_b.yaml"), []byte(second), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10_a.yaml"), []byte(first), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	scenarios, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, scenarios, 2)
	assert.Equal(t, "a", scenarios[0].Name)
	assert.Equal(t, "b", scenarios[1].Name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "30_bad.yaml"), []byte("name: c\n"), 0o644))
	_, err = LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "30_bad.yaml")
}
