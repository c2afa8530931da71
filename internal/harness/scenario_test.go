package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One client writes one entry"
public_key: alice
clients:
  - name: a
steps:
  - client: a
    action: connect
  - client: a
    action: write
    id: 1
    entries: [e1]
assertions:
  - type: final_state
    entries: [e1]
`

func TestLoadScenario_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	assert.Equal(t, "alice", scenario.PublicKey)
	require.Len(t, scenario.Clients, 1)
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, ActionWrite, scenario.Steps[1].Action)
	assert.Equal(t, []string{"e1"}, scenario.Steps[1].Entries)
	assert.Equal(t, uint64(1), scenario.Steps[1].ID)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_Testdata(t *testing.T) {
	files, err := FindScenarios("testdata/scenarios", "")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		_, err := LoadScenario(file)
		assert.NoError(t, err, file)
	}
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nclients: [{name: a}]\nsteps: [{client: a, action: connect}]\nassertions: [{type: final_state}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nclients: [{name: a}]\nsteps: [{client: a, action: connect}]\nassertions: [{type: final_state}]\n",
			wantErr: "description is required",
		},
		{
			name:    "no clients",
			yaml:    "name: n\ndescription: d\nsteps: [{client: a, action: connect}]\nassertions: [{type: final_state}]\n",
			wantErr: "clients list is required",
		},
		{
			name:    "duplicate client",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}, {name: a}]\nsteps: [{client: a, action: connect}]\nassertions: [{type: final_state}]\n",
			wantErr: `duplicate client "a"`,
		},
		{
			name:    "no steps",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}]\nassertions: [{type: final_state}]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}]\nsteps: [{client: a, action: connect}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown client",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}]\nsteps: [{client: b, action: connect}]\nassertions: [{type: final_state}]\n",
			wantErr: `steps[0]: unknown client "b"`,
		},
		{
			name:    "unknown action",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}]\nsteps: [{client: a, action: jump}]\nassertions: [{type: final_state}]\n",
			wantErr: `steps[0]: unknown action "jump"`,
		},
		{
			name:    "send_raw without frame",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}]\nsteps: [{client: a, action: send_raw}]\nassertions: [{type: final_state}]\n",
			wantErr: "frame is required",
		},
		{
			name:    "send_raw bad hex",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}]\nsteps: [{client: a, action: send_raw, frame: zz}]\nassertions: [{type: final_state}]\n",
			wantErr: "frame is not hex",
		},
		{
			name:    "entries outside write",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}]\nsteps: [{client: a, action: request, entries: [e1]}]\nassertions: [{type: final_state}]\n",
			wantErr: "only apply to write",
		},
		{
			name:    "reserved ping id",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}]\nsteps: [{client: a, action: ping, id: 4611686018427387904}]\nassertions: [{type: final_state}]\n",
			wantErr: "ping id must be below",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}]\nsteps: [{client: a, action: connect}]\nassertions: [{type: vibes}]\n",
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name:    "trace_contains without kind",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}]\nsteps: [{client: a, action: connect}]\nassertions: [{type: trace_contains, client: a}]\n",
			wantErr: "kind is required",
		},
		{
			name:    "trace_order without kinds",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}]\nsteps: [{client: a, action: connect}]\nassertions: [{type: trace_order, client: a}]\n",
			wantErr: "kinds list is required",
		},
		{
			name:    "bad dir",
			yaml:    "name: n\ndescription: d\nclients: [{name: a}]\nsteps: [{client: a, action: connect}]\nassertions: [{type: trace_count, client: a, kind: Hello, dir: up}]\n",
			wantErr: "dir must be",
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

func TestFindScenarios_Filter(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "skip.txt", "ab.yaml"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(minimalScenario), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0755))

	all, err := FindScenarios(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yml"),
		filepath.Join(dir, "ab.yaml"),
		filepath.Join(dir, "b.yaml"),
	}, all)

	filtered, err := FindScenarios(dir, "a*")
	require.NoError(t, err)
	assert.Len(t, filtered, 2)

	_, err = FindScenarios(dir, "[")
	assert.Error(t, err)

	_, err = FindScenarios(filepath.Join(dir, "missing"), "")
	assert.Error(t, err)
}

func TestScenario_PublicKeyOverride(t *testing.T) {
	s := &Scenario{
		PublicKey: "alice",
		Clients:   []Client{{Name: "a"}, {Name: "b", PublicKey: "bob"}},
	}
	assert.Equal(t, "alice", s.publicKey("a"))
	assert.Equal(t, "bob", s.publicKey("b"))
}
