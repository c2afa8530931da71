package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Regenerate with: go test ./internal/harness -run TestRunWithGolden -update
func TestRunWithGolden_Scenarios(t *testing.T) {
	files, err := FindScenarios("testdata/scenarios", "")
	require.NoError(t, err)

	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			requirePass(t, result)
		})
	}
}

func TestSnapshot_Format(t *testing.T) {
	result := NewResult()
	result.Trace = []TraceEvent{{Step: 1, Client: "a", Dir: DirRecv, Kind: "Ack", ID: 2, Sequences: []uint64{5}}}
	result.State["alice"] = []TraceEntry{{Name: "e1", Sequence: 5}}

	b, err := Snapshot("fmt", result)
	require.NoError(t, err)

	want := `{
  "scenario_name": "fmt",
  "trace": [
    {
      "step": 1,
      "client": "a",
      "dir": "recv",
      "kind": "Ack",
      "id": 2,
      "sequences": [
        5
      ]
    }
  ],
  "state": {
    "alice": [
      {
        "name": "e1",
        "seq": 5
      }
    ]
  }
}
`
	assert.Equal(t, want, string(b))
}
