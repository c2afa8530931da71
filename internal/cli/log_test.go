package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/session"
	"github.com/roach88/eventsync/internal/store"
)

// seedPartition writes n entries for publicKey under dataDir and returns
// the partition's remote id.
func seedPartition(t *testing.T, dataDir, publicKey string, n int) ir.RemoteID {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(session.PartitionPath(dataDir, publicKey))
	require.NoError(t, err)
	defer st.Close()

	entries := make([]ir.Entry, n)
	for i := range entries {
		entries[i] = ir.Entry{
			EntryID:        uuid.New(),
			PublicKey:      publicKey,
			IV:             []byte{0xaa, byte(i)},
			EncryptedEntry: bytes.Repeat([]byte{'x'}, 100*(i+1)),
		}
	}
	_, err = st.Write(ctx, publicKey, entries)
	require.NoError(t, err)

	id, err := st.ID(ctx)
	require.NoError(t, err)
	return id
}

func runCommand(t *testing.T, cmd interface {
	SetOut(io.Writer)
	SetErr(io.Writer)
	SetArgs([]string)
	Execute() error
}, args ...string) (string, string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestLogCommand_Text(t *testing.T) {
	dataDir := t.TempDir()
	remoteID := seedPartition(t, dataDir, "alice", 3)

	out, _, err := runCommand(t, NewLogCommand(&RootOptions{Format: "text"}), "alice", "--data-dir", dataDir)
	require.NoError(t, err)

	assert.Contains(t, out, "Partition: alice")
	assert.Contains(t, out, "Remote ID: "+remoteID.String())
	assert.Contains(t, out, "Last seq:  3")
	assert.Contains(t, out, "aa02")
	assert.Contains(t, out, "300 B")
	assert.Contains(t, out, "3 entries, 600 B")
}

func TestLogCommand_From(t *testing.T) {
	dataDir := t.TempDir()
	seedPartition(t, dataDir, "alice", 3)

	out, _, err := runCommand(t, NewLogCommand(&RootOptions{Format: "json"}), "alice", "--data-dir", dataDir, "--from", "2")
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   LogResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, uint64(3), resp.Data.LastSequence)
	require.Len(t, resp.Data.Entries, 2)
	assert.Equal(t, uint64(2), resp.Data.Entries[0].Sequence)
	assert.Equal(t, 200, resp.Data.Entries[0].Size)
	assert.Equal(t, "aa01", resp.Data.Entries[0].IV)
}

func TestLogCommand_EmptyPartition(t *testing.T) {
	dataDir := t.TempDir()
	seedPartition(t, dataDir, "alice", 0)

	out, _, err := runCommand(t, NewLogCommand(&RootOptions{Format: "text"}), "alice", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, "No entries.")
}

func TestLogCommand_NormalizesKey(t *testing.T) {
	dataDir := t.TempDir()
	seedPartition(t, dataDir, "alice", 1)

	_, _, err := runCommand(t, NewLogCommand(&RootOptions{Format: "text"}), "  alice ", "--data-dir", dataDir)
	assert.NoError(t, err)
}

func TestLogCommand_Errors(t *testing.T) {
	dataDir := t.TempDir()

	tests := []struct {
		name     string
		format   string
		args     []string
		wantCode string
	}{
		{"missing partition", "json", []string{"bob", "--data-dir", dataDir}, ErrCodeNotFound},
		{"blank key", "json", []string{" ", "--data-dir", dataDir}, ErrCodePublicKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := runCommand(t, NewLogCommand(&RootOptions{Format: tt.format}), tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestLogCommand_MissingPartitionNotCreated(t *testing.T) {
	dataDir := t.TempDir()

	_, errOut, err := runCommand(t, NewLogCommand(&RootOptions{Format: "text"}), "bob", "--data-dir", dataDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, errPartitionNotFound)
	assert.Contains(t, errOut, "Error [E_NOT_FOUND]")
	assert.NoFileExists(t, session.PartitionPath(dataDir, "bob"))
}

func TestRemoteIDCommand(t *testing.T) {
	dataDir := t.TempDir()
	remoteID := seedPartition(t, dataDir, "alice", 1)

	out, _, err := runCommand(t, NewRemoteIDCommand(&RootOptions{Format: "text"}), "alice", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Equal(t, remoteID.String()+"\n", out)

	out, _, err = runCommand(t, NewRemoteIDCommand(&RootOptions{Format: "json"}), "alice", "--data-dir", dataDir)
	require.NoError(t, err)
	var resp struct {
		Data RemoteIDResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, RemoteIDResult{PublicKey: "alice", RemoteID: remoteID.String()}, resp.Data)

	_, _, err = runCommand(t, NewRemoteIDCommand(&RootOptions{Format: "text"}), "bob", "--data-dir", dataDir)
	assert.ErrorIs(t, err, errPartitionNotFound)
}

func TestVersionCommand(t *testing.T) {
	out, _, err := runCommand(t, NewVersionCommand(&RootOptions{Format: "text"}))
	require.NoError(t, err)
	assert.Contains(t, out, "eventsync "+ir.ServerVersion)
	assert.Contains(t, out, "protocol "+ir.ProtocolVersion)

	out, _, err = runCommand(t, NewVersionCommand(&RootOptions{Format: "json"}))
	require.NoError(t, err)
	var resp struct {
		Data VersionResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, ir.ServerVersion, resp.Data.Version)
	assert.NotEmpty(t, resp.Data.GoVersion)
}
