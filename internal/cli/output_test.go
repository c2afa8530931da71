package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(ErrCodeNotFound, "no partition", map[string]string{"public_key": "alice"})
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "no partition", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("Listening")
	require.NoError(t, err)
	assert.Equal(t, "Listening\n", buf.String())
}

func TestOutputFormatter_TextErrorGoesToErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:    "text",
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   true,
	}

	err := formatter.Error(ErrCodeStorage, "failed to open partition", "disk full")
	require.NoError(t, err)
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "Error [E_STORAGE]: failed to open partition")
	assert.Contains(t, errOut.String(), "Details: disk full")
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	cause := errors.New("boom")
	err := formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", cause)

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, IsReported(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, ErrCodeConfig, resp.Error.Code)
	assert.Equal(t, "boom", resp.Error.Details)
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("Processing %s", "alice")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "Processing alice")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitCommandError, "bad flag"))))
	assert.False(t, IsReported(NewExitError(ExitFailure, "x")))
}

func TestExitError_Message(t *testing.T) {
	assert.Equal(t, "failed to listen", NewExitError(ExitFailure, "failed to listen").Error())
	assert.Equal(t, "failed to listen: address in use",
		WrapExitError(ExitFailure, "failed to listen", errors.New("address in use")).Error())
}
