package cli

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	DataDir string
	From    uint64
}

// LogEntry is one persisted entry in log output. Payloads are not shown.
type LogEntry struct {
	Sequence uint64 `json:"sequence"`
	EntryID  string `json:"entry_id"`
	IV       string `json:"iv"`
	Size     int    `json:"size"`
}

// LogResult holds the log command output.
type LogResult struct {
	PublicKey    string     `json:"public_key"`
	Path         string     `json:"path"`
	FileSize     int64      `json:"file_size"`
	RemoteID     string     `json:"remote_id"`
	LastSequence uint64     `json:"last_sequence"`
	Entries      []LogEntry `json:"entries"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log <public-key>",
		Short: "Print a partition's entries",
		Long: `Print the entries stored for a public key, in sequence order.

Encrypted payloads are opaque to the server, so only their metadata is
shown: sequence, entry id, IV and payload size.

Examples:
  eventsync log alice
  eventsync log alice --from 100 --data-dir /var/lib/eventsync
  eventsync log alice --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, args[0], cmd)
		},
	}

	addDataDirFlag(cmd, &opts.DataDir)
	cmd.Flags().Uint64Var(&opts.From, "from", 0, "first sequence to print")

	return cmd
}

func runLog(opts *LogOptions, publicKey string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)

	p, err := openPartition(opts.RootOptions, cmd, opts.DataDir, publicKey)
	if err != nil {
		return err
	}
	defer p.store.Close()

	remoteID, err := p.store.ID(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStorage, "failed to read remote id", err)
	}
	last, err := p.store.LastSequence(ctx, p.publicKey)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStorage, "failed to read last sequence", err)
	}
	entries, err := p.store.Entries(ctx, p.publicKey, opts.From)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStorage, "failed to read entries", err)
	}

	result := LogResult{
		PublicKey:    p.publicKey,
		Path:         p.path,
		FileSize:     p.size,
		RemoteID:     remoteID.String(),
		LastSequence: last,
		Entries:      make([]LogEntry, len(entries)),
	}
	for i, e := range entries {
		result.Entries[i] = LogEntry{
			Sequence: e.Sequence,
			EntryID:  e.EntryID.String(),
			IV:       hex.EncodeToString(e.IV),
			Size:     len(e.EncryptedEntry),
		}
	}

	if opts.Format == "json" {
		return f.Success(result)
	}
	return f.Success(formatLog(result))
}

// formatLog renders a LogResult as text.
func formatLog(r LogResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Partition: %s\n", r.PublicKey)
	fmt.Fprintf(&b, "File:      %s (%s)\n", r.Path, humanize.IBytes(uint64(r.FileSize)))
	fmt.Fprintf(&b, "Remote ID: %s\n", r.RemoteID)
	fmt.Fprintf(&b, "Last seq:  %s\n", humanize.Comma(int64(r.LastSequence)))

	if len(r.Entries) == 0 {
		b.WriteString("\nNo entries.")
		return b.String()
	}

	var total uint64
	fmt.Fprintf(&b, "\n%-10s %-36s %-24s %s\n", "SEQ", "ENTRY ID", "IV", "SIZE")
	for _, e := range r.Entries {
		fmt.Fprintf(&b, "%-10d %-36s %-24s %s\n", e.Sequence, e.EntryID, e.IV, humanize.IBytes(uint64(e.Size)))
		total += uint64(e.Size)
	}
	fmt.Fprintf(&b, "\n%s entries, %s", humanize.Comma(int64(len(r.Entries))), humanize.IBytes(total))
	return b.String()
}
