package cli

import (
	"github.com/spf13/cobra"
)

// RemoteIDOptions holds flags for the remote-id command.
type RemoteIDOptions struct {
	*RootOptions
	DataDir string
}

// RemoteIDResult holds the remote-id command output.
type RemoteIDResult struct {
	PublicKey string `json:"public_key"`
	RemoteID  string `json:"remote_id"`
}

// NewRemoteIDCommand creates the remote-id command.
func NewRemoteIDCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemoteIDOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "remote-id <public-key>",
		Short: "Print the remote id of a partition",
		Long: `Print the remote id clients receive in Hello for a public key.

The id is created with the partition and never changes, so clients use it
to notice when a server's storage was replaced.

Examples:
  eventsync remote-id alice
  eventsync remote-id alice --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemoteID(opts, args[0], cmd)
		},
	}

	addDataDirFlag(cmd, &opts.DataDir)

	return cmd
}

func runRemoteID(opts *RemoteIDOptions, publicKey string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	p, err := openPartition(opts.RootOptions, cmd, opts.DataDir, publicKey)
	if err != nil {
		return err
	}
	defer p.store.Close()

	id, err := p.store.ID(cmd.Context())
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStorage, "failed to read remote id", err)
	}

	if opts.Format == "json" {
		return f.Success(RemoteIDResult{PublicKey: p.publicKey, RemoteID: id.String()})
	}
	return f.Success(id.String())
}
