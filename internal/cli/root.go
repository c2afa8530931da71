package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/eventsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the eventsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "eventsync",
		Short: "eventsync - encrypted event log replication",
		Long: `A server that stores end-to-end encrypted event logs and replicates
them between the clients sharing a public key.

Entries are opaque to the server. Each public key owns one append-only
partition; clients write batches, receive acknowledgements with sequence
numbers, and get every new entry pushed to them while connected.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewRemoteIDCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// loadConfig returns the config file named by --config, or the defaults.
func (o *RootOptions) loadConfig() (config.Config, error) {
	if o.ConfigPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// formatter returns an OutputFormatter writing to cmd's streams.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
