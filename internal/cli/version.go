package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/roach88/eventsync/internal/ir"
)

// VersionResult holds the version command output.
type VersionResult struct {
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`
	GoVersion       string `json:"go_version"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print version information",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := VersionResult{
				Version:         ir.ServerVersion,
				ProtocolVersion: ir.ProtocolVersion,
				GoVersion:       runtime.Version(),
			}
			f := rootOpts.formatter(cmd)
			if rootOpts.Format == "json" {
				return f.Success(result)
			}
			return f.Success(fmt.Sprintf("eventsync %s (protocol %s, %s)", result.Version, result.ProtocolVersion, result.GoVersion))
		},
	}
}
