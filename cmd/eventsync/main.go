// Command eventsync runs the encrypted event log replication server.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/eventsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil && !cli.IsReported(err) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}
