package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/session"
	"github.com/roach88/eventsync/internal/store"
)

// errPartitionNotFound is returned for a public key with no partition file.
var errPartitionNotFound = errors.New("partition not found")

// partition is an opened partition file.
type partition struct {
	publicKey string
	path      string
	size      int64
	store     *store.Store
}

// addDataDirFlag registers --data-dir on cmd.
func addDataDirFlag(cmd *cobra.Command, dataDir *string) {
	cmd.Flags().StringVar(dataDir, "data-dir", "", "directory holding partition files (default from config, ./data)")
}

// openPartition opens the existing partition for publicKey. It never
// creates one.
func openPartition(opts *RootOptions, cmd *cobra.Command, dataDir, publicKey string) (*partition, error) {
	f := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}

	key, err := ir.NormalizePublicKey(publicKey)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodePublicKey, "invalid public key", err)
	}

	path := session.PartitionPath(cfg.DataDir, key)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("no partition for public key %q in %s", key, cfg.DataDir), errPartitionNotFound)
	}
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeStorage, "failed to stat partition", err)
	}

	st, err := store.Open(path)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeStorage, "failed to open partition", err)
	}

	return &partition{publicKey: key, path: path, size: info.Size(), store: st}, nil
}
