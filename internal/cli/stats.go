package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomhaye/vaultsync/internal/config"
	"github.com/tomhaye/vaultsync/internal/identity"
	"github.com/tomhaye/vaultsync/internal/store"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <namespace> <user-id> <public-key>",
		Short: "Show sync stats for one vault",
		Long: `Show the sync stats of the vault addressed by (namespace, user-id,
public-key), reading the configured event store directly.

Example:
  vaultsync stats notes user-1 device-key-1
  vaultsync stats --format json notes user-1 device-key-1`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, rootOpts, args[0], args[1], args[2])
		},
	}
	return cmd
}

func runStats(cmd *cobra.Command, rootOpts *RootOptions, namespace, userID, publicKey string) error {
	cfg, err := config.Load(rootOpts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	st, err := store.Open(store.Options{
		Driver:         cfg.Storage.Driver,
		DSN:            cfg.Storage.DSN,
		MaxStorageSize: cfg.Storage.MaxStorageSize,
		Retry:          cfg.Storage.RetryPolicy(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event store", err)
	}
	defer st.Close()

	out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

	id := identity.DeriveObjectID(namespace, userID, publicKey)
	stats, err := st.Stats(cmd.Context(), id)
	if err != nil {
		if store.IsNotFound(err) {
			_ = out.Failure(fmt.Sprintf("no vault for %s/%s", namespace, userID))
			return WrapExitError(ExitFailure, "vault not found", err)
		}
		return WrapExitError(ExitFailure, "failed to read stats", err)
	}

	if rootOpts.Format == "json" {
		return out.Success(stats)
	}
	return out.Success(fmt.Sprintf(
		"object_id: %s\nlast_sync_at: %s\nsync_count: %d\nused_storage_size: %d\nmax_storage_size: %d",
		id, stats.LastSyncAt.Format("2006-01-02 15:04:05 MST"),
		stats.SyncCount, stats.UsedStorageSize, stats.MaxStorageSize))
}
