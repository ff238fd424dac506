package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomhaye/vaultsync/internal/actor"
	"github.com/tomhaye/vaultsync/internal/config"
	"github.com/tomhaye/vaultsync/internal/identity"
	"github.com/tomhaye/vaultsync/internal/store"
	"github.com/tomhaye/vaultsync/internal/workflow"
)

// NewDestroyCommand creates the destroy command.
func NewDestroyCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "destroy <namespace> <user-id> <public-key>",
		Short: "Destroy a vault and its dependent resources",
		Long: `Run the vault destruction workflow for the addressed vault: the
event log, its stats, and any stored artifacts are irreversibly removed.
The workflow records its progress, so an interrupted destroy resumes where
it stopped when re-run.

Example:
  vaultsync destroy --yes notes user-1 device-key-1`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return WrapExitError(ExitCommandError,
					"refusing to destroy without --yes", nil)
			}
			return runDestroy(cmd, rootOpts, args[0], args[1], args[2])
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the irreversible destruction")
	return cmd
}

func runDestroy(cmd *cobra.Command, rootOpts *RootOptions, namespace, userID, publicKey string) error {
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

	ctx := cmd.Context()

	arts, err := openArtifacts(ctx, cfg.Artifact)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open artifact store", err)
	}

	arena := actor.NewArena(cfg.Actor.IdleEviction)
	defer arena.Close()

	runner, err := buildRunner(st, arena, arts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build workflow runner", err)
	}

	id := identity.DeriveObjectID(namespace, userID, publicKey)
	h, err := runner.Trigger(ctx, workflow.DestroyVaultName, id.String())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to trigger destruction", err)
	}
	if err := h.Wait(ctx); err != nil {
		return WrapExitError(ExitFailure, "destruction workflow failed", err)
	}

	out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
	if rootOpts.Format == "json" {
		return out.Success(map[string]string{"object_id": id.String(), "status": "destroyed"})
	}
	return out.Success(fmt.Sprintf("vault %s destroyed", id))
}
