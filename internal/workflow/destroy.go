package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tomhaye/vaultsync/internal/artifact"
	"github.com/tomhaye/vaultsync/internal/identity"
	"github.com/tomhaye/vaultsync/internal/store"
)

// DestroyVaultName is the registry name of the vault destruction workflow.
const DestroyVaultName = "destroy_vault"

// DestroyVaultDeps are the collaborators of the destruction workflow. The
// workflow key is the stored object id of the vault being destroyed.
type DestroyVaultDeps struct {
	Store     *store.Store
	Artifacts artifact.Store

	// RevokeAccess cuts off new syncs for the vault before data is removed.
	// Optional; vaults with no external access control skip the step's effect.
	RevokeAccess func(ctx context.Context, key string) error
	// DrainSyncs waits for already-accepted appends to the vault's actor to
	// finish, so destruction never races an in-flight write. Optional.
	DrainSyncs func(ctx context.Context, key string) error
	// MarkComplete notifies the owning system that the vault is gone. Optional.
	MarkComplete func(ctx context.Context, key string) error
}

// DestroyVault builds the vault destruction workflow definition.
//
// Step order matters: access is revoked and in-flight syncs drained before
// the log is destroyed, and the log goes before its artifacts so a crash
// between the two leaves orphaned artifacts (cleaned up on resume) rather
// than artifacts referencing a live log.
func DestroyVault(deps DestroyVaultDeps) (Definition, error) {
	if deps.Store == nil {
		return Definition{}, fmt.Errorf("destroy vault workflow requires a store")
	}
	if deps.Artifacts == nil {
		return Definition{}, fmt.Errorf("destroy vault workflow requires an artifact store")
	}

	optional := func(fn func(ctx context.Context, key string) error) func(ctx context.Context, key string) error {
		if fn == nil {
			return func(context.Context, string) error { return nil }
		}
		return fn
	}

	return Definition{
		Name: DestroyVaultName,
		Steps: []Step{
			{Name: "revoke_access", Run: optional(deps.RevokeAccess)},
			{Name: "drain_syncs", Run: optional(deps.DrainSyncs)},
			{Name: "destroy_store", Run: func(ctx context.Context, key string) error {
				return deps.Store.Destroy(ctx, identity.StoredObjectID(key))
			}},
			{Name: "delete_artifacts", Run: func(ctx context.Context, key string) error {
				return deps.Artifacts.RemoveAll(ctx, key+"/")
			}},
			{Name: "mark_complete", Run: func(ctx context.Context, key string) error {
				if err := optional(deps.MarkComplete)(ctx, key); err != nil {
					return err
				}
				slog.Info("vault destroyed", "object_id", key)
				return nil
			}},
		},
	}, nil
}
