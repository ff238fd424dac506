package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomhaye/vaultsync/internal/actor"
	"github.com/tomhaye/vaultsync/internal/artifact"
	"github.com/tomhaye/vaultsync/internal/config"
	"github.com/tomhaye/vaultsync/internal/identity"
	"github.com/tomhaye/vaultsync/internal/observability"
	"github.com/tomhaye/vaultsync/internal/proxy"
	"github.com/tomhaye/vaultsync/internal/scheduler"
	"github.com/tomhaye/vaultsync/internal/store"
	"github.com/tomhaye/vaultsync/internal/workflow"
)

// Plan tags the server registers handlers for. A CUE plan directory may
// re-declare these to adjust cost and queue bounds.
const (
	planSyncReconcile = "sync_reconcile"
	planQuotaSweep    = "quota_sweep"
	planDestroyVault  = "destroy_vault"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync proxy server",
		Long: `Start the vaultsync server: opens the event store, starts the
actor arena and scheduler pool, registers the destruction workflow, and
serves the sync RPC proxy until interrupted.

Example:
  vaultsync serve --config ./vaultsync.yaml
  vaultsync serve -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
	return cmd
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions) error {
	cfg, err := config.Load(rootOpts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, "vaultsync", cfg.Tracing)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize tracing", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("error flushing traces", "error", err)
		}
	}()

	slog.Info("opening event store", "driver", cfg.Storage.Driver, "dsn", cfg.Storage.DSN)
	st, err := store.Open(store.Options{
		Driver:         cfg.Storage.Driver,
		DSN:            cfg.Storage.DSN,
		MaxStorageSize: cfg.Storage.MaxStorageSize,
		Retry:          cfg.Storage.RetryPolicy(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing event store", "error", closeErr)
		}
	}()

	arena := actor.NewArena(cfg.Actor.IdleEviction)
	defer arena.Close()

	metrics := observability.NewRegistry()

	arts, err := openArtifacts(ctx, cfg.Artifact)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open artifact store", err)
	}

	runner, err := buildRunner(st, arena, arts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build workflow runner", err)
	}

	pool, err := buildPool(ctx, cfg.Scheduler, st, arena, runner, metrics)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start scheduler", err)
	}
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer drainCancel()
		if err := pool.Shutdown(drainCtx); err != nil {
			slog.Error("error draining scheduler pool", "error", err)
		}
	}()

	srv, err := proxy.NewServer(proxy.ServerConfig{
		RPCPath:         cfg.RPCPath,
		BindingName:     cfg.BindingName,
		AuthSecret:      cfg.AuthSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	}, st, arena, runner, pool, metrics)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build proxy", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
		case <-ctx.Done():
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := httpServer.Shutdown(stopCtx); err != nil {
			slog.Error("error stopping http server", "error", err)
		}
	}()

	slog.Info("proxy listening",
		"addr", cfg.Listen, "rpc_path", cfg.RPCPath, "binding", cfg.BindingName)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync proxy started. Press Ctrl-C to stop.")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "proxy server error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openArtifacts connects the configured artifact backend. An empty endpoint
// keeps artifacts in process memory; destruction then only clears the log.
func openArtifacts(ctx context.Context, cfg config.ArtifactConfig) (artifact.Store, error) {
	if cfg.Endpoint == "" {
		slog.Warn("no artifact endpoint configured, using in-memory artifact store")
		return artifact.NewMemoryStore(), nil
	}
	return artifact.NewMinioStore(ctx, artifact.MinioOptions{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		UseSSL:    cfg.UseSSL,
	})
}

// buildRunner registers the destruction workflow. Draining pending syncs is
// a no-op task through the vault's actor: when it runs, every append
// accepted before the drain has already committed.
func buildRunner(st *store.Store, arena *actor.Arena, arts artifact.Store) (*workflow.Runner, error) {
	def, err := workflow.DestroyVault(workflow.DestroyVaultDeps{
		Store:     st,
		Artifacts: arts,
		DrainSyncs: func(ctx context.Context, key string) error {
			return arena.Do(ctx, identity.StoredObjectID(key), func(context.Context) error {
				return nil
			})
		},
	})
	if err != nil {
		return nil, err
	}
	reg, err := workflow.NewRegistry(def)
	if err != nil {
		return nil, err
	}
	return workflow.NewRunner(reg, st, workflow.DefaultStepRetry), nil
}

// vaultTask is the payload shape shared by the background plans.
type vaultTask struct {
	ObjectID string `json:"object_id"`
	Cursor   int64  `json:"cursor,omitempty"`
}

// buildPool assembles the immutable plan table and brings the pool to Ready.
// CUE declarations (when plan_dir is set) control cost and queue bounds;
// handlers are always registered in code.
func buildPool(ctx context.Context, cfg config.SchedulerConfig, st *store.Store, arena *actor.Arena, runner *workflow.Runner, metrics *observability.Registry) (*scheduler.Pool, error) {
	handlers := map[string]scheduler.Handler{
		planSyncReconcile: func(ctx context.Context, payload []byte) ([]byte, error) {
			var task vaultTask
			if err := json.Unmarshal(payload, &task); err != nil {
				return nil, fmt.Errorf("reconcile payload: %w", err)
			}
			id := identity.StoredObjectID(task.ObjectID)
			var behind int
			err := arena.Do(ctx, id, func(ctx context.Context) error {
				events, readErr := st.ReadSince(ctx, id, task.Cursor)
				behind = len(events)
				return readErr
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]int{"events_behind": behind})
		},
		planQuotaSweep: func(ctx context.Context, payload []byte) ([]byte, error) {
			var task vaultTask
			if err := json.Unmarshal(payload, &task); err != nil {
				return nil, fmt.Errorf("quota sweep payload: %w", err)
			}
			stats, err := st.Stats(ctx, identity.StoredObjectID(task.ObjectID))
			if err != nil {
				return nil, err
			}
			if stats.MaxStorageSize > 0 && stats.UsedStorageSize*10 >= stats.MaxStorageSize*9 {
				slog.Warn("vault approaching quota",
					"object_id", task.ObjectID,
					"used", stats.UsedStorageSize, "max", stats.MaxStorageSize)
			}
			metrics.SetGauge("vault_used_storage_bytes",
				map[string]string{"object_id": task.ObjectID}, float64(stats.UsedStorageSize))
			return json.Marshal(stats)
		},
		planDestroyVault: func(ctx context.Context, payload []byte) ([]byte, error) {
			var task vaultTask
			if err := json.Unmarshal(payload, &task); err != nil {
				return nil, fmt.Errorf("destroy payload: %w", err)
			}
			h, err := runner.Trigger(ctx, workflow.DestroyVaultName, task.ObjectID)
			if err != nil {
				return nil, err
			}
			if err := h.Wait(ctx); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"status": "complete"})
		},
	}

	var specs []scheduler.Spec
	if cfg.PlanDir != "" {
		loaded, err := scheduler.LoadCatalog(cfg.PlanDir)
		if err != nil {
			return nil, err
		}
		specs = loaded
	}

	table, err := scheduler.BuildTable(specs, handlers, cfg.DefaultQueueBound)
	if err != nil {
		return nil, err
	}

	pool := scheduler.NewPool(table, scheduler.Options{
		Workers:       cfg.Workers,
		InvokeTimeout: cfg.InvokeTimeout,
		Metrics:       metrics,
	})
	if err := pool.Init(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}
