package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/backend"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/dispatch"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/workspace"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - Sandbox orchestration for untrusted code",
	Long: `Burrow provisions isolated container sandboxes for AI-agent and
user-submitted code, dispatches executions into them, and reaps them
when they go idle or exceed their lifetime.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Run the Burrow control plane: REST API, scheduler, dispatch engine
and reconciler in a single process. Configuration comes from the
environment; see the deployment docs for the full variable list.`,
	RunE: runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: true,
	})
	logger := log.WithComponent("main")

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	be, err := openBackend(cfg)
	if err != nil {
		store.Close() //nolint:errcheck
		return fmt.Errorf("failed to open backend: %w", err)
	}

	artifacts, err := workspace.NewS3Store(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to configure artifact store: %w", err)
	}
	if !artifacts.Enabled() {
		logger.Info().Msg("Artifact archival disabled, no S3 bucket configured")
	}

	locks := storage.NewSessionLocks()
	sched := scheduler.NewScheduler(store, be, locks, cfg)
	engine := dispatch.NewEngine(store, be, locks, cfg, artifacts)
	recon := reconciler.NewReconciler(store, be, locks, cfg)

	// Startup pass repairs state left by a previous control plane
	// before any new work is accepted.
	if err := recon.Reconcile(cmd.Context()); err != nil {
		logger.Warn().Err(err).Msg("Startup reconcile pass failed")
	}
	recon.Start()

	server := api.NewServer(store, sched, engine, be, artifacts, cfg)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("API server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	recon.Stop()
	sched.Wait()
	engine.Wait()
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Msg("Store close failed")
	}
	if err := be.Close(); err != nil {
		logger.Warn().Err(err).Msg("Backend close failed")
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.UsePostgres() {
		return storage.NewPostgresStore(cfg.DatabaseURL)
	}
	return storage.NewBoltStore(cfg.DataDir)
}

func openBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendCluster:
		return backend.NewKubernetesBackend(cfg.KubeNamespace)
	default:
		return backend.NewContainerdBackend(cfg.ContainerdSocket, cfg.DataDir, cfg.ExecutorPort)
	}
}
