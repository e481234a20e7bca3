// ash is the platform server: solo node, coordinator, or runner depending
// on ASH_MODE.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ashrun/ash/internal/api"
	"github.com/ashrun/ash/internal/auth"
	"github.com/ashrun/ash/internal/config"
	"github.com/ashrun/ash/internal/coordinator"
	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/logging"
	"github.com/ashrun/ash/internal/pool"
	"github.com/ashrun/ash/internal/runner"
	"github.com/ashrun/ash/internal/sandbox"
	"github.com/ashrun/ash/internal/session"
	"github.com/ashrun/ash/internal/storage"
)

// version is stamped by the build.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "ash",
		Short:         "Self-hosted agent session platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ash:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server in the mode selected by ASH_MODE",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel, cfg.LogJSON)
	if err := cfg.EnsureLayout(); err != nil {
		return fmt.Errorf("create data layout: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := db.Open(ctx, cfg.DatabaseURL, cfg.EmbeddedDBPath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	files, err := storage.OpenFileStore(ctx, cfg.FileStoreURL, cfg.FilesDir())
	if err != nil {
		return fmt.Errorf("open file store: %w", err)
	}

	switch cfg.Mode {
	case "coordinator":
		return serveCoordinator(ctx, cfg, repo, files)
	default: // solo, runner
		return serveNode(ctx, cfg, repo, files)
	}
}

// serveCoordinator runs the routing tier: no sandboxes, just the shared
// database, the runner registry, and the proxy.
func serveCoordinator(ctx context.Context, cfg *config.Config, repo db.Repository, files storage.FileStore) error {
	coord := coordinator.New(coordinator.Config{
		InternalSecret:   cfg.InternalSecret,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, repo)
	coord.Start()
	defer coord.Stop()

	var consumer *db.UsageConsumer
	if cfg.NATSURL != "" {
		c, err := db.NewUsageConsumer(repo, cfg.NATSURL, log.Logger)
		if err != nil {
			return fmt.Errorf("usage consumer: %w", err)
		}
		if err := c.Start(); err != nil {
			return fmt.Errorf("usage consumer: %w", err)
		}
		consumer = c
		defer consumer.Stop()
	}

	devMode, err := auth.EnsureAPIKey(ctx, repo, cfg.APIKey, cfg.InitialKeyPath())
	if err != nil {
		return err
	}

	library := session.NewAgentLibrary(repo, files, cfg.AgentsDir())
	srv := api.New(api.Config{
		Mode:           cfg.Mode,
		Version:        version,
		APIKey:         cfg.APIKey,
		DevMode:        devMode,
		InternalSecret: cfg.InternalSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
	}, repo, nil, library, coord, nil, files)

	return run(ctx, srv, cfg.Port)
}

// serveNode runs a sandbox-owning node: solo (public API) or runner
// (internal API behind the coordinator).
func serveNode(ctx context.Context, cfg *config.Config, repo db.Repository, files storage.FileStore) error {
	backend, err := sandbox.DetectBackend(cfg.SandboxBackend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("sandbox backend: %w", err)
	}
	mgr := sandbox.NewManager(sandbox.Config{
		SandboxesDir: cfg.SandboxesDir(),
		BridgeBin:    cfg.BridgeBin,
		EngineCmd:    cfg.EngineCmd,
		DefaultLimits: sandbox.ResourceLimits{
			MemoryMB: cfg.MemoryLimitMB,
			CPU:      cfg.CPULimit,
			Pids:     cfg.PidsLimit,
			DiskMB:   cfg.DiskLimitMB,
		},
		InstallTimeout: cfg.InstallTimeout,
	}, backend)
	defer mgr.DestroyAll()

	var cloud storage.SnapshotStore
	if cfg.SnapshotURL != "" {
		cloud, err = storage.OpenSnapshotStore(ctx, cfg.SnapshotURL, "")
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
	}

	p := pool.New(pool.Config{
		MaxCapacity:  cfg.MaxSandboxes,
		IdleTimeout:  cfg.IdleTimeout,
		ColdTTL:      cfg.ColdTTL,
		SnapshotsDir: cfg.SnapshotsDir(),
	}, mgr, repo, cloud)

	runnerID := ""
	if cfg.Mode == "runner" {
		runnerID = cfg.RunnerID
	}
	orch := session.New(session.Config{
		AgentsDir:    cfg.AgentsDir(),
		SnapshotsDir: cfg.SnapshotsDir(),
		RunnerID:     runnerID,
		DebugTiming:  cfg.DebugTiming,
	}, repo, p, mgr, cloud, files)

	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()
	if err := orch.Start(ctx); err != nil {
		return err
	}

	terms := sandbox.NewTerminalManager(mgr)
	defer terms.CloseAll()

	devMode := false
	if cfg.Mode != "runner" {
		devMode, err = auth.EnsureAPIKey(ctx, repo, cfg.APIKey, cfg.InitialKeyPath())
		if err != nil {
			return err
		}
	}

	var reg *runner.Registrar
	var publisher *runner.UsagePublisher
	if cfg.Mode == "runner" {
		reg = runner.NewRegistrar(runner.Config{
			RunnerID:          cfg.RunnerID,
			CoordinatorURL:    cfg.CoordinatorURL,
			AdvertiseHost:     cfg.AdvertiseHost,
			Port:              cfg.Port,
			MaxSandboxes:      cfg.MaxSandboxes,
			InternalSecret:    cfg.InternalSecret,
			HeartbeatInterval: cfg.HeartbeatInterval,
			NATSURL:           cfg.NATSURL,
		}, p)
		if err := reg.Start(ctx); err != nil {
			return err
		}

		if cfg.NATSURL != "" {
			publisher, err = runner.NewUsagePublisher(repo, cfg.NATSURL, cfg.RunnerID, 0)
			if err != nil {
				return fmt.Errorf("usage publisher: %w", err)
			}
			publisher.Start()
		}
	}

	srv := api.New(api.Config{
		Mode:           cfg.Mode,
		Version:        version,
		APIKey:         cfg.APIKey,
		DevMode:        devMode,
		InternalSecret: cfg.InternalSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
	}, repo, orch, orch.Library(), nil, terms, files)

	err = run(ctx, srv, cfg.Port)

	if reg != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		reg.Stop(sctx)
		cancel()
	}
	if publisher != nil {
		publisher.Stop()
	}
	return err
}

// run serves until the signal context cancels, then drains.
func run(ctx context.Context, srv *api.Server, port int) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(fmt.Sprintf(":%d", port))
	}()
	log.Info().Int("port", port).Str("version", version).Msg("ash listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("server shutdown failed")
	}
	return nil
}
