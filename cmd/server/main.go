package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"botvisor/internal/api"
	"botvisor/internal/config"
	"botvisor/internal/logging"
	"botvisor/internal/service"
	"botvisor/internal/store"
	"botvisor/internal/supervisor"
	"botvisor/internal/websocket"
	"botvisor/internal/workspace"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (default: $CONFIG_PATH or botvisor.yaml)")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Caller:     cfg.Logging.Caller,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}); err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("failed to close store")
		}
	}()

	var autostart []int64
	if cfg.SeedFile != "" {
		seeds, err := config.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.SeedFile).Msg("failed to load seed file")
		}
		autostart, err = store.Seed(ctx, st, seeds.Bots)
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to seed bots")
		}
		logging.Info().Int("bots", len(seeds.Bots)).Str("path", cfg.SeedFile).Msg("seed file applied")
	}

	ws := workspace.New(workspace.Config{
		Root:              cfg.Supervisor.RunDir,
		ManifestFile:      cfg.Runtime.ManifestFile,
		EntryFile:         cfg.Runtime.EntryFile,
		DependencyName:    cfg.Runtime.DependencyName,
		DependencyVersion: cfg.Runtime.DependencyVersion,
		HeartbeatURL:      cfg.HeartbeatEndpoint(),
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
	})
	sup := service.New(st, ws, service.OptionsFromConfig(cfg))

	hub := websocket.NewHub()
	sup.Activity().Subscribe(hub)

	router := api.NewRouter(api.Deps{
		Supervisor: sup,
		Store:      st,
		Hub:        hub,
		Server:     cfg.Server,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddRuntimeService(hub)
	tree.AddRuntimeService(service.NewSweeper(sup, cfg.Supervisor.SweepInterval))
	tree.AddAPIService(supervisor.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))

	errCh := tree.ServeBackground(ctx)
	logging.Info().
		Str("address", cfg.Server.Address).
		Str("store", cfg.Store.Driver).
		Str("run_dir", cfg.Supervisor.RunDir).
		Msg("botvisor started")

	// The heartbeat endpoint is served before bots come up.
	bootDone := make(chan struct{})
	go func() {
		defer close(bootDone)
		started := sup.StartDeployed(ctx, autostart...)
		logging.Info().Int("started", started).Msg("boot reconciliation finished")
	}()

	select {
	case <-ctx.Done():
		logging.Info().Msg("shutting down")
	case err := <-errCh:
		logging.Error().Err(err).Msg("supervisor tree stopped unexpectedly")
		stop()
		errCh = nil
	}

	// Stop all managed bots
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+cfg.Supervisor.StopTimeout)
	defer cancel()
	sup.StopAll(shutdownCtx)
	<-bootDone

	if errCh != nil {
		select {
		case <-errCh:
		case <-time.After(cfg.Server.ShutdownTimeout):
			report, _ := tree.UnstoppedServiceReport()
			for _, u := range report {
				logging.Warn().Str("service", u.Name).Msg("service did not stop in time")
			}
		}
	}

	logging.Info().Msg("server exited gracefully")
}
