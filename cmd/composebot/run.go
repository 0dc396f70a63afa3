// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/composebot/composebot/internal/config"
	"github.com/composebot/composebot/internal/engine"
	"github.com/composebot/composebot/internal/logging"
	"github.com/composebot/composebot/internal/observability"
	"github.com/composebot/composebot/internal/platform"
	"github.com/composebot/composebot/internal/platform/stdio"
	"github.com/composebot/composebot/internal/platform/telegram"
	"github.com/composebot/composebot/internal/store"
	"github.com/composebot/composebot/pkg/errutil"
)

// shutdownTimeout bounds draining queued jobs on exit.
const shutdownTimeout = 15 * time.Second

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot",
		Long: `Load the enabled plugins, connect to the chat platform, and route
events to plugin instances until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath(cmd), cmd.Flags())
			if err != nil {
				return err
			}
			return runWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func (d *RunDeps) withDefaults() *RunDeps {
	if d == nil {
		d = &RunDeps{}
	}
	if d.PlatformFactory == nil {
		d.PlatformFactory = openPlatform
	}
	if d.KVFactory == nil {
		d.KVFactory = openKV
	}
	if d.MigratorFactory == nil {
		d.MigratorFactory = func(databaseURL string) (AutoMigrator, error) {
			m, err := store.NewMigrator(databaseURL)
			if err != nil {
				return nil, err
			}
			return m, nil
		}
	}
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	return d
}

func runWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *RunDeps) error {
	deps = deps.withDefaults()

	lvl, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.SetLevel(lvl)
	logger := logging.SetDefault(serviceName, version, cfg.LogFormat)

	logger.Info("starting composebot",
		"version", version,
		"platform", cfg.Platform.Kind,
		"kv_backend", cfg.KV.Backend,
		"plugins_dir", cfg.PluginsDir)

	if cfg.KV.Backend == config.KVPostgres {
		if err := runAutoMigration(cfg.KV.DatabaseURL, deps.MigratorFactory); err != nil {
			return err
		}
	}

	kv, closeKV, err := deps.KVFactory(ctx, cfg.KV)
	if err != nil {
		return oops.Code("KV_OPEN_FAILED").With("backend", cfg.KV.Backend).Wrap(err)
	}
	if closeKV != nil {
		defer closeKV()
	}

	client, closeClient, err := deps.PlatformFactory(cfg.Platform)
	if err != nil {
		return oops.Code("PLATFORM_CONNECT_FAILED").With("platform", cfg.Platform.Kind).Wrap(err)
	}
	if closeClient != nil {
		defer closeClient()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var running atomic.Pointer[engine.Engine]
	var metrics *observability.Metrics
	var obsServer ObservabilityServer
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, func() bool {
			e := running.Load()
			return e != nil && e.Ready()
		})
		metrics = obsServer.Metrics()
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").With("addr", cfg.MetricsAddr).Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	stopObservability := func() {
		if obsServer == nil {
			return
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := obsServer.Stop(stopCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}
	defer stopObservability()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		eng, err := engine.New(engine.Options{
			Config:  cfg,
			Client:  client,
			KV:      kv,
			Logger:  logger,
			Metrics: metrics,
			Tracer:  otel.Tracer(serviceName),
		})
		if err != nil {
			return err
		}
		if err := eng.Start(ctx); err != nil {
			return oops.Code("ENGINE_START_FAILED").Wrap(err)
		}
		running.Store(eng)
		if obsServer != nil {
			obsServer.SetStatus(func() any { return eng.Stats() })
		}

		cmd.Println("ComposeBot started")
		logger.Info("composebot ready", "plugins", eng.Plugins())

		restart := false
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", "signal", sig)
		case <-eng.Done():
			restart = eng.RestartRequested()
			logger.Info("engine stopped, shutting down", "restart", restart)
		case <-ctx.Done():
			logger.Info("context cancelled, shutting down")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = eng.Shutdown(shutdownCtx)
		shutdownCancel()
		if err != nil {
			errutil.LogError(logger, "engine shutdown incomplete", err)
		}
		running.Store(nil)
		if !restart {
			break
		}
		logger.Info("restarting runtime")
	}

	logger.Info("shutdown complete")
	return nil
}

func openPlatform(cfg config.PlatformConfig) (platform.Client, func(), error) {
	switch cfg.Kind {
	case config.PlatformStdio:
		return stdio.New(os.Stdin, os.Stdout), nil, nil
	case config.PlatformTelegram:
		c, err := telegram.New(cfg.Token)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		return nil, nil, oops.Code(config.CodeInvalid).Errorf("unknown platform %q", cfg.Kind)
	}
}

func openKV(ctx context.Context, cfg config.KVConfig) (store.KV, func(), error) {
	switch cfg.Backend {
	case config.KVMemory:
		return store.NewMemoryKV(), nil, nil
	case config.KVPostgres:
		kv, err := store.OpenPostgresKV(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	default:
		return nil, nil, oops.Code(config.CodeInvalid).Errorf("unknown kv backend %q", cfg.Backend)
	}
}

// runAutoMigration brings the Postgres KV schema up to date before the
// store opens.
func runAutoMigration(databaseURL string, factory func(string) (AutoMigrator, error)) error {
	m, err := factory(databaseURL)
	if err != nil {
		return oops.Code("MIGRATION_INIT_FAILED").Wrap(err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			slog.Warn("failed to close migrator", "error", closeErr)
		}
	}()

	slog.Info("running database migrations")
	if err := m.Up(); err != nil {
		return oops.Code("AUTO_MIGRATION_FAILED").Wrap(err)
	}
	return nil
}

// monitorServerErrors cancels ctx when the server reports an error. It
// exits when an error arrives, the channel closes, or ctx ends.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
