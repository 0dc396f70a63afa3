// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package main

import (
	"context"

	"github.com/composebot/composebot/internal/config"
	"github.com/composebot/composebot/internal/observability"
	"github.com/composebot/composebot/internal/platform"
	"github.com/composebot/composebot/internal/store"
)

// RunDeps contains injectable dependencies for the run command.
// All fields with nil values will use their default implementations.
type RunDeps struct {
	// PlatformFactory connects to the chat platform. The returned close
	// function may be nil.
	// Default: telegram.New or stdio.New by platform.kind
	PlatformFactory func(cfg config.PlatformConfig) (platform.Client, func(), error)

	// KVFactory opens the plugin key-value store. The returned close
	// function may be nil.
	// Default: store.NewMemoryKV or store.OpenPostgresKV by kv.backend
	KVFactory func(ctx context.Context, cfg config.KVConfig) (store.KV, func(), error)

	// MigratorFactory creates the migrator run before the Postgres backend
	// opens.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (AutoMigrator, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
	SetStatus(fn observability.StatusFunc)
}

// AutoMigrator wraps the migration steps run at startup.
type AutoMigrator interface {
	Up() error
	Close() error
}
