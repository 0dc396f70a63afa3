// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package bridge

import (
	"context"
	"log/slog"

	"github.com/composebot/composebot/internal/sandbox"
	"github.com/composebot/composebot/pkg/abi"
)

var logLevels = map[int32]slog.Level{
	abi.LevelDebug: slog.LevelDebug,
	abi.LevelInfo:  slog.LevelInfo,
	abi.LevelWarn:  slog.LevelWarn,
	abi.LevelError: slog.LevelError,
}

// Log writes a plugin log record tagged with the plugin, handle, and job.
func (b *Bridge) Log(ctx context.Context, c sandbox.Caller, level int32, msg string) abi.Status {
	if !c.Table.Allows(abi.CapLog) {
		b.denied(c, abi.FuncLog)
		return abi.StatusCapabilityDenied
	}
	lvl, ok := logLevels[level]
	if !ok {
		return abi.StatusInvalidArgument
	}
	b.plugins.Log(ctx, lvl, msg,
		"plugin", c.Plugin,
		"handle", c.Handle.String(),
		"job_id", c.JobID)
	return abi.StatusOK
}
