// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package sandbox

import (
	"context"
	"time"

	"github.com/composebot/composebot/internal/plugin/capability"
	"github.com/composebot/composebot/pkg/abi"
)

// Caller identifies the instance and job on whose behalf a host function
// runs.
type Caller struct {
	Handle Handle
	Plugin string
	JobID  string
	// Epoch is the scheduler epoch of the running job, or 0 outside the
	// scheduler. Work the call leaves behind carries it.
	Epoch uint64
	Table *capability.Table
}

// HostFunctions implements the host side of the plugin ABI. The sandbox
// decodes guest memory and hands plain values to it; implementations never
// see guest pointers.
//
// Every method must re-check c.Table and return abi.StatusCapabilityDenied
// without side effects when the call is not granted. Methods returning int64
// return a non-negative id or a negative abi.Status.
type HostFunctions interface {
	Log(ctx context.Context, c Caller, level int32, msg string) abi.Status
	KVGet(ctx context.Context, c Caller, key string) ([]byte, abi.Status)
	KVSet(ctx context.Context, c Caller, key string, value []byte) abi.Status
	KVDelete(ctx context.Context, c Caller, key string) abi.Status
	Submit(ctx context.Context, c Caller, route string, body []byte) int64
	TimerSet(ctx context.Context, c Caller, delay time.Duration, tag string) int64
	TimerCron(ctx context.Context, c Caller, expr, tag string) int64
	TimerCancel(ctx context.Context, c Caller, id int64) abi.Status
	// KVCompareAndSwap stores next only while the key holds prev. A nil prev
	// expects the key to be absent.
	KVCompareAndSwap(ctx context.Context, c Caller, key string, prev, next []byte) abi.Status
	Shutdown(ctx context.Context, c Caller, restart bool) abi.Status
	Call(ctx context.Context, c Caller, plugin, function string, params []byte) int64
	// Reply answers the call that started the current job.
	Reply(ctx context.Context, c Caller, body []byte) abi.Status
}

type jobKey struct{}

// WithJobID returns a context carrying the id of the job being invoked so
// host functions can attribute their effects.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobKey{}, id)
}

// JobIDFromContext returns the job id set by WithJobID, or "".
func JobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobKey{}).(string)
	return id
}

type epochKey struct{}

// WithEpoch returns a context carrying the scheduler epoch of the instance
// being invoked.
func WithEpoch(ctx context.Context, epoch uint64) context.Context {
	return context.WithValue(ctx, epochKey{}, epoch)
}

// EpochFromContext returns the epoch set by WithEpoch, or 0.
func EpochFromContext(ctx context.Context) uint64 {
	e, _ := ctx.Value(epochKey{}).(uint64)
	return e
}
