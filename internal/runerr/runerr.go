// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package runerr defines the runtime error taxonomy shared by the sandbox,
// bridge, scheduler, and router.
//
// Errors are built with samber/oops and carry one of the Code* values. The
// sentinels below stay reachable through errors.Is regardless of wrapping.
package runerr

import "errors"

// Error codes attached with oops.Code.
const (
	CodeLoad             = "LOAD_ERROR"
	CodeCapabilityDenied = "CAPABILITY_DENIED"
	CodeSandboxTrap      = "SANDBOX_TRAP"
	CodeTimeout          = "TIMEOUT"
	CodeUpstream         = "UPSTREAM_ERROR"
	CodeQueueOverflow    = "QUEUE_OVERFLOW"
	CodeUnknownInstance  = "UNKNOWN_INSTANCE"
	CodeInstanceFaulted  = "INSTANCE_FAULTED"
	CodeStopped          = "SCHEDULER_STOPPED"
	CodeCancelled        = "CANCELLED"
	CodePluginStatus     = "PLUGIN_STATUS"
	CodeStale            = "STALE_INCARNATION"
)

// Sentinel errors.
var (
	ErrLoad             = errors.New("load error")
	ErrCapabilityDenied = errors.New("capability denied")
	ErrSandboxTrap      = errors.New("sandbox trap")
	ErrTimeout          = errors.New("timeout")
	ErrUpstream         = errors.New("upstream error")
	ErrQueueOverflow    = errors.New("queue overflow")
	ErrUnknownInstance  = errors.New("unknown instance")
	ErrInstanceFaulted  = errors.New("instance faulted")
	ErrStopped          = errors.New("scheduler stopped")
	ErrCancelled        = errors.New("cancelled")
	ErrPluginStatus     = errors.New("plugin returned failure status")
	ErrStale            = errors.New("issued by an earlier incarnation")
)

type marked struct {
	sentinel error
	cause    error
}

func (m *marked) Error() string {
	return m.sentinel.Error() + ": " + m.cause.Error()
}

func (m *marked) Unwrap() []error {
	return []error{m.sentinel, m.cause}
}

// Mark returns an error that matches both sentinel and cause with errors.Is.
// A nil cause returns the sentinel itself.
func Mark(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	if errors.Is(cause, sentinel) {
		return cause
	}
	return &marked{sentinel: sentinel, cause: cause}
}

// Retryable reports whether a job failure should trigger the instance restart
// policy. Traps, timeouts, and cancellations of running jobs reset the
// instance; plugin-reported statuses and upstream failures do not.
func Retryable(err error) bool {
	return errors.Is(err, ErrSandboxTrap) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrCancelled)
}
