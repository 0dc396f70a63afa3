// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package scheduler

import (
	"time"

	"github.com/composebot/composebot/internal/sandbox"
)

// Kind is the job kind. Its value is also its priority class: lower runs
// first.
type Kind int

// Job kinds in priority order.
const (
	KindDispatch Kind = iota
	KindTimer
	KindContinuation
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindDispatch:
		return "dispatch"
	case KindTimer:
		return "timer"
	case KindContinuation:
		return "continuation"
	default:
		return "unknown"
	}
}

// JobState is the lifecycle state of a job.
type JobState int

// Job states.
const (
	JobQueued JobState = iota
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Job is one entry point invocation bound to one instance.
type Job struct {
	// ID is assigned by Enqueue when empty.
	ID     string
	Kind   Kind
	Handle sandbox.Handle
	// Entry overrides the entry point chosen from Kind.
	Entry   string
	Payload []byte
	// Epoch binds the job to one incarnation of the instance. Zero means
	// unbound. A bound job from an earlier incarnation is rejected by
	// Enqueue, and queued bound jobs are cancelled when the instance resets.
	Epoch uint64

	// Plugin is filled in by Enqueue.
	Plugin     string
	State      JobState
	Attempt    int
	Err        error
	EnqueuedAt time.Time
	Duration   time.Duration
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.State == JobCompleted || j.State == JobFailed || j.State == JobCancelled
}
