// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package sandbox

// State is the lifecycle state of a plugin instance.
//
//	Loaded -> Ready -> Running -> Ready ...
//	Running -> Faulted (trap or timeout) -> Ready (reset)
//	any -> Destroyed
type State int

// Instance states.
const (
	StateLoaded State = iota
	StateReady
	StateRunning
	StateFaulted
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateFaulted:
		return "faulted"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
