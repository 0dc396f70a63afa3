// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package scheduler

import (
	"cmp"
	"slices"

	"github.com/composebot/composebot/internal/sandbox"
)

// InstanceStats is a point-in-time view of one instance.
type InstanceStats struct {
	Handle sandbox.Handle
	Plugin string
	// State is one of ready, running, restarting, faulted.
	State string
	// Queued counts queued jobs by Kind.
	Queued     [numKinds]int
	RunningJob string
	Failures   int
}

// TotalQueued sums the per-kind queue lengths.
func (s InstanceStats) TotalQueued() int {
	n := 0
	for _, q := range s.Queued {
		n += q
	}
	return n
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Instances []InstanceStats
	Ready     int
	Accepting bool
}

// Stats returns queue lengths and states for every registered instance,
// ordered by handle.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{Ready: len(s.ready), Accepting: s.accepting}
	for _, inst := range s.instances {
		is := InstanceStats{
			Handle:   inst.hd,
			Plugin:   inst.plugin,
			State:    inst.state(),
			Failures: inst.failures,
		}
		for k := range inst.queues {
			is.Queued[k] = len(inst.queues[k])
		}
		if inst.running != nil {
			is.RunningJob = inst.running.ID
		}
		out.Instances = append(out.Instances, is)
	}
	slices.SortFunc(out.Instances, func(a, b InstanceStats) int {
		return cmp.Compare(a.Handle.Index, b.Handle.Index)
	})
	return out
}
