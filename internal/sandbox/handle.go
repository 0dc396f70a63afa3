// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package sandbox

import "fmt"

// Handle addresses a plugin instance in the host's arena. It stays valid
// across resets of the instance; once the instance is destroyed its slot
// may be reused under a new generation, so stale handles never resolve.
type Handle struct {
	Index      uint32
	Generation uint32
}

// IsZero reports whether h is the zero Handle, which never addresses an
// instance.
func (h Handle) IsZero() bool {
	return h.Generation == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.Index, h.Generation)
}

type slot struct {
	generation uint32
	inst       *instance
}

// arena stores instances by index with generation checks. Callers hold the
// host lock.
type arena struct {
	slots []slot
	free  []uint32
}

func (a *arena) insert(inst *instance) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots)) //nolint:gosec // instance counts stay far below 2^32
		a.slots = append(a.slots, slot{})
	}
	s := &a.slots[idx]
	s.generation++
	s.inst = inst
	return Handle{Index: idx, Generation: s.generation}
}

func (a *arena) get(h Handle) (*instance, bool) {
	if h.IsZero() || int(h.Index) >= len(a.slots) {
		return nil, false
	}
	s := a.slots[h.Index]
	if s.generation != h.Generation || s.inst == nil {
		return nil, false
	}
	return s.inst, true
}

func (a *arena) remove(h Handle) (*instance, bool) {
	inst, ok := a.get(h)
	if !ok {
		return nil, false
	}
	a.slots[h.Index].inst = nil
	a.free = append(a.free, h.Index)
	return inst, true
}

func (a *arena) handles() []Handle {
	out := make([]Handle, 0, len(a.slots)-len(a.free))
	for i, s := range a.slots {
		if s.inst != nil {
			out = append(out, Handle{Index: uint32(i), Generation: s.generation}) //nolint:gosec // bounded by slots
		}
	}
	return out
}
