// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package store

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/samber/oops"
)

// MemoryKV keeps every namespace in process memory. Values are copied on
// the way in and out.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]map[string][]byte)}
}

// Get returns a copy of the value stored under namespace/key.
func (s *MemoryKV) Get(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[namespace][key]
	if !ok {
		return nil, oops.In("store").With("namespace", namespace).With("key", key).Wrap(ErrNotFound)
	}
	return slices.Clone(v), nil
}

// Set stores a copy of value.
func (s *MemoryKV) Set(_ context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(namespace, key, value)
	return nil
}

// CompareAndSwap stores a copy of next if the current value equals prev.
func (s *MemoryKV) CompareAndSwap(_ context.Context, namespace, key string, prev, next []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[namespace][key]
	if prev == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(cur, prev) {
		return false, nil
	}
	s.set(namespace, key, next)
	return true, nil
}

// set stores a copy of value. Caller holds s.mu.
func (s *MemoryKV) set(namespace, key string, value []byte) {
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.data[namespace] = ns
	}
	v := slices.Clone(value)
	if v == nil {
		v = []byte{}
	}
	ns[key] = v
}

// Delete removes namespace/key.
func (s *MemoryKV) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.data[namespace]
	if _, ok := ns[key]; !ok {
		return oops.In("store").With("namespace", namespace).With("key", key).Wrap(ErrNotFound)
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(s.data, namespace)
	}
	return nil
}

// Len returns the number of keys in namespace.
func (s *MemoryKV) Len(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[namespace])
}
