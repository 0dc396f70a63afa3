// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package store provides the namespaced key/value backends behind the kv_*
// host functions.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in its namespace.
var ErrNotFound = errors.New("key not found")

// KV is a key/value store partitioned by namespace. Namespaces never see
// each other's keys. Implementations are safe for concurrent use.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	// Delete removes the key. Deleting a missing key returns ErrNotFound.
	Delete(ctx context.Context, namespace, key string) error
	// CompareAndSwap atomically stores next if the current value equals
	// prev. A nil prev means the key must be missing; an empty non-nil prev
	// matches an empty value. It reports whether next was stored.
	CompareAndSwap(ctx context.Context, namespace, key string, prev, next []byte) (bool, error)
}
