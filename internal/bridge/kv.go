// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/composebot/composebot/internal/plugin/capability"
	"github.com/composebot/composebot/internal/sandbox"
	"github.com/composebot/composebot/internal/store"
	"github.com/composebot/composebot/pkg/abi"
	"github.com/composebot/composebot/pkg/errutil"
)

// sharedNamespacePrefix keeps shared namespaces apart from plugin
// namespaces, which never contain '/'.
const sharedNamespacePrefix = "shared/"

// resolveKey maps a guest key to its storage namespace and key. Keys of the
// form "shared/<ns>/<key>" address the shared namespace ns and need the
// kv.shared.<ns> capability on top of capName.
func resolveKey(c sandbox.Caller, capName, key string) (namespace, k string, st abi.Status) {
	if !c.Table.AllowsKey(capName, key) {
		return "", "", abi.StatusCapabilityDenied
	}
	ns, rest, shared := capability.SplitSharedKey(key)
	if !shared {
		return c.Plugin, key, abi.StatusOK
	}
	if rest == "" {
		return "", "", abi.StatusInvalidArgument
	}
	return sharedNamespacePrefix + ns, rest, abi.StatusOK
}

// KVGet reads a value from the caller's namespace.
func (b *Bridge) KVGet(ctx context.Context, c sandbox.Caller, key string) ([]byte, abi.Status) {
	ns, k, st := resolveKey(c, abi.CapKVRead, key)
	if st == abi.StatusCapabilityDenied {
		b.denied(c, abi.FuncKVGet)
	}
	if st != abi.StatusOK {
		return nil, st
	}
	value, err := b.kv.Get(ctx, ns, k)
	if err != nil {
		return nil, b.kvStatus(c, abi.FuncKVGet, err)
	}
	return value, abi.StatusOK
}

// KVSet writes a value. Writers of one key are serialized.
func (b *Bridge) KVSet(ctx context.Context, c sandbox.Caller, key string, value []byte) abi.Status {
	ns, k, st := resolveKey(c, abi.CapKVWrite, key)
	if st == abi.StatusCapabilityDenied {
		b.denied(c, abi.FuncKVSet)
	}
	if st != abi.StatusOK {
		return st
	}
	unlock := b.keys.lock(ns, k)
	defer unlock()
	if err := b.kv.Set(ctx, ns, k, value); err != nil {
		return b.kvStatus(c, abi.FuncKVSet, err)
	}
	return abi.StatusOK
}

// KVDelete removes a key. A missing key is StatusNotFound.
func (b *Bridge) KVDelete(ctx context.Context, c sandbox.Caller, key string) abi.Status {
	ns, k, st := resolveKey(c, abi.CapKVWrite, key)
	if st == abi.StatusCapabilityDenied {
		b.denied(c, abi.FuncKVDelete)
	}
	if st != abi.StatusOK {
		return st
	}
	unlock := b.keys.lock(ns, k)
	defer unlock()
	if err := b.kv.Delete(ctx, ns, k); err != nil {
		return b.kvStatus(c, abi.FuncKVDelete, err)
	}
	return abi.StatusOK
}

// KVCompareAndSwap stores next only while the key still holds prev, or is
// absent when prev is nil. A lost race is StatusConflict. It needs both
// kv.read and kv.write on the key.
func (b *Bridge) KVCompareAndSwap(ctx context.Context, c sandbox.Caller, key string, prev, next []byte) abi.Status {
	ns, k, st := resolveKey(c, abi.CapKVRead, key)
	if st == abi.StatusOK {
		ns, k, st = resolveKey(c, abi.CapKVWrite, key)
	}
	if st == abi.StatusCapabilityDenied {
		b.denied(c, abi.FuncKVCAS)
	}
	if st != abi.StatusOK {
		return st
	}
	unlock := b.keys.lock(ns, k)
	defer unlock()
	swapped, err := b.kv.CompareAndSwap(ctx, ns, k, prev, next)
	if err != nil {
		return b.kvStatus(c, abi.FuncKVCAS, err)
	}
	if !swapped {
		return abi.StatusConflict
	}
	return abi.StatusOK
}

func (b *Bridge) kvStatus(c sandbox.Caller, function string, err error) abi.Status {
	if errors.Is(err, store.ErrNotFound) {
		return abi.StatusNotFound
	}
	attrs := append([]any{"plugin", c.Plugin, "job_id", c.JobID, "function", function}, errutil.Attrs(err)...)
	b.logger.Error("kv operation failed", attrs...)
	return abi.StatusInternal
}

// keyLocks hands out one mutex per (namespace, key) and forgets it once no
// caller holds or waits for it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (l *keyLocks) lock(namespace, key string) (unlock func()) {
	id := namespace + "\x00" + key

	l.mu.Lock()
	kl, ok := l.locks[id]
	if !ok {
		kl = &keyLock{}
		l.locks[id] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
