// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package sandbox

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/composebot/composebot/internal/plugin/capability"
	"github.com/composebot/composebot/pkg/abi"
)

const (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// Guest buffer limits enforced on every host call.
const (
	maxKeyLen   = 256
	maxValueLen = 64 << 10
	maxLogLen   = 8 << 10
	maxRouteLen = 128
	maxBodyLen  = 256 << 10
	maxTagLen   = 256
	maxNameLen  = 64
	// maxDelayMS is the longest timer_set delay representable as a
	// time.Duration.
	maxDelayMS = math.MaxInt64 / int64(time.Millisecond)
)

type signature struct {
	params  []api.ValueType
	results []api.ValueType
	names   []string
}

// hostSignatures is the complete host ABI. Imports from abi.ImportModule
// outside this table make a module unloadable.
var hostSignatures = map[string]signature{
	abi.FuncLog:         {[]api.ValueType{i32, i32, i32}, []api.ValueType{i32}, []string{"level", "ptr", "len"}},
	abi.FuncKVGet:       {[]api.ValueType{i32, i32, i32, i32}, []api.ValueType{i64}, []string{"key_ptr", "key_len", "out_ptr", "out_cap"}},
	abi.FuncKVSet:       {[]api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, []string{"key_ptr", "key_len", "val_ptr", "val_len"}},
	abi.FuncKVDelete:    {[]api.ValueType{i32, i32}, []api.ValueType{i32}, []string{"key_ptr", "key_len"}},
	abi.FuncSubmit:      {[]api.ValueType{i32, i32, i32, i32}, []api.ValueType{i64}, []string{"route_ptr", "route_len", "body_ptr", "body_len"}},
	abi.FuncTimerSet:    {[]api.ValueType{i64, i32, i32}, []api.ValueType{i64}, []string{"delay_ms", "tag_ptr", "tag_len"}},
	abi.FuncTimerCron:   {[]api.ValueType{i32, i32, i32, i32}, []api.ValueType{i64}, []string{"expr_ptr", "expr_len", "tag_ptr", "tag_len"}},
	abi.FuncTimerCancel: {[]api.ValueType{i64}, []api.ValueType{i32}, []string{"timer_id"}},
	abi.FuncKVCAS:       {[]api.ValueType{i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}, []string{"key_ptr", "key_len", "old_ptr", "old_len", "new_ptr", "new_len"}},
	abi.FuncShutdown:    {[]api.ValueType{i32}, []api.ValueType{i32}, []string{"restart"}},
	abi.FuncCall:        {[]api.ValueType{i32, i32, i32, i32, i32, i32}, []api.ValueType{i64}, []string{"plugin_ptr", "plugin_len", "fn_ptr", "fn_len", "params_ptr", "params_len"}},
	abi.FuncReply:       {[]api.ValueType{i32, i32}, []api.ValueType{i32}, []string{"ptr", "len"}},
}

var (
	entrySignature = signature{params: []api.ValueType{i32, i32}, results: []api.ValueType{i32}}
	allocSignature = signature{params: []api.ValueType{i32}, results: []api.ValueType{i32}}
	initSignature  = signature{results: []api.ValueType{i32}}
)

func (s signature) matches(def api.FunctionDefinition) bool {
	return slices.Equal(s.params, def.ParamTypes()) && slices.Equal(s.results, def.ResultTypes())
}

// checkImports rejects imports the host cannot satisfy.
func checkImports(compiled wazero.CompiledModule, allowWASI bool) error {
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		switch module {
		case abi.ImportModule:
			sig, ok := hostSignatures[name]
			if !ok {
				return fmt.Errorf("unknown host function %s.%s", module, name)
			}
			if !sig.matches(def) {
				return fmt.Errorf("host function %s.%s has signature %v -> %v, want %v -> %v",
					module, name, def.ParamTypes(), def.ResultTypes(), sig.params, sig.results)
			}
		case wasi_snapshot_preview1.ModuleName:
			if !allowWASI {
				return fmt.Errorf("import %s.%s: WASI is disabled", module, name)
			}
		default:
			return fmt.Errorf("unsatisfiable import %s.%s", module, name)
		}
	}
	if mems := compiled.ImportedMemories(); len(mems) > 0 {
		module, name, _ := mems[0].Import()
		return fmt.Errorf("unsatisfiable memory import %s.%s", module, name)
	}
	return nil
}

// checkExports verifies the guest exports memory, alloc and at least one
// of the entry points, each with the expected signature.
func checkExports(compiled wazero.CompiledModule, entries []string, initName string) error {
	if _, ok := compiled.ExportedMemories()[abi.ExportMem]; !ok {
		return fmt.Errorf("module does not export %q", abi.ExportMem)
	}
	funcs := compiled.ExportedFunctions()
	alloc, ok := funcs[abi.ExportAlloc]
	if !ok {
		return fmt.Errorf("module does not export %q", abi.ExportAlloc)
	}
	if !allocSignature.matches(alloc) {
		return fmt.Errorf("export %q must be (i32) -> i32", abi.ExportAlloc)
	}
	found := 0
	for _, name := range entries {
		def, ok := funcs[name]
		if !ok {
			continue
		}
		if !entrySignature.matches(def) {
			return fmt.Errorf("entry point %q must be (i32, i32) -> i32", name)
		}
		found++
	}
	if found == 0 {
		return fmt.Errorf("module exports none of the entry points %v", entries)
	}
	if def, ok := funcs[initName]; ok && !initSignature.matches(def) {
		return fmt.Errorf("entry point %q must be () -> i32", initName)
	}
	return nil
}

// buildHostModule instantiates the abi.ImportModule for one instance. Every
// ABI function is exported; those the capability table does not grant are
// bound to a stub that returns StatusCapabilityDenied and never reaches fns.
func (h *Host) buildHostModule(ctx context.Context, rt wazero.Runtime, inst *instance) error {
	bd := &binding{handle: inst.handle, plugin: inst.name(), table: inst.table}
	b := rt.NewHostModuleBuilder(abi.ImportModule)
	for name, sig := range hostSignatures {
		var fn api.GoModuleFunc
		if bd.table.CanCall(name) {
			fn = h.bound(bd, name)
		} else {
			fn = h.denied(bd, name, sig)
		}
		b.NewFunctionBuilder().
			WithGoModuleFunction(fn, sig.params, sig.results).
			WithParameterNames(sig.names...).
			Export(name)
	}
	_, err := b.Instantiate(ctx)
	return err
}

// binding is the identity host functions of one incarnation are bound to.
type binding struct {
	handle Handle
	plugin string
	table  *capability.Table
}

func (b *binding) caller(ctx context.Context) Caller {
	return Caller{
		Handle: b.handle,
		Plugin: b.plugin,
		JobID:  JobIDFromContext(ctx),
		Epoch:  EpochFromContext(ctx),
		Table:  b.table,
	}
}

func (h *Host) denied(bd *binding, name string, sig signature) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		h.metrics.RecordCapabilityDenied(bd.plugin, name)
		h.logger.Debug("capability denied",
			"plugin", bd.plugin,
			"handle", bd.handle.String(),
			"job_id", JobIDFromContext(ctx),
			"function", name)
		if sig.results[0] == i64 {
			stack[0] = api.EncodeI64(int64(abi.StatusCapabilityDenied))
		} else {
			stack[0] = api.EncodeI32(int32(abi.StatusCapabilityDenied))
		}
	}
}

func status32(s abi.Status) uint64 {
	return api.EncodeI32(int32(s))
}

func status64(s abi.Status) uint64 {
	return api.EncodeI64(int64(s))
}

// readGuest copies n bytes at ptr out of guest memory. ok is false when the
// range is out of bounds or longer than limit.
func readGuest(mod api.Module, ptr, n uint32, limit int) ([]byte, bool) {
	if int(n) > limit {
		return nil, false
	}
	if n == 0 {
		return []byte{}, true
	}
	view, ok := mod.Memory().Read(ptr, n)
	if !ok {
		return nil, false
	}
	return slices.Clone(view), true
}

func (h *Host) bound(bd *binding, name string) api.GoModuleFunc {
	fns := h.fns
	switch name {
	case abi.FuncLog:
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			msg, ok := readGuest(mod, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), maxLogLen)
			if !ok {
				stack[0] = status32(abi.StatusInvalidArgument)
				return
			}
			stack[0] = status32(fns.Log(ctx, bd.caller(ctx), api.DecodeI32(stack[0]), string(msg)))
		}
	case abi.FuncKVGet:
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			key, ok := readGuest(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), maxKeyLen)
			if !ok || len(key) == 0 {
				stack[0] = status64(abi.StatusInvalidArgument)
				return
			}
			value, st := fns.KVGet(ctx, bd.caller(ctx), string(key))
			if st != abi.StatusOK {
				stack[0] = status64(st)
				return
			}
			outPtr, outCap := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])
			if len(value) <= int(outCap) && len(value) > 0 {
				if !mod.Memory().Write(outPtr, value) {
					stack[0] = status64(abi.StatusInvalidArgument)
					return
				}
			}
			stack[0] = api.EncodeI64(int64(len(value)))
		}
	case abi.FuncKVSet:
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			key, ok := readGuest(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), maxKeyLen)
			if !ok || len(key) == 0 {
				stack[0] = status32(abi.StatusInvalidArgument)
				return
			}
			value, ok := readGuest(mod, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), maxValueLen)
			if !ok {
				stack[0] = status32(abi.StatusInvalidArgument)
				return
			}
			stack[0] = status32(fns.KVSet(ctx, bd.caller(ctx), string(key), value))
		}
	case abi.FuncKVDelete:
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			key, ok := readGuest(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), maxKeyLen)
			if !ok || len(key) == 0 {
				stack[0] = status32(abi.StatusInvalidArgument)
				return
			}
			stack[0] = status32(fns.KVDelete(ctx, bd.caller(ctx), string(key)))
		}
	case abi.FuncSubmit:
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			route, ok := readGuest(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), maxRouteLen)
			if !ok || len(route) == 0 {
				stack[0] = status64(abi.StatusInvalidArgument)
				return
			}
			body, ok := readGuest(mod, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), maxBodyLen)
			if !ok {
				stack[0] = status64(abi.StatusInvalidArgument)
				return
			}
			stack[0] = api.EncodeI64(fns.Submit(ctx, bd.caller(ctx), string(route), body))
		}
	case abi.FuncTimerSet:
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			delay := int64(stack[0])
			tag, ok := readGuest(mod, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), maxTagLen)
			if !ok || delay < 0 || delay > maxDelayMS {
				stack[0] = status64(abi.StatusInvalidArgument)
				return
			}
			stack[0] = api.EncodeI64(fns.TimerSet(ctx, bd.caller(ctx), time.Duration(delay)*time.Millisecond, string(tag)))
		}
	case abi.FuncTimerCron:
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			expr, ok := readGuest(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), maxTagLen)
			if !ok || len(expr) == 0 {
				stack[0] = status64(abi.StatusInvalidArgument)
				return
			}
			tag, ok := readGuest(mod, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), maxTagLen)
			if !ok {
				stack[0] = status64(abi.StatusInvalidArgument)
				return
			}
			stack[0] = api.EncodeI64(fns.TimerCron(ctx, bd.caller(ctx), string(expr), string(tag)))
		}
	case abi.FuncTimerCancel:
		return func(ctx context.Context, _ api.Module, stack []uint64) {
			stack[0] = status32(fns.TimerCancel(ctx, bd.caller(ctx), int64(stack[0])))
		}
	case abi.FuncKVCAS:
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			key, ok := readGuest(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), maxKeyLen)
			if !ok || len(key) == 0 {
				stack[0] = status32(abi.StatusInvalidArgument)
				return
			}
			var prev []byte
			if oldLen := api.DecodeU32(stack[3]); oldLen != abi.KVAbsent {
				if prev, ok = readGuest(mod, api.DecodeU32(stack[2]), oldLen, maxValueLen); !ok {
					stack[0] = status32(abi.StatusInvalidArgument)
					return
				}
			}
			next, ok := readGuest(mod, api.DecodeU32(stack[4]), api.DecodeU32(stack[5]), maxValueLen)
			if !ok {
				stack[0] = status32(abi.StatusInvalidArgument)
				return
			}
			stack[0] = status32(fns.KVCompareAndSwap(ctx, bd.caller(ctx), string(key), prev, next))
		}
	case abi.FuncShutdown:
		return func(ctx context.Context, _ api.Module, stack []uint64) {
			stack[0] = status32(fns.Shutdown(ctx, bd.caller(ctx), api.DecodeI32(stack[0]) != 0))
		}
	case abi.FuncCall:
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			target, ok := readGuest(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), maxNameLen)
			if !ok || len(target) == 0 {
				stack[0] = status64(abi.StatusInvalidArgument)
				return
			}
			function, ok := readGuest(mod, api.DecodeU32(stack[2]), api.DecodeU32(stack[3]), maxTagLen)
			if !ok || len(function) == 0 {
				stack[0] = status64(abi.StatusInvalidArgument)
				return
			}
			params, ok := readGuest(mod, api.DecodeU32(stack[4]), api.DecodeU32(stack[5]), maxBodyLen)
			if !ok {
				stack[0] = status64(abi.StatusInvalidArgument)
				return
			}
			stack[0] = api.EncodeI64(fns.Call(ctx, bd.caller(ctx), string(target), string(function), params))
		}
	case abi.FuncReply:
		return func(ctx context.Context, mod api.Module, stack []uint64) {
			body, ok := readGuest(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), maxBodyLen)
			if !ok {
				stack[0] = status32(abi.StatusInvalidArgument)
				return
			}
			stack[0] = status32(fns.Reply(ctx, bd.caller(ctx), body))
		}
	default:
		return h.denied(bd, name, hostSignatures[name])
	}
}
