// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package wasmtest

import "github.com/composebot/composebot/pkg/abi"

// AllocBase is where the canned modules' alloc places every payload.
const AllocBase = 4096

var (
	entryParams  = []ValType{I32, I32}
	entryResults = []ValType{I32}
)

// Host function signatures, mirroring the runtime ABI.
var (
	logParams    = []ValType{I32, I32, I32}
	submitParams = []ValType{I32, I32, I32, I32}
	kvGetParams  = []ValType{I32, I32, I32, I32}
	kvSetParams  = []ValType{I32, I32, I32, I32}
	timerParams  = []ValType{I64, I32, I32}
	kvCASParams  = []ValType{I32, I32, I32, I32, I32, I32}
	callParams   = []ValType{I32, I32, I32, I32, I32, I32}
	replyParams  = []ValType{I32, I32}
	i32Result    = []ValType{I32}
	i64Result    = []ValType{I64}
)

// guest is a Builder preloaded with memory and a bump-free alloc that
// always returns AllocBase.
type guest struct {
	*Builder
	strings map[string]uint32
	next    uint32
}

func newGuest() *guest {
	return &guest{Builder: New(), strings: make(map[string]uint32), next: 16}
}

// str places s in a data segment once and returns its offset.
func (g *guest) str(s string) (ptr, n int32) {
	if off, ok := g.strings[s]; ok {
		return int32(off), int32(len(s)) //nolint:gosec // tiny test modules
	}
	off := g.next
	g.Data(off, []byte(s))
	g.strings[s] = off
	g.next += uint32(len(s)) + 16 //nolint:gosec // tiny test modules
	return int32(off), int32(len(s)) //nolint:gosec // tiny test modules
}

// finish adds memory and alloc exports. Call after every Import and Func.
func (g *guest) finish() []byte {
	alloc := g.Func([]ValType{I32}, []ValType{I32}, nil, I32Const(AllocBase))
	g.Memory(1)
	g.ExportMemory(abi.ExportMem)
	g.Export(abi.ExportAlloc, alloc)
	return g.Bytes()
}

func constStatus(st int32) []byte { return I32Const(st) }

// Noop exports on_event, on_timer and on_result, each returning 0.
func Noop() []byte {
	g := newGuest()
	f := g.Func(entryParams, entryResults, nil, constStatus(0))
	g.Export(abi.EntryEvent, f)
	g.Export(abi.EntryTimer, f)
	g.Export(abi.EntryResult, f)
	return g.finish()
}

// Status exports on_event returning st.
func Status(st int32) []byte {
	g := newGuest()
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil, constStatus(st)))
	return g.finish()
}

// Submitter exports on_event calling submit(route, body) and returning the
// call id truncated to i32, so a denied submit surfaces as status -1.
// on_result returns 0.
func Submitter(route, body string) []byte {
	g := newGuest()
	submit := g.Import(abi.ImportModule, abi.FuncSubmit, submitParams, i64Result)
	rp, rn := g.str(route)
	bp, bn := g.str(body)
	onEvent := g.Func(entryParams, entryResults, nil,
		I32Const(rp), I32Const(rn), I32Const(bp), I32Const(bn),
		Call(submit), WrapI64())
	g.Export(abi.EntryEvent, onEvent)
	g.Export(abi.EntryResult, g.Func(entryParams, entryResults, nil, constStatus(0)))
	return g.finish()
}

// Pong replies "pong" on route "reply" to every event.
func Pong() []byte {
	return Submitter("reply", "pong")
}

// Echo submits the raw event payload on route.
func Echo(route string) []byte {
	g := newGuest()
	submit := g.Import(abi.ImportModule, abi.FuncSubmit, submitParams, i64Result)
	rp, rn := g.str(route)
	onEvent := g.Func(entryParams, entryResults, nil,
		I32Const(rp), I32Const(rn), LocalGet(0), LocalGet(1),
		Call(submit), WrapI64())
	g.Export(abi.EntryEvent, onEvent)
	return g.finish()
}

// Logger exports on_event calling log(level, msg) and returning its status.
func Logger(level int32, msg string) []byte {
	g := newGuest()
	logFn := g.Import(abi.ImportModule, abi.FuncLog, logParams, i32Result)
	mp, mn := g.str(msg)
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil,
		I32Const(level), I32Const(mp), I32Const(mn), Call(logFn)))
	return g.finish()
}

// KVSetter exports on_event storing the payload under key and returning the
// kv_set status.
func KVSetter(key string) []byte {
	g := newGuest()
	set := g.Import(abi.ImportModule, abi.FuncKVSet, kvSetParams, i32Result)
	kp, kn := g.str(key)
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil,
		I32Const(kp), I32Const(kn), LocalGet(0), LocalGet(1), Call(set)))
	return g.finish()
}

// KVGetter exports on_event reading key into a scratch buffer and returning
// the value length (or negative status) truncated to i32.
func KVGetter(key string) []byte {
	g := newGuest()
	get := g.Import(abi.ImportModule, abi.FuncKVGet, kvGetParams, i64Result)
	kp, kn := g.str(key)
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil,
		I32Const(kp), I32Const(kn), I32Const(AllocBase*2), I32Const(1024),
		Call(get), WrapI64()))
	return g.finish()
}

// KVIncrementer exports on_event adding one to the little-endian uint32
// counter under key. It reads with kv_get and retries kv_cas until no other
// writer raced it, then returns the kv_cas status. A missing key counts
// from zero.
func KVIncrementer(key string) []byte {
	g := newGuest()
	get := g.Import(abi.ImportModule, abi.FuncKVGet, kvGetParams, i64Result)
	cas := g.Import(abi.ImportModule, abi.FuncKVCAS, kvCASParams, i32Result)
	kp, kn := g.str(key)
	const (
		cur  = AllocBase * 2
		next = cur + 8
		n    = 2 // i64 kv_get result
		old  = 3 // i32 expected length
		st   = 4 // i32 kv_cas status
	)
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, []ValType{I64, I32, I32},
		Loop(),
		I32Const(kp), I32Const(kn), I32Const(cur), I32Const(4), Call(get), LocalSet(n),
		I32Const(4), LocalSet(old),
		Block(),
		LocalGet(n), I64Const(0), I64GeS(), BrIf(0),
		I32Const(cur), I32Const(0), I32Store(),
		I32Const(-1), LocalSet(old), // abi.KVAbsent
		End(),
		I32Const(next), I32Const(cur), I32Load(), I32Const(1), I32Add(), I32Store(),
		I32Const(kp), I32Const(kn), I32Const(cur), LocalGet(old), I32Const(next), I32Const(4),
		Call(cas), LocalSet(st),
		LocalGet(st), I32Const(int32(abi.StatusConflict)), I32Eq(), BrIf(0),
		End(),
		LocalGet(st)))
	return g.finish()
}

// Shutdown exports on_event calling shutdown(restart) and returning its
// status.
func Shutdown(restart bool) []byte {
	g := newGuest()
	stop := g.Import(abi.ImportModule, abi.FuncShutdown, []ValType{I32}, i32Result)
	flag := int32(0)
	if restart {
		flag = 1
	}
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil, I32Const(flag), Call(stop)))
	return g.finish()
}

// Caller exports on_event calling function on target with the event payload
// as params and returning the call id truncated to i32. on_result submits
// the result payload on route.
func Caller(target, function, route string) []byte {
	g := newGuest()
	call := g.Import(abi.ImportModule, abi.FuncCall, callParams, i64Result)
	submit := g.Import(abi.ImportModule, abi.FuncSubmit, submitParams, i64Result)
	tp, tn := g.str(target)
	fp, fn := g.str(function)
	rp, rn := g.str(route)
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil,
		I32Const(tp), I32Const(tn), I32Const(fp), I32Const(fn), LocalGet(0), LocalGet(1),
		Call(call), WrapI64()))
	g.Export(abi.EntryResult, g.Func(entryParams, entryResults, nil,
		I32Const(rp), I32Const(rn), LocalGet(0), LocalGet(1), Call(submit), WrapI64()))
	return g.finish()
}

// Replier exports on_call answering every call with its own call payload
// and returning the reply status.
func Replier() []byte {
	g := newGuest()
	reply := g.Import(abi.ImportModule, abi.FuncReply, replyParams, i32Result)
	g.Export(abi.EntryCall, g.Func(entryParams, entryResults, nil,
		LocalGet(0), LocalGet(1), Call(reply)))
	return g.finish()
}

// Timer exports on_event arming a timer (delay, tag) and on_timer
// submitting body on route.
func Timer(delayMS int64, tag, route, body string) []byte {
	g := newGuest()
	submit := g.Import(abi.ImportModule, abi.FuncSubmit, submitParams, i64Result)
	timerSet := g.Import(abi.ImportModule, abi.FuncTimerSet, timerParams, i64Result)
	tp, tn := g.str(tag)
	rp, rn := g.str(route)
	bp, bn := g.str(body)
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil,
		I64Const(delayMS), I32Const(tp), I32Const(tn), Call(timerSet), WrapI64()))
	g.Export(abi.EntryTimer, g.Func(entryParams, entryResults, nil,
		I32Const(rp), I32Const(rn), I32Const(bp), I32Const(bn), Call(submit), WrapI64()))
	return g.finish()
}

// Spin exports on_event looping forever.
func Spin() []byte {
	g := newGuest()
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil,
		Loop(), Br(0), End(), constStatus(0)))
	return g.finish()
}

// Trap exports on_event executing unreachable.
func Trap() []byte {
	g := newGuest()
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil, Unreachable()))
	return g.finish()
}

// Init exports init returning st and a no-op on_event.
func Init(st int32) []byte {
	g := newGuest()
	g.Export(abi.EntryInit, g.Func(nil, i32Result, nil, constStatus(st)))
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil, constStatus(0)))
	return g.finish()
}

// BadImport imports a function the host does not provide.
func BadImport() []byte {
	g := newGuest()
	g.Import("env", "evil", nil, nil)
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil, constStatus(0)))
	return g.finish()
}

// WrongSignature imports composebot.log with the wrong signature.
func WrongSignature() []byte {
	g := newGuest()
	g.Import(abi.ImportModule, abi.FuncLog, nil, nil)
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil, constStatus(0)))
	return g.finish()
}

// NoEntryPoints exports memory and alloc only.
func NoEntryPoints() []byte {
	return newGuest().finish()
}

// Oversized declares a memory whose minimum is pages.
func Oversized(pages uint32) []byte {
	g := newGuest()
	g.Export(abi.EntryEvent, g.Func(entryParams, entryResults, nil, constStatus(0)))
	alloc := g.Func([]ValType{I32}, []ValType{I32}, nil, I32Const(AllocBase))
	g.Memory(pages)
	g.ExportMemory(abi.ExportMem)
	g.Export(abi.ExportAlloc, alloc)
	return g.Bytes()
}
