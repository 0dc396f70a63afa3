// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package abi defines the host-function ABI shared by the ComposeBot runtime
// and plugins compiled to WebAssembly.
//
// A plugin module must export:
//   - "memory": its linear memory
//   - "alloc(size i32) -> i32": returns a guest pointer with room for size bytes
//   - at least one entry point with signature (ptr i32, len i32) -> i32
//
// Entry points receive a JSON document (see EventEnvelope, TimerPayload,
// ResultPayload). A negative return value is a plugin-reported failure status;
// zero or positive means success.
//
// Host functions are imported from the module named by ImportModule. Every
// host function returns a negative Status on failure.
package abi

// ImportModule is the import module name plugins use for host functions.
const ImportModule = "composebot"

// Entry point names.
const (
	EntryInit   = "init"
	EntryEvent  = "on_event"
	EntryTimer  = "on_timer"
	EntryResult = "on_result"
	EntryCall   = "on_call"
	ExportAlloc = "alloc"
	ExportMem   = "memory"
)

// Host function names.
const (
	FuncLog         = "log"
	FuncKVGet       = "kv_get"
	FuncKVSet       = "kv_set"
	FuncKVDelete    = "kv_delete"
	FuncKVCAS       = "kv_cas"
	FuncSubmit      = "submit"
	FuncTimerSet    = "timer_set"
	FuncTimerCron   = "timer_cron"
	FuncTimerCancel = "timer_cancel"
	FuncShutdown    = "shutdown"
	FuncCall        = "call"
	FuncReply       = "reply"
)

// Capabilities gating host functions.
const (
	CapLog       = "log"
	CapKVRead    = "kv.read"
	CapKVWrite   = "kv.write"
	CapKVShared  = "kv.shared"
	CapSubmit    = "api.submit"
	CapTimer     = "timer"
	CapTimerCron = "timer.cron"
	CapShutdown  = "shutdown"
	// CapCall allows call to every plugin; plugin.call.<name> allows one.
	CapCall = "plugin.call"
)

// FunctionCapability maps each host function to the capability it requires.
// kv_cas also needs kv.read on the key. reply needs none: it only answers a
// call addressed to the running job.
var FunctionCapability = map[string]string{
	FuncLog:         CapLog,
	FuncKVGet:       CapKVRead,
	FuncKVSet:       CapKVWrite,
	FuncKVDelete:    CapKVWrite,
	FuncKVCAS:       CapKVWrite,
	FuncSubmit:      CapSubmit,
	FuncTimerSet:    CapTimer,
	FuncTimerCron:   CapTimerCron,
	FuncTimerCancel: CapTimer,
	FuncShutdown:    CapShutdown,
	FuncCall:        CapCall,
	FuncReply:       "",
}

// KVAbsent passed as kv_cas old_len expects the key to be missing.
const KVAbsent uint32 = 0xFFFFFFFF

// Status is the result code returned by host functions.
type Status int32

// Host function status codes.
const (
	StatusOK               Status = 0
	StatusCapabilityDenied Status = -1
	StatusNotFound         Status = -2
	StatusInvalidArgument  Status = -3
	StatusInternal         Status = -4
	StatusBusy             Status = -5
	StatusLimitExceeded    Status = -6
	// StatusConflict means kv_cas found a value other than the expected one.
	StatusConflict Status = -7
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCapabilityDenied:
		return "capability_denied"
	case StatusNotFound:
		return "not_found"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusInternal:
		return "internal"
	case StatusBusy:
		return "busy"
	case StatusLimitExceeded:
		return "limit_exceeded"
	case StatusConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Log levels accepted by the log host function.
const (
	LevelDebug int32 = iota
	LevelInfo
	LevelWarn
	LevelError
)

// SharedKeyPrefix addresses another namespace from kv_* calls:
// "shared/<namespace>/<key>" requires the kv.shared.<namespace> capability.
const SharedKeyPrefix = "shared/"

// EventEnvelope is the payload passed to on_event.
type EventEnvelope struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload       string `json:"payload"`
	ReceivedAt    int64  `json:"received_at"`
}

// TimerPayload is the payload passed to on_timer.
type TimerPayload struct {
	TimerID int64  `json:"timer_id"`
	Tag     string `json:"tag"`
	FiredAt int64  `json:"fired_at"`
}

// CallPayload is the payload passed to on_call when another plugin calls
// this one. The callee answers with the reply host function before
// returning; its return status decides whether the caller sees OK.
type CallPayload struct {
	CallID   int64  `json:"call_id"`
	From     string `json:"from"`
	Function string `json:"function"`
	Params   string `json:"params"`
}

// ResultPayload is the payload passed to on_result when an outbound
// submit call or a call to another plugin completes.
type ResultPayload struct {
	CallID int64  `json:"call_id"`
	OK     bool   `json:"ok"`
	Body   string `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   int    `json:"code,omitempty"`
}
