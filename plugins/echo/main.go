// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

//go:build tinygo || wasm

// Package main implements an echo bot plugin for ComposeBot.
// It answers "/echo <text>" by replying with <text> in the same chat.
//
// Build with TinyGo:
//
//	tinygo build -o plugin.wasm -target=wasi -no-debug ./plugins/echo
//
// The plugin exports:
//   - alloc(size i32) -> ptr i32: Allocate memory for host to write data
//   - on_event(ptr i32, len i32) -> i32: Handle an event envelope
//   - on_result(ptr i32, len i32) -> i32: Observe the submit outcome
package main

import (
	"encoding/json"
	"unsafe"
)

// envelope matches abi.EventEnvelope.
type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// command is the payload of command.<name> events.
type command struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	Args      string `json:"args"`
}

type reply struct {
	ChatID  int64  `json:"chat_id"`
	Text    string `json:"text"`
	ReplyTo int    `json:"reply_to,omitempty"`
}

// result matches abi.ResultPayload.
type result struct {
	CallID int64  `json:"call_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

const (
	levelInfo = 1
	levelWarn = 2
)

//go:wasmimport composebot log
func hostLog(level, ptr, length uint32) int32

//go:wasmimport composebot submit
func hostSubmit(routePtr, routeLen, bodyPtr, bodyLen uint32) int64

// Memory management for WASM
var (
	allocOffset uint32 = 1 << 16 // Start allocating after the first page
)

//export alloc
func alloc(size uint32) uint32 {
	ptr := allocOffset
	allocOffset += size
	return ptr
}

func read(ptr, length uint32) []byte {
	buf := make([]byte, length)
	for i := uint32(0); i < length; i++ {
		buf[i] = *(*byte)(unsafe.Pointer(uintptr(ptr + i)))
	}
	return buf
}

func bytesPtr(b []byte) (uint32, uint32) {
	if len(b) == 0 {
		return 0, 0
	}
	return uint32(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b))
}

func logf(level uint32, msg string) {
	p, n := bytesPtr([]byte(msg))
	hostLog(level, p, n)
}

//export on_event
func onEvent(ptr, length uint32) int32 {
	var ev envelope
	if err := json.Unmarshal(read(ptr, length), &ev); err != nil {
		return -1
	}
	if ev.Type != "command.echo" {
		return 0
	}

	var cmd command
	if err := json.Unmarshal([]byte(ev.Payload), &cmd); err != nil {
		return -1
	}
	if cmd.Args == "" {
		return 0
	}

	body, err := json.Marshal(reply{ChatID: cmd.ChatID, Text: cmd.Args, ReplyTo: cmd.MessageID})
	if err != nil {
		return -1
	}
	route := []byte("reply")
	rp, rn := bytesPtr(route)
	bp, bn := bytesPtr(body)
	if id := hostSubmit(rp, rn, bp, bn); id < 0 {
		logf(levelWarn, "submit refused")
		return int32(id)
	}
	return 0
}

//export on_result
func onResult(ptr, length uint32) int32 {
	var res result
	if err := json.Unmarshal(read(ptr, length), &res); err != nil {
		return -1
	}
	if !res.OK {
		logf(levelWarn, "reply failed: "+res.Error)
		return 0
	}
	logf(levelInfo, "echoed")
	return 0
}

func main() {}
