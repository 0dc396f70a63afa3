// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

// Package wasmtest assembles small WebAssembly modules for tests. It emits
// the binary format directly so test fixtures need no external toolchain.
package wasmtest

import (
	"bytes"
	"slices"
)

// ValType is a WebAssembly value type.
type ValType byte

// Value types.
const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
)

// Opcodes used by the instruction helpers.
const (
	opUnreachable = 0x00
	opBlock       = 0x02
	opLoop        = 0x03
	opBr          = 0x0C
	opBrIf        = 0x0D
	opReturn      = 0x0F
	opCall        = 0x10
	opDrop        = 0x1A
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opI32Load     = 0x28
	opI32Store    = 0x36
	opI64GeS      = 0x59
	opI32Eq       = 0x46
	opI32Add      = 0x6A
	opI32Const    = 0x41
	opI64Const    = 0x42
	opEnd         = 0x0B
	opI32WrapI64  = 0xA7
	blockEmpty    = 0x40
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	externFunc   = 0x00
	externMemory = 0x02
)

type funcType struct {
	params, results []ValType
}

type importFunc struct {
	module, name string
	typeIdx      uint32
}

type function struct {
	typeIdx uint32
	locals  []ValType
	body    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type segment struct {
	offset uint32
	data   []byte
}

// Builder accumulates a module. Imports must be added before functions so
// function indices stay stable.
type Builder struct {
	types   []funcType
	imports []importFunc
	funcs   []function
	exports []export
	memory  *[2]uint32
	hasMax  bool
	data    []segment
}

// New returns an empty module builder.
func New() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(params, results []ValType) uint32 {
	for i, t := range b.types {
		if slices.Equal(t.params, params) && slices.Equal(t.results, results) {
			return uint32(i) //nolint:gosec // tiny test modules
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1) //nolint:gosec // tiny test modules
}

// Import declares an imported function and returns its function index.
func (b *Builder) Import(module, name string, params, results []ValType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	b.imports = append(b.imports, importFunc{module: module, name: name, typeIdx: b.typeIndex(params, results)})
	return uint32(len(b.imports) - 1) //nolint:gosec // tiny test modules
}

// Func defines a function and returns its function index. body is the
// instruction sequence without the trailing end opcode.
func (b *Builder) Func(params, results, locals []ValType, body ...[]byte) uint32 {
	b.funcs = append(b.funcs, function{
		typeIdx: b.typeIndex(params, results),
		locals:  locals,
		body:    append(bytes.Join(body, nil), opEnd),
	})
	return uint32(len(b.imports) + len(b.funcs) - 1) //nolint:gosec // tiny test modules
}

// Memory declares the module's memory with min pages and no maximum.
func (b *Builder) Memory(minPages uint32) *Builder {
	b.memory = &[2]uint32{minPages, 0}
	b.hasMax = false
	return b
}

// MemoryMax declares the module's memory with min and max pages.
func (b *Builder) MemoryMax(minPages, maxPages uint32) *Builder {
	b.memory = &[2]uint32{minPages, maxPages}
	b.hasMax = true
	return b
}

// Data places bytes at offset in memory 0.
func (b *Builder) Data(offset uint32, data []byte) *Builder {
	b.data = append(b.data, segment{offset: offset, data: data})
	return b
}

// Export exports function idx under name.
func (b *Builder) Export(name string, idx uint32) *Builder {
	b.exports = append(b.exports, export{name: name, kind: externFunc, idx: idx})
	return b
}

// ExportMemory exports memory 0 under name.
func (b *Builder) ExportMemory(name string) *Builder {
	b.exports = append(b.exports, export{name: name, kind: externMemory, idx: 0})
	return b
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00})

	if len(b.types) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.types))) //nolint:gosec // tiny test modules
		for _, t := range b.types {
			s = append(s, 0x60)
			s = appendValTypes(s, t.params)
			s = appendValTypes(s, t.results)
		}
		writeSection(&out, sectionType, s)
	}

	if len(b.imports) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.imports))) //nolint:gosec // tiny test modules
		for _, im := range b.imports {
			s = appendName(s, im.module)
			s = appendName(s, im.name)
			s = append(s, externFunc)
			s = appendU32(s, im.typeIdx)
		}
		writeSection(&out, sectionImport, s)
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.funcs))) //nolint:gosec // tiny test modules
		for _, f := range b.funcs {
			s = appendU32(s, f.typeIdx)
		}
		writeSection(&out, sectionFunction, s)
	}

	if b.memory != nil {
		s := appendU32(nil, 1)
		if b.hasMax {
			s = append(s, 0x01)
			s = appendU32(s, b.memory[0])
			s = appendU32(s, b.memory[1])
		} else {
			s = append(s, 0x00)
			s = appendU32(s, b.memory[0])
		}
		writeSection(&out, sectionMemory, s)
	}

	if len(b.exports) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.exports))) //nolint:gosec // tiny test modules
		for _, e := range b.exports {
			s = appendName(s, e.name)
			s = append(s, e.kind)
			s = appendU32(s, e.idx)
		}
		writeSection(&out, sectionExport, s)
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.funcs))) //nolint:gosec // tiny test modules
		for _, f := range b.funcs {
			var body []byte
			body = appendU32(body, uint32(len(f.locals))) //nolint:gosec // tiny test modules
			for _, l := range f.locals {
				body = appendU32(body, 1)
				body = append(body, byte(l))
			}
			body = append(body, f.body...)
			s = appendU32(s, uint32(len(body))) //nolint:gosec // tiny test modules
			s = append(s, body...)
		}
		writeSection(&out, sectionCode, s)
	}

	if len(b.data) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.data))) //nolint:gosec // tiny test modules
		for _, d := range b.data {
			s = append(s, 0x00)
			s = append(s, I32Const(int32(d.offset))...) //nolint:gosec // tiny test modules
			s = append(s, opEnd)
			s = appendU32(s, uint32(len(d.data))) //nolint:gosec // tiny test modules
			s = append(s, d.data...)
		}
		writeSection(&out, sectionData, s)
	}

	return out.Bytes()
}

func writeSection(out *bytes.Buffer, id byte, contents []byte) {
	out.WriteByte(id)
	out.Write(appendU32(nil, uint32(len(contents)))) //nolint:gosec // tiny test modules
	out.Write(contents)
}

func appendValTypes(b []byte, ts []ValType) []byte {
	b = appendU32(b, uint32(len(ts))) //nolint:gosec // tiny test modules
	for _, t := range ts {
		b = append(b, byte(t))
	}
	return b
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s))) //nolint:gosec // tiny test modules
	return append(b, s...)
}

func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendS64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7F)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}

// Instruction helpers.

// I32Const pushes v.
func I32Const(v int32) []byte { return appendS64([]byte{opI32Const}, int64(v)) }

// I64Const pushes v.
func I64Const(v int64) []byte { return appendS64([]byte{opI64Const}, v) }

// LocalGet pushes local i.
func LocalGet(i uint32) []byte { return appendU32([]byte{opLocalGet}, i) }

// LocalSet pops the top of stack into local i.
func LocalSet(i uint32) []byte { return appendU32([]byte{opLocalSet}, i) }

// I32Load loads an aligned i32 from the address on top of the stack.
func I32Load() []byte { return []byte{opI32Load, 2, 0} }

// I32Store stores an aligned i32 value at an address, both popped.
func I32Store() []byte { return []byte{opI32Store, 2, 0} }

// I32Add adds the two i32 values on top of the stack.
func I32Add() []byte { return []byte{opI32Add} }

// I32Eq compares the two i32 values on top of the stack.
func I32Eq() []byte { return []byte{opI32Eq} }

// I64GeS compares the two i64 values on top of the stack, signed.
func I64GeS() []byte { return []byte{opI64GeS} }

// Call calls function idx.
func Call(idx uint32) []byte { return appendU32([]byte{opCall}, idx) }

// Br branches to the label depth.
func Br(depth uint32) []byte { return appendU32([]byte{opBr}, depth) }

// BrIf branches to the label depth if the top of stack is non-zero.
func BrIf(depth uint32) []byte { return appendU32([]byte{opBrIf}, depth) }

// Loop opens a loop block with no result.
func Loop() []byte { return []byte{opLoop, blockEmpty} }

// Block opens a block with no result.
func Block() []byte { return []byte{opBlock, blockEmpty} }

// End closes a block.
func End() []byte { return []byte{opEnd} }

// Return returns from the function.
func Return() []byte { return []byte{opReturn} }

// Drop discards the top of stack.
func Drop() []byte { return []byte{opDrop} }

// Unreachable traps.
func Unreachable() []byte { return []byte{opUnreachable} }

// WrapI64 converts the i64 on top of the stack to i32.
func WrapI64() []byte { return []byte{opI32WrapI64} }
