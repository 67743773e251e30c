/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package interp evaluates a code stream against the program heap. The
// evaluator is deliberately minimal: no branches, no loops, no dispatch
// beyond the syscall number, because deterministic replay is the whole
// point.
package interp

import (
	"encoding/binary"
	"errors"

	"github.com/gravwell/dartrace/bytecode"
)

const (
	// MaxArgs is the syscall ABI arity bound.
	MaxArgs = 6

	instFixedSize = 8 + bytecode.LegoPackSize + 8
)

var (
	ErrTruncatedStream = errors.New("Code stream is truncated")
	ErrTooManyArgs     = errors.New("Instruction carries more than six arguments")
)

// Syscaller invokes one system call and returns the raw kernel result,
// negative errno encoded in two's complement. The guest binds this to the
// real trap; the test harness binds a recording fake.
type Syscaller interface {
	Syscall(sysno uint64, args [MaxArgs]uint64) uint64
}

// Tracer receives the context-change notifications sandwiching every
// replayed syscall. *dart.Runtime satisfies this directly; the guest binds
// the DART syscall stubs instead.
type Tracer interface {
	SyscallEnter(sysno uint64)
	SyscallExit(sysno uint64)
}

// Observer sees each completed syscall, the hook the strace printer hangs
// off. May be nil.
type Observer interface {
	Observe(sysno uint64, args []uint64, ret uint64)
}

// Inst is one decoded instruction: the syscall, where its result lands,
// and where its arguments come from.
type Inst struct {
	Sysno uint64
	Ret   bytecode.LegoPack
	Args  []bytecode.LegoPack
}

// Encode appends the packed form of the instruction.
func (in Inst) Encode(dst []byte) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], in.Sysno)
	dst = append(dst, b[:]...)
	dst = appendLego(dst, in.Ret)
	binary.LittleEndian.PutUint64(b[:], uint64(len(in.Args)))
	dst = append(dst, b[:]...)
	for _, a := range in.Args {
		dst = appendLego(dst, a)
	}
	return dst
}

func appendLego(dst []byte, lp bytecode.LegoPack) []byte {
	var b [bytecode.LegoPackSize]byte
	binary.LittleEndian.PutUint64(b[0:], lp.Offset)
	binary.LittleEndian.PutUint64(b[8:], lp.Width)
	binary.LittleEndian.PutUint64(b[16:], lp.Kind)
	return append(dst, b[:]...)
}

// EncodeStream packs a full code stream: the instruction count followed by
// the packed instructions.
func EncodeStream(insts []Inst) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(len(insts)))
	dst := append([]byte(nil), b[:]...)
	for _, in := range insts {
		dst = in.Encode(dst)
	}
	return dst
}

func decodeLego(b []byte) bytecode.LegoPack {
	return bytecode.LegoPack{
		Offset: binary.LittleEndian.Uint64(b[0:]),
		Width:  binary.LittleEndian.Uint64(b[8:]),
		Kind:   binary.LittleEndian.Uint64(b[16:]),
	}
}

// Interpret runs the code stream to completion. Each instruction loads its
// arguments from heap slots, traps sandwiched between the tracer's
// enter/exit notifications, and stores the result back into its slot.
func Interpret(code, heap []byte, sys Syscaller, tr Tracer, obs Observer) error {
	if len(code) < 8 {
		return ErrTruncatedStream
	}
	count := binary.LittleEndian.Uint64(code)
	code = code[8:]

	argbuf := make([]uint64, 0, MaxArgs)
	for i := uint64(0); i < count; i++ {
		if uint64(len(code)) < instFixedSize {
			return ErrTruncatedStream
		}
		sysno := binary.LittleEndian.Uint64(code)
		ret := decodeLego(code[8:])
		nargs := binary.LittleEndian.Uint64(code[8+bytecode.LegoPackSize:])
		code = code[instFixedSize:]
		if nargs > MaxArgs {
			return ErrTooManyArgs
		}
		if uint64(len(code)) < nargs*bytecode.LegoPackSize {
			return ErrTruncatedStream
		}

		var args [MaxArgs]uint64
		argbuf = argbuf[:0]
		for j := uint64(0); j < nargs; j++ {
			lp := decodeLego(code[j*bytecode.LegoPackSize:])
			args[j] = loadArg(lp, heap)
			argbuf = append(argbuf, args[j])
		}
		code = code[nargs*bytecode.LegoPackSize:]

		tr.SyscallEnter(sysno)
		rv := sys.Syscall(sysno, args)
		tr.SyscallExit(sysno)

		if ret.Kind != bytecode.KindNone {
			ret.Store(heap, rv)
		}
		if obs != nil {
			obs.Observe(sysno, argbuf, rv)
		}
	}
	return nil
}

func loadArg(lp bytecode.LegoPack, heap []byte) uint64 {
	switch lp.Kind {
	case bytecode.KindNone:
		return 0
	case bytecode.KindPointer:
		// pointer slots hold absolute addresses after the fixup pass
		return binary.LittleEndian.Uint64(heap[lp.Offset:])
	default:
		return lp.Load(heap)
	}
}
