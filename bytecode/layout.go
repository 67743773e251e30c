/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package bytecode implements the program region the host synthesizer
// writes and the guest replays: a magic-tagged head, a pointer-fixup
// table, an fd table of lego packs, per-thread code streams, and the
// shared heap.
package bytecode

import (
	"encoding/binary"
	"errors"
)

const (
	// Magic tags the first 8 bytes of a valid program region.
	Magic = "bytecode"

	HeadSize     = 8 + 3*8
	LegoPackSize = 3 * 8

	// MaxThreads bounds the worker pool a program may request.
	MaxThreads = 64
)

// lego slot kinds: how the interpreter reads and writes the heap word
const (
	KindNone uint64 = iota
	KindUnsigned
	KindSigned
	KindPointer
)

var (
	ErrCorruptHeader = errors.New("Bytecode header is corrupted")
	ErrCorruptRegion = errors.New("Bytecode region is corrupted")
	ErrTooManyThread = errors.New("Bytecode requests too many threads")
)

// LegoPack is a typed descriptor of a heap location: offset into the
// heap, access width in bytes (1/2/4/8), and the value kind. It is the
// ABI between the interpreter and the program's typed value model.
type LegoPack struct {
	Offset uint64
	Width  uint64
	Kind   uint64
}

func (lp LegoPack) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], lp.Offset)
	binary.LittleEndian.PutUint64(b[8:], lp.Width)
	binary.LittleEndian.PutUint64(b[16:], lp.Kind)
}

func decodeLegoPack(b []byte) (lp LegoPack) {
	lp.Offset = binary.LittleEndian.Uint64(b[0:])
	lp.Width = binary.LittleEndian.Uint64(b[8:])
	lp.Kind = binary.LittleEndian.Uint64(b[16:])
	return
}

// Load reads the slot's current heap value, sign-extending signed kinds.
func (lp LegoPack) Load(heap []byte) uint64 {
	w := heap[lp.Offset:]
	switch lp.Width {
	case 1:
		v := uint64(w[0])
		if lp.Kind == KindSigned {
			return uint64(int64(int8(v)))
		}
		return v
	case 2:
		v := uint64(binary.LittleEndian.Uint16(w))
		if lp.Kind == KindSigned {
			return uint64(int64(int16(v)))
		}
		return v
	case 4:
		v := uint64(binary.LittleEndian.Uint32(w))
		if lp.Kind == KindSigned {
			return uint64(int64(int32(v)))
		}
		return v
	default:
		return binary.LittleEndian.Uint64(w)
	}
}

// Store writes a value back into the slot, truncating to the slot width.
func (lp LegoPack) Store(heap []byte, v uint64) {
	w := heap[lp.Offset:]
	switch lp.Width {
	case 1:
		w[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(w, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(w, uint32(v))
	default:
		binary.LittleEndian.PutUint64(w, v)
	}
}

// valid reports whether the pack can address the given heap.
func (lp LegoPack) valid(heapSize uint64) bool {
	switch lp.Width {
	case 1, 2, 4, 8:
	default:
		return false
	}
	return lp.Offset+lp.Width <= heapSize
}
