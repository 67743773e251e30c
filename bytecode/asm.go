/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package bytecode

import (
	"encoding/binary"
	"errors"
)

var (
	ErrNoHeap       = errors.New("Assembler requires a heap image")
	ErrDestTooSmall = errors.New("Destination buffer cannot hold the program")
)

// Assembler is the emit side of the program layout, used by the host
// synthesizer's Go tooling and by the test suite to produce valid images.
// Streams are opaque here; the interpreter package owns their encoding.
type Assembler struct {
	heap    []byte
	ptrs    []uint64
	fds     []LegoPack
	main    []byte
	threads [][]byte
}

func NewAssembler(heap []byte) *Assembler {
	return &Assembler{heap: heap}
}

// AddPtrFixup marks the heap word at off as a relative pointer the loader
// must rebase.
func (a *Assembler) AddPtrFixup(off uint64) {
	a.ptrs = append(a.ptrs, off)
}

// AddFD records a heap slot holding a file descriptor to close at program
// end.
func (a *Assembler) AddFD(lp LegoPack) {
	a.fds = append(a.fds, lp)
}

// SetMain installs the precall stream.
func (a *Assembler) SetMain(code []byte) {
	a.main = code
}

// AddThread appends a worker stream and returns its index.
func (a *Assembler) AddThread(code []byte) int {
	a.threads = append(a.threads, code)
	return len(a.threads) - 1
}

// Size reports the encoded image size.
func (a *Assembler) Size() uint64 {
	sz := uint64(HeadSize)
	sz += 8 + uint64(len(a.ptrs))*8
	sz += 8 + uint64(len(a.fds))*LegoPackSize
	sz += 16 + uint64(len(a.threads))*8
	sz += uint64(len(a.main))
	for _, t := range a.threads {
		sz += uint64(len(t))
	}
	sz += uint64(len(a.heap))
	return sz
}

// EncodeTo lays the program out into dst, which is typically the 48MB
// bytecode window of the shared region.
func (a *Assembler) EncodeTo(dst []byte) error {
	if len(a.heap) == 0 {
		return ErrNoHeap
	}
	if len(a.threads) > MaxThreads {
		return ErrTooManyThread
	}
	if uint64(len(dst)) < a.Size() {
		return ErrDestTooSmall
	}

	offMeta := uint64(HeadSize)
	metaSize := 8 + uint64(len(a.ptrs))*8 + 8 + uint64(len(a.fds))*LegoPackSize
	offCode := offMeta + metaSize

	// code region: header, then the main stream, then worker streams
	codeHdr := 16 + uint64(len(a.threads))*8
	offsetMain := codeHdr
	codeSize := codeHdr + uint64(len(a.main))
	threadOffs := make([]uint64, len(a.threads))
	for i, t := range a.threads {
		threadOffs[i] = codeSize
		codeSize += uint64(len(t))
	}
	offHeap := offCode + codeSize

	copy(dst[:8], Magic)
	binary.LittleEndian.PutUint64(dst[8:], offMeta)
	binary.LittleEndian.PutUint64(dst[16:], offCode)
	binary.LittleEndian.PutUint64(dst[24:], offHeap)

	cur := offMeta
	binary.LittleEndian.PutUint64(dst[cur:], uint64(len(a.ptrs)))
	cur += 8
	for _, p := range a.ptrs {
		binary.LittleEndian.PutUint64(dst[cur:], p)
		cur += 8
	}
	binary.LittleEndian.PutUint64(dst[cur:], uint64(len(a.fds)))
	cur += 8
	for _, lp := range a.fds {
		lp.encode(dst[cur:])
		cur += LegoPackSize
	}

	binary.LittleEndian.PutUint64(dst[cur:], uint64(len(a.threads)))
	binary.LittleEndian.PutUint64(dst[cur+8:], offsetMain)
	cur += 16
	for _, to := range threadOffs {
		binary.LittleEndian.PutUint64(dst[cur:], to)
		cur += 8
	}
	cur += uint64(copy(dst[cur:], a.main))
	for _, t := range a.threads {
		cur += uint64(copy(dst[cur:], t))
	}
	copy(dst[cur:], a.heap)
	return nil
}

// Encode allocates and lays out a standalone image.
func (a *Assembler) Encode() ([]byte, error) {
	dst := make([]byte, a.Size())
	if err := a.EncodeTo(dst); err != nil {
		return nil, err
	}
	return dst, nil
}
