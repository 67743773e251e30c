/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package bytecode

import (
	"bytes"
	"encoding/binary"
	"unsafe"
)

// Program is the loaded, pointer-fixed view of the region. The code and
// heap slices alias the shared region; the heap is live memory for the
// duration of the run.
type Program struct {
	Code       []byte
	Heap       []byte
	OffsetMain uint64
	ThreadOffs []uint64
	FDs        []LegoPack
}

// NumThreads is the worker count the program requests.
func (p *Program) NumThreads() int {
	return len(p.ThreadOffs)
}

// MainCode returns the precall stream, executed single threaded before
// the workers release.
func (p *Program) MainCode() []byte {
	return p.Code[p.OffsetMain:]
}

// ThreadCode returns worker i's code stream.
func (p *Program) ThreadCode(i int) []byte {
	return p.Code[p.ThreadOffs[i]:]
}

// HeapBase is the absolute address of the heap, the value the fixup pass
// folded into every non-zero pointer slot.
func (p *Program) HeapBase() uint64 {
	return uint64(uintptr(unsafe.Pointer(&p.Heap[0])))
}

// Load parses the program region, verifying every cursor checkpoint, and
// performs the pointer-fixup pass exactly once: each word named by the ptr
// table gains the absolute heap base unless it holds zero (a null
// pointer). The fixup only runs after the whole region has validated, so
// a rejected load never mutates the heap.
func Load(region []byte) (*Program, error) {
	if uint64(len(region)) < HeadSize {
		return nil, ErrCorruptHeader
	}
	if !bytes.Equal(region[:8], []byte(Magic)) {
		return nil, ErrCorruptHeader
	}
	offMeta := binary.LittleEndian.Uint64(region[8:])
	offCode := binary.LittleEndian.Uint64(region[16:])
	offHeap := binary.LittleEndian.Uint64(region[24:])

	size := uint64(len(region))
	if offMeta > size || offCode > size || offHeap > size || offMeta > offCode || offCode > offHeap {
		return nil, ErrCorruptHeader
	}

	cur := uint64(HeadSize)
	if cur != offMeta {
		return nil, ErrCorruptHeader
	}

	heap := region[offHeap:]
	heapSize := uint64(len(heap))
	heapBase := uint64(uintptr(unsafe.Pointer(&heap[0])))

	// ptr table: collect the words to rebase, applied after validation
	if cur+8 > offCode {
		return nil, ErrCorruptRegion
	}
	numPtrs := binary.LittleEndian.Uint64(region[cur:])
	cur += 8
	if cur+numPtrs*8 > offCode {
		return nil, ErrCorruptRegion
	}
	ptrOffs := make([]uint64, 0, numPtrs)
	for i := uint64(0); i < numPtrs; i++ {
		off := binary.LittleEndian.Uint64(region[cur+i*8:])
		if off+8 > heapSize {
			return nil, ErrCorruptRegion
		}
		ptrOffs = append(ptrOffs, off)
	}
	cur += numPtrs * 8

	// fd table: recorded for end-of-run closing, nothing mutated here
	if cur+8 > offCode {
		return nil, ErrCorruptRegion
	}
	numFds := binary.LittleEndian.Uint64(region[cur:])
	cur += 8
	if cur+numFds*LegoPackSize > offCode {
		return nil, ErrCorruptRegion
	}
	fds := make([]LegoPack, 0, numFds)
	for i := uint64(0); i < numFds; i++ {
		lp := decodeLegoPack(region[cur+i*LegoPackSize:])
		if !lp.valid(heapSize) {
			return nil, ErrCorruptRegion
		}
		fds = append(fds, lp)
	}
	cur += numFds * LegoPackSize
	if cur != offCode {
		return nil, ErrCorruptRegion
	}

	// code header
	if cur+16 > offHeap {
		return nil, ErrCorruptRegion
	}
	numThreads := binary.LittleEndian.Uint64(region[cur:])
	offsetMain := binary.LittleEndian.Uint64(region[cur+8:])
	cur += 16
	if numThreads > MaxThreads {
		return nil, ErrTooManyThread
	}
	if cur+numThreads*8 > offHeap {
		return nil, ErrCorruptRegion
	}
	code := region[offCode:offHeap]
	threadOffs := make([]uint64, 0, numThreads)
	for i := uint64(0); i < numThreads; i++ {
		to := binary.LittleEndian.Uint64(region[cur+i*8:])
		if to >= uint64(len(code)) {
			return nil, ErrCorruptRegion
		}
		threadOffs = append(threadOffs, to)
	}
	cur += numThreads * 8
	if cur != offCode+offsetMain || offsetMain >= uint64(len(code)) {
		return nil, ErrCorruptRegion
	}

	// every checkpoint held; rebase the non-zero pointer words onto the
	// live heap
	for _, off := range ptrOffs {
		word := heap[off:]
		if v := binary.LittleEndian.Uint64(word); v != 0 {
			binary.LittleEndian.PutUint64(word, v+heapBase)
		}
	}

	return &Program{
		Code:       code,
		Heap:       heap,
		OffsetMain: offsetMain,
		ThreadOffs: threadOffs,
		FDs:        fds,
	}, nil
}
