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
	"testing"
)

func testImage(t *testing.T) []byte {
	heap := make([]byte, 256)
	// slot 0 holds a relative pointer to offset 64
	binary.LittleEndian.PutUint64(heap[0:], 64)
	// slot 8 is a null pointer
	binary.LittleEndian.PutUint64(heap[8:], 0)
	// slot 16 will hold an fd at runtime

	a := NewAssembler(heap)
	a.AddPtrFixup(0)
	a.AddPtrFixup(8)
	a.AddFD(LegoPack{Offset: 16, Width: 4, Kind: KindSigned})
	a.SetMain([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	a.AddThread([]byte{9, 10, 11, 12})
	a.AddThread([]byte{13, 14, 15, 16})

	img, err := a.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestLoadFixup(t *testing.T) {
	img := testImage(t)
	prog, err := Load(img)
	if err != nil {
		t.Fatal(err)
	}
	if prog.NumThreads() != 2 {
		t.Fatalf("thread count %d != 2", prog.NumThreads())
	}
	if len(prog.FDs) != 1 {
		t.Fatalf("fd count %d != 1", len(prog.FDs))
	}

	base := prog.HeapBase()
	// the non-zero pointer word gained the heap base
	if got := binary.LittleEndian.Uint64(prog.Heap[0:]); got != base+64 {
		t.Fatalf("pointer slot not rebased: 0x%x != 0x%x", got, base+64)
	}
	// the null pointer stayed null
	if got := binary.LittleEndian.Uint64(prog.Heap[8:]); got != 0 {
		t.Fatalf("null pointer slot mutated: 0x%x", got)
	}

	// every fixed pointer lands inside the live heap
	heapEnd := base + uint64(len(prog.Heap))
	if got := binary.LittleEndian.Uint64(prog.Heap[0:]); got < base || got >= heapEnd {
		t.Fatalf("fixed pointer 0x%x escapes the heap [0x%x, 0x%x)", got, base, heapEnd)
	}

	// streams are suffixes of the code region; check their leading bytes
	if !bytes.HasPrefix(prog.MainCode(), []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatal("main stream scrambled")
	}
	if !bytes.Equal(prog.ThreadCode(0), append([]byte{9, 10, 11, 12}, prog.ThreadCode(1)...)) {
		t.Fatal("thread stream 0 scrambled")
	}
	if !bytes.Equal(prog.ThreadCode(1), []byte{13, 14, 15, 16}) {
		t.Fatal("thread stream 1 scrambled")
	}
}

func TestCorruptMagic(t *testing.T) {
	img := testImage(t)
	heapOff := binary.LittleEndian.Uint64(img[24:])
	pristine := append([]byte(nil), img[heapOff:]...)

	copy(img[:8], "badmagic")
	if _, err := Load(img); err != ErrCorruptHeader {
		t.Fatalf("bad magic yielded %v", err)
	}
	// rejection must not have touched the heap
	if !bytes.Equal(img[heapOff:], pristine) {
		t.Fatal("heap mutated by rejected load")
	}
}

func TestCorruptHeadOffsets(t *testing.T) {
	img := testImage(t)
	// meta offset not immediately after the head
	binary.LittleEndian.PutUint64(img[8:], HeadSize+8)
	if _, err := Load(img); err != ErrCorruptHeader {
		t.Fatalf("misaligned meta yielded %v", err)
	}
}

func TestCorruptPtrTable(t *testing.T) {
	img := testImage(t)
	// a fixup offset outside the heap
	binary.LittleEndian.PutUint64(img[HeadSize+8:], 1<<40)
	if _, err := Load(img); err != ErrCorruptRegion {
		t.Fatalf("wild fixup offset yielded %v", err)
	}
}

func TestCorruptCodeHeader(t *testing.T) {
	img := testImage(t)
	heapOff := binary.LittleEndian.Uint64(img[24:])
	codeOff := binary.LittleEndian.Uint64(img[16:])
	pristine := append([]byte(nil), img[heapOff:]...)

	// claim one more thread than the region holds
	binary.LittleEndian.PutUint64(img[codeOff:], 3)
	if _, err := Load(img); err != ErrCorruptRegion {
		t.Fatalf("bad thread count yielded %v", err)
	}
	// rejection must not have touched the heap
	if !bytes.Equal(img[heapOff:], pristine) {
		t.Fatal("heap mutated by rejected load")
	}
}

func TestTooManyThreads(t *testing.T) {
	img := testImage(t)
	codeOff := binary.LittleEndian.Uint64(img[16:])
	binary.LittleEndian.PutUint64(img[codeOff:], MaxThreads+1)
	if _, err := Load(img); err != ErrTooManyThread {
		t.Fatalf("oversized thread count yielded %v", err)
	}
}

func TestLegoLoadStore(t *testing.T) {
	heap := make([]byte, 64)

	lp := LegoPack{Offset: 0, Width: 1, Kind: KindSigned}
	lp.Store(heap, 0xff)
	if v := lp.Load(heap); int64(v) != -1 {
		t.Fatalf("signed byte loaded as %d", int64(v))
	}

	lp = LegoPack{Offset: 8, Width: 2, Kind: KindUnsigned}
	lp.Store(heap, 0x1ffff)
	if v := lp.Load(heap); v != 0xffff {
		t.Fatalf("u16 store did not truncate: 0x%x", v)
	}

	lp = LegoPack{Offset: 16, Width: 4, Kind: KindSigned}
	lp.Store(heap, uint64(0xfffffffe))
	if v := lp.Load(heap); int64(v) != -2 {
		t.Fatalf("signed dword loaded as %d", int64(v))
	}

	lp = LegoPack{Offset: 24, Width: 8, Kind: KindUnsigned}
	lp.Store(heap, 0x123456789abcdef0)
	if v := lp.Load(heap); v != 0x123456789abcdef0 {
		t.Fatalf("qword roundtrip broken: 0x%x", v)
	}
}
