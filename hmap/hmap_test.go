/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package hmap

import (
	"sync"
	"testing"
)

func TestGetSlotIdempotent(t *testing.T) {
	m := New[uint64, int](10)
	keys := []uint64{1, 2, 3, 0xdeadbeef, 1 << 40, 77777}
	ptrs := make(map[uint64]*int)
	for _, k := range keys {
		ptrs[k] = m.GetSlot(k)
	}
	for _, k := range keys {
		if m.GetSlot(k) != ptrs[k] {
			t.Fatalf("GetSlot(%d) moved", k)
		}
		if m.HasSlot(k) != ptrs[k] {
			t.Fatalf("HasSlot(%d) disagrees with GetSlot", k)
		}
	}
}

func TestHasSlotUnseen(t *testing.T) {
	m := New[uint32, int](8)
	m.GetSlot(42)
	if m.HasSlot(43) != nil {
		t.Fatal("HasSlot returned a cell for an unseen key")
	}
	if m.HasSlot(42) == nil {
		t.Fatal("HasSlot lost an inserted key")
	}
}

func TestZeroKeyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("zero key did not panic")
		}
	}()
	m := New[uint64, int](4)
	m.GetSlot(0)
}

func TestOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("overflow did not panic")
		}
	}()
	m := New[uint64, int](2)
	for k := uint64(1); k <= 16; k++ {
		m.GetSlot(k)
	}
}

func TestValuesStick(t *testing.T) {
	m := New[uint64, uint64](8)
	for k := uint64(1); k <= 100; k++ {
		*m.GetSlot(k) = k * 10
	}
	for k := uint64(1); k <= 100; k++ {
		if v := m.HasSlot(k); v == nil || *v != k*10 {
			t.Fatalf("value for key %d did not stick", k)
		}
	}
}

func TestForEach(t *testing.T) {
	m := New[uint64, uint64](8)
	want := make(map[uint64]uint64)
	for k := uint64(1); k <= 50; k++ {
		*m.GetSlot(k) = k + 1000
		want[k] = k + 1000
	}
	got := make(map[uint64]uint64)
	m.ForEach(func(k uint64, v *uint64) {
		got[k] = *v
	})
	if len(got) != len(want) {
		t.Fatalf("ForEach visited %d cells, wanted %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("ForEach mismatch on key %d: %d != %d", k, got[k], v)
		}
	}
}

func TestConcurrentGetSlot(t *testing.T) {
	m := New[uint64, uint64](12)
	const workers = 8
	const keys = 512

	ptrs := make([][]*uint64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ptrs[w] = make([]*uint64, keys)
			for k := uint64(1); k <= keys; k++ {
				ptrs[w][k-1] = m.GetSlot(k)
			}
		}(w)
	}
	wg.Wait()

	// every worker must have landed on the same cell per key
	for k := 0; k < keys; k++ {
		for w := 1; w < workers; w++ {
			if ptrs[w][k] != ptrs[0][k] {
				t.Fatalf("key %d resolved to different cells across workers", k+1)
			}
		}
	}
}

func TestCantorPair(t *testing.T) {
	seen := make(map[uint64]bool)
	for n := uint64(0); n < 64; n++ {
		for m := uint64(0); m < 64; m++ {
			p := CantorPair(n, m)
			if seen[p] {
				t.Fatalf("cantor pair collision at (%d, %d)", n, m)
			}
			seen[p] = true
		}
	}
}

func TestHash64Width(t *testing.T) {
	for bits := uint(12); bits <= 24; bits += 4 {
		for n := uint64(1); n < 1000; n += 7 {
			if h := Hash64(n, bits); h >= 1<<bits {
				t.Fatalf("Hash64(%d, %d) = %d out of range", n, bits, h)
			}
		}
	}
}
