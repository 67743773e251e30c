/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dart

// Memory shadowing is 8-byte granular: every tracked address aliases to
// its shadow cell, and the reader/writer tables remember the last flow
// that touched each cell. A race is a disagreement on the owning flow
// within the same run between a read and a prior write, or between a
// write and any prior access.

const shadowMask = ^uint64(0x7)

// AddrToShadow folds an address onto its 8-byte shadow cell.
func AddrToShadow(addr uint64) uint64 {
	return addr & shadowMask
}

// MemCell is the last-access record for one shadow cell.
type MemCell struct {
	PTID PTID
	Ctxt uint64
	Inst uint64

	// seq stamps the run the record belongs to; stale cells from prior
	// launches never witness races
	seq uint64
}

func (mc *MemCell) live(seq uint64) bool {
	return mc.seq == seq && mc.PTID != 0
}

// MemRead is the load hook: record the access in the reader table and
// cross-check the writer table for a conflicting flow.
func (r *Runtime) MemRead(inst, addr, size uint64) {
	cb, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	if cb.masked(addr) {
		return
	}
	shadow := AddrToShadow(addr)

	if w := r.writers.HasSlot(shadow); w != nil && w.live(r.runSeq) && w.PTID != cb.PTID {
		r.covAliasPair(w.Inst, inst)
		r.rtrace.Record(w.Inst, inst, addr, size)
	}

	cell := r.readers.GetSlot(shadow)
	cell.PTID = cb.PTID
	cell.Ctxt = cb.Ctxt
	cell.Inst = inst
	cell.seq = r.runSeq
}

// MemWrite is the store hook: symmetric to MemRead but a write conflicts
// with both prior readers and prior writers.
func (r *Runtime) MemWrite(inst, addr, size uint64) {
	cb, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	if cb.masked(addr) {
		return
	}
	shadow := AddrToShadow(addr)

	if w := r.writers.HasSlot(shadow); w != nil && w.live(r.runSeq) && w.PTID != cb.PTID {
		r.covAliasPair(w.Inst, inst)
		r.rtrace.Record(w.Inst, inst, addr, size)
	}
	if rd := r.readers.HasSlot(shadow); rd != nil && rd.live(r.runSeq) && rd.PTID != cb.PTID {
		r.covAliasPair(rd.Inst, inst)
		r.rtrace.Record(rd.Inst, inst, addr, size)
	}

	cell := r.writers.GetSlot(shadow)
	cell.PTID = cb.PTID
	cell.Ctxt = cb.Ctxt
	cell.Inst = inst
	cell.seq = r.runSeq
}

// MemStackPush masks an alloca extent for the owning flow; accesses inside
// a pushed extent are the flow's private frame and never race.
func (r *Runtime) MemStackPush(addr, size uint64) {
	cb, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	if !cb.pushExtent(addr, size) {
		r.logf("stack extent overflow in %v", cb.PTID)
		r.rtinfo.SetWarnOrError()
	}
}

// MemStackPop drops the innermost pushed extent.
func (r *Runtime) MemStackPop(addr uint64) {
	cb, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	if !cb.popExtent() {
		r.logf("stack extent underflow in %v", cb.PTID)
		r.rtinfo.SetWarnOrError()
	}
}
