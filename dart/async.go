/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dart

import "github.com/gravwell/dartrace/hmap"

// Async correlates a scheduled callback with the flow that scheduled it.
// The scheduling flow's control block is copied by value into the record;
// the servicer later runs under that stolen snapshot so the race model
// credits the work to its initiator.
type Async struct {
	Func    uint64
	Serving uint64
	Info    uint64
	Host    CB
}

// Event is the wait/notify flavor of the same pairing: a waiter parks its
// context, the notifier briefly executes under it.
type Event struct {
	Func    uint64
	Serving uint64

	Waiter   PTID
	Notifier PTID

	Info uint64
	Host CB

	// the notifier's own state, put back by EventExit
	prev CB
}

// SyncCell remembers the last flow that released a lock word, pairing
// releases with subsequent acquires for the ordering log.
type SyncCell struct {
	PTID PTID
	Ctxt uint64
	seq  uint64
}

// AsyncRegister snapshots the current context under the callback key.
func (r *Runtime) AsyncRegister(fn uint64) {
	cb, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	rec := r.asyncs.GetSlot(fn)
	rec.Func = fn
	rec.Info = cb.Info
	rec.Host = cb.snapshot()
}

// AsyncEnter restores the stolen snapshot as the servicer's active tracing
// context for the duration of the callback.
func (r *Runtime) AsyncEnter(fn uint64) {
	if !r.data.Acquire() {
		return
	}
	defer r.data.Release()
	rec := r.asyncs.HasSlot(fn)
	if rec == nil || rec.Func == 0 {
		return
	}
	ptid := r.ptid()
	rec.Serving = uint64(ptid)

	cb := r.cbs.GetSlot(uint32(ptid))
	if cb.PTID != ptid {
		cb.reset(ptid)
	}
	cb.Tracing = true
	cb.Ctxt = rec.Host.Ctxt
	cb.Info = rec.Info
	cb.LastBlk = 0
	cb.StackDepth = 0
}

// AsyncExit clears the stolen context once the servicing completes.
func (r *Runtime) AsyncExit(fn uint64) {
	if !r.data.Acquire() {
		return
	}
	defer r.data.Release()
	rec := r.asyncs.HasSlot(fn)
	if rec == nil || rec.Serving != uint64(r.ptid()) {
		return
	}
	rec.Func = 0
	rec.Serving = 0
	if cb := r.cbs.HasSlot(uint32(r.ptid())); cb != nil {
		cb.Tracing = false
		cb.Ctxt = 0
	}
}

// EventWait parks the waiting flow's context under the event key.
func (r *Runtime) EventWait(ev uint64) {
	cb, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	rec := r.events.GetSlot(ev)
	rec.Func = ev
	rec.Waiter = cb.PTID
	rec.Info = cb.Info
	rec.Host = cb.snapshot()
}

// EventNotify pairs the notifier with the parked waiter and attaches the
// waiter's context, so the race model credits the wakeup work to the flow
// that asked for it. The matching EventExit puts the notifier back.
func (r *Runtime) EventNotify(ev uint64) {
	if !r.data.Acquire() {
		return
	}
	defer r.data.Release()
	rec := r.events.HasSlot(ev)
	if rec == nil || rec.Func == 0 {
		return
	}
	ptid := r.ptid()
	if rec.Waiter == ptid {
		return
	}
	rec.Notifier = ptid
	r.eventEnter(rec, ptid)
}

// EventEnter restores a parked waiter context without the notifier
// pairing, for wakeup paths the instrumentation splits across functions.
func (r *Runtime) EventEnter(ev uint64) {
	if !r.data.Acquire() {
		return
	}
	defer r.data.Release()
	rec := r.events.HasSlot(ev)
	if rec == nil || rec.Func == 0 {
		return
	}
	r.eventEnter(rec, r.ptid())
}

// eventEnter swaps the waiter's stolen snapshot into the serving flow's
// live control block; callers hold the data switch.
func (r *Runtime) eventEnter(rec *Event, ptid PTID) {
	rec.Serving = uint64(ptid)

	cb := r.cbs.GetSlot(uint32(ptid))
	if cb.PTID != ptid {
		cb.reset(ptid)
	}
	rec.prev = cb.snapshot()
	cb.Tracing = true
	cb.Ctxt = rec.Host.Ctxt
	cb.Info = rec.Info
	cb.LastBlk = 0
	cb.StackDepth = 0
}

// EventExit restores the notifier's own context once the wakeup work
// completes and retires the event record.
func (r *Runtime) EventExit(ev uint64) {
	if !r.data.Acquire() {
		return
	}
	defer r.data.Release()
	rec := r.events.HasSlot(ev)
	if rec == nil || rec.Serving != uint64(r.ptid()) {
		return
	}
	rec.Func = 0
	rec.Serving = 0
	if cb := r.cbs.HasSlot(uint32(r.ptid())); cb != nil {
		cb.Tracing = rec.prev.Tracing
		cb.Ctxt = rec.prev.Ctxt
		cb.Info = rec.prev.Info
		cb.LastBlk = rec.prev.LastBlk
		cb.StackDepth = rec.prev.StackDepth
	}
}

// SyncAcquire pairs a lock acquisition with the last release of the same
// word; a cross-flow pairing is an observed ordering edge.
func (r *Runtime) SyncAcquire(lock uint64) {
	cb, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	cell := r.locks.HasSlot(AddrToShadow(lock))
	if cell == nil || cell.seq != r.runSeq || cell.PTID == 0 || cell.PTID == cb.PTID {
		return
	}
	edge := uint32(hmap.Hash64Chain(cell.Ctxt, cb.Ctxt, covHashBits))
	if !r.covDFG.TestAndSet(edge) {
		r.rtinfo.IncrCovDFGEdge()
	}
}

// SyncRelease records the releasing flow for the lock word.
func (r *Runtime) SyncRelease(lock uint64) {
	cb, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	cell := r.locks.GetSlot(AddrToShadow(lock))
	cell.PTID = cb.PTID
	cell.Ctxt = cb.Ctxt
	cell.seq = r.runSeq
}
