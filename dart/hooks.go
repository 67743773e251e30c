/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dart

import (
	"fmt"

	"github.com/gravwell/dartrace/hmap"
)

// The hooks in this file are the entry points the instrumentation pass
// compiles into the kernel under test: function entry/exit balancing,
// pause/resume, and the three coverage feeds.

// ExecFuncEnter bumps the call-stack balance for the current flow.
func (r *Runtime) ExecFuncEnter(fn uint64) {
	cb, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	cb.StackDepth++
	cb.Info = fn
}

// ExecFuncExit unbumps the balance; going negative means an exit the
// instrumentation never saw an entry for.
func (r *Runtime) ExecFuncExit(fn uint64) {
	cb, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	if cb.StackDepth--; cb.StackDepth < 0 {
		r.Bug(fmt.Sprintf("func exit without entry in %v", cb.PTID))
	}
}

// ExecPause short-circuits hook bodies for the current flow until the
// matching resume. The counter is recursive.
func (r *Runtime) ExecPause() {
	if !r.data.Acquire() {
		return
	}
	defer r.data.Release()
	if cb := r.cbs.HasSlot(uint32(r.ptid())); cb != nil && cb.Tracing {
		cb.Paused++
	}
}

func (r *Runtime) ExecResume() {
	if !r.data.Acquire() {
		return
	}
	defer r.data.Release()
	cb := r.cbs.HasSlot(uint32(r.ptid()))
	if cb == nil || !cb.Tracing {
		return
	}
	if cb.Paused--; cb.Paused < 0 {
		r.Bug(fmt.Sprintf("resume without pause in %v", cb.PTID))
	}
}

// CovBlock is the basic-block hook. The CFG edge is the chained hash of
// the previous and current block; the first block after a context change
// has no predecessor and yields no edge.
func (r *Runtime) CovBlock(blk uint64) {
	cb, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	if cb.LastBlk != 0 {
		edge := uint32(hmap.Hash64Chain(cb.LastBlk, blk, covHashBits))
		if !r.covCFG.TestAndSet(edge) {
			r.rtinfo.IncrCovCFGEdge()
		}
	}
	cb.LastBlk = blk
}

// CovDFGEdge records a def-use pair in the data-flow bitmap.
func (r *Runtime) CovDFGEdge(def, use uint64) {
	_, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	edge := uint32(hmap.Hash64Chain(def, use, covHashBits))
	if !r.covDFG.TestAndSet(edge) {
		r.rtinfo.IncrCovDFGEdge()
	}
}

// covAliasPair marks two instructions observed touching the same shadow
// cell; called from the memory hooks with the data switch already held.
func (r *Runtime) covAliasPair(a, b uint64) {
	pair := uint32(hmap.Hash64Chain(a, b, covHashBits))
	if !r.covAlias.TestAndSet(pair) {
		r.rtinfo.IncrCovAlias()
	}
}

const covHashBits = 24
