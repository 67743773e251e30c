/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package dart

// maxStackVars bounds the per-context stack of pushed frame extents; the
// instrumentation nests at most as deep as the call stack it shadows.
const maxStackVars = 128

type stackExtent struct {
	addr uint64
	size uint64
}

// CB is the per-PTID control block. Each block is touched only by the flow
// it names (or by a servicer that stole a snapshot of it), so the fields
// are plain values.
type CB struct {
	PTID    PTID
	Tracing bool
	Paused  int32

	// currently-active logical context
	Ctxt uint64

	// function entry/exit balance, must drain to zero before the block
	// leaves tracing
	StackDepth int32

	// last basic block visited, for CFG-edge chaining; zero is the
	// boot-up sentinel
	LastBlk uint64

	// hook-supplied execution info
	Info uint64

	stackVars [maxStackVars]stackExtent
	stackCnt  int
}

// reset puts a block into its initial state: not tracing, not paused, no
// context, balanced stack, no block visited.
func (cb *CB) reset(ptid PTID) {
	cb.PTID = ptid
	cb.Tracing = false
	cb.Paused = 0
	cb.Ctxt = 0
	cb.StackDepth = 0
	cb.LastBlk = 0
	cb.Info = 0
	cb.stackCnt = 0
}

// snapshot copies the live tracing state, the "stolen" context handed to
// async servicers. The frame extents stay with the owner.
func (cb *CB) snapshot() CB {
	return CB{
		PTID:       cb.PTID,
		Tracing:    cb.Tracing,
		Paused:     cb.Paused,
		Ctxt:       cb.Ctxt,
		StackDepth: cb.StackDepth,
		LastBlk:    cb.LastBlk,
		Info:       cb.Info,
	}
}

func (cb *CB) pushExtent(addr, size uint64) bool {
	if cb.stackCnt >= maxStackVars {
		return false
	}
	cb.stackVars[cb.stackCnt] = stackExtent{addr: addr, size: size}
	cb.stackCnt++
	return true
}

func (cb *CB) popExtent() bool {
	if cb.stackCnt == 0 {
		return false
	}
	cb.stackCnt--
	return true
}

// masked reports whether addr falls inside a pushed frame extent, which
// hides the access from the race model for the owning flow.
func (cb *CB) masked(addr uint64) bool {
	for i := 0; i < cb.stackCnt; i++ {
		e := cb.stackVars[i]
		if addr >= e.addr && addr < e.addr+e.size {
			return true
		}
	}
	return false
}
