/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package dart implements the race-tracking runtime: the meta/data switch
// pair, per-context control blocks, the instrumented hook surface, shared
// coverage bitmaps, memory-access conflict tables, and the panic-safe
// ledger. All state hangs off a Runtime handle built over a shared region
// so the whole data plane can be driven against a mocked segment.
package dart

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gravwell/dartrace/hmap"
	"github.com/gravwell/dartrace/ledger"
	"github.com/gravwell/dartrace/shm"
	"github.com/minio/highwayhash"
)

// DART syscall commands
const (
	SyscallNum = 500

	CmdLaunch       = 1
	CmdFinish       = 2
	CmdSyscallEnter = 3
	CmdSyscallExit  = 4
)

// TimerLimitSeconds is how long the orchestrator lets a VM live; the
// guest itself never times out.
const TimerLimitSeconds = 10

// table sizing, in bits of capacity
const (
	cbTableBits    = 16
	asyncTableBits = 16
	eventTableBits = 16
	mcTableBits    = 24
	syncTableBits  = 20
)

var (
	ErrUnknownCommand = errors.New("Unknown dart command")
)

// Config carries everything a Runtime needs beyond the region itself.
type Config struct {
	// Instance identifies our slot in the shared region, the value of the
	// dart_instance boot parameter.
	Instance int64

	// HashKey seeds the context hasher; all zero is allowed.
	HashKey [32]byte

	// PTIDSource overrides the current-flow lookup; nil means the real
	// per-thread id. Tests inject their own to model interrupt contexts.
	PTIDSource func() PTID

	// LedgerBuffer backs the runtime log; nil gets a private allocation.
	LedgerBuffer []byte
}

// Runtime is the tracer data plane for one instance.
type Runtime struct {
	instance int64
	hashKey  [32]byte
	ptid     func() PTID

	meta Switch
	data Switch

	cbs     *hmap.Map[uint32, CB]
	asyncs  *hmap.Map[uint64, Async]
	events  *hmap.Map[uint64, Event]
	readers *hmap.Map[uint64, MemCell]
	writers *hmap.Map[uint64, MemCell]
	locks   *hmap.Map[uint64, SyncCell]

	rtinfo   *shm.Rtinfo
	rtrace   *shm.Rtrace
	covCFG   *shm.Bitmap
	covDFG   *shm.Bitmap
	covAlias *shm.Bitmap

	ledger  *ledger.Ledger
	reserve *ledger.Reserve

	// run sequence distinguishes cells written by prior launches
	runSeq uint64
}

// NewRuntime builds the tracer over a region. The hash tables are arenas
// allocated here, once; nothing allocates after construction except fresh
// arenas on Launch.
func NewRuntime(region *shm.Region, cfg Config) (*Runtime, error) {
	lb := cfg.LedgerBuffer
	if lb == nil {
		lb = make([]byte, 4*shm.MB)
	}
	ldg, err := ledger.New(lb)
	if err != nil {
		return nil, err
	}
	rsv, err := ledger.NewReserve(region.Reserve())
	if err != nil {
		return nil, err
	}
	ptid := cfg.PTIDSource
	if ptid == nil {
		ptid = CurrentPTID
	}
	r := &Runtime{
		instance: cfg.Instance,
		hashKey:  cfg.HashKey,
		ptid:     ptid,
		rtinfo:   region.Rtinfo(),
		rtrace:   region.Rtrace(),
		covCFG:   region.CovCFGEdge(),
		covDFG:   region.CovDFGEdge(),
		covAlias: region.CovAlias(),
		ledger:   ldg,
		reserve:  rsv,
	}
	r.resetTables()
	return r, nil
}

func (r *Runtime) resetTables() {
	r.cbs = hmap.New[uint32, CB](cbTableBits)
	r.asyncs = hmap.New[uint64, Async](asyncTableBits)
	r.events = hmap.New[uint64, Event](eventTableBits)
	r.readers = hmap.New[uint64, MemCell](mcTableBits)
	r.writers = hmap.New[uint64, MemCell](mcTableBits)
	r.locks = hmap.New[uint64, SyncCell](syncTableBits)
}

func (r *Runtime) Instance() int64 {
	return r.instance
}

func (r *Runtime) Ledger() *ledger.Ledger {
	return r.ledger
}

// Dispatch is the DART syscall entry point. Unknown commands warn and
// return -1, everything else returns 0.
func (r *Runtime) Dispatch(cmd, arg uint64) int {
	switch cmd {
	case CmdLaunch:
		r.Launch()
	case CmdFinish:
		r.Finish()
	case CmdSyscallEnter:
		r.SyscallEnter(arg)
	case CmdSyscallExit:
		r.SyscallExit(arg)
	default:
		r.logf("invalid syscall command: %d", cmd)
		return -1
	}
	return 0
}

// Launch resets the tracer for a fresh run and opens both switches, meta
// first and then data; a context armed in between records nothing until
// data opens. Finish closes them in the reverse order.
func (r *Runtime) Launch() {
	r.runSeq++
	r.resetTables()
	r.rtinfo.Reset()
	r.rtrace.Reset()
	r.ledger.Reset()
	r.meta.On()
	r.data.On()
	r.logf("launch: instance %d run %d", r.instance, r.runSeq)
}

// Finish drains in-flight hooks and shuts tracing down. Every control
// block must have drained its call stack; an unbalanced block is an
// invariant violation.
func (r *Runtime) Finish() {
	r.data.Off()
	r.meta.Off()

	tracing := 0
	r.cbs.ForEach(func(k uint32, cb *CB) {
		if cb.StackDepth != 0 {
			r.Bug(fmt.Sprintf("finish: %v has stack depth %d", cb.PTID, cb.StackDepth))
		}
		if cb.Tracing {
			tracing++
		}
	})
	if pending := r.asyncPendingCount(); pending != 0 {
		r.logf("finish: %d async records still pending", pending)
		r.rtinfo.SetWarnOrError()
	}
	r.logf("finish: instance %d run %d, %d contexts still tracing", r.instance, r.runSeq, tracing)
	r.rtinfo.SetProperExit()
}

// SyscallEnter is the context-change hook wrapped around every guest
// syscall. It creates the control block on first sight and arms tracing.
func (r *Runtime) SyscallEnter(sysno uint64) {
	if !r.meta.Acquire() {
		return
	}
	defer r.meta.Release()

	ptid := r.ptid()
	cb := r.cbs.GetSlot(uint32(ptid))
	if cb.PTID != ptid {
		//first sight of this flow
		cb.reset(ptid)
	}
	if cb.Tracing {
		r.Bug(fmt.Sprintf("syscall enter: %v already tracing", ptid))
	}
	cb.Tracing = true
	cb.Ctxt = r.hashCtxt(sysno)
	cb.StackDepth = 0
	cb.LastBlk = 0
}

// SyscallExit disarms tracing. A missing block or one that never armed is
// a spurious exit and is ignored.
func (r *Runtime) SyscallExit(sysno uint64) {
	if !r.meta.Acquire() {
		return
	}
	defer r.meta.Release()

	cb := r.cbs.HasSlot(uint32(r.ptid()))
	if cb == nil || !cb.Tracing {
		return
	}
	if cb.StackDepth != 0 {
		r.Bug(fmt.Sprintf("syscall exit: %v has stack depth %d", cb.PTID, cb.StackDepth))
	}
	cb.Tracing = false
}

// enter performs the admission check shared by every hook body: the data
// switch is held, the flow has a block, the block is tracing and not
// paused. Callers must Release the data switch when enter succeeds.
func (r *Runtime) enter() (*CB, bool) {
	if !r.data.Acquire() {
		return nil, false
	}
	cb := r.cbs.HasSlot(uint32(r.ptid()))
	if cb == nil || !cb.Tracing || cb.Paused > 0 {
		r.data.Release()
		return nil, false
	}
	return cb, true
}

// hashCtxt derives the 64-bit opaque context hash for a syscall number.
func (r *Runtime) hashCtxt(sysno uint64) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:], sysno)
	binary.LittleEndian.PutUint64(b[8:], r.runSeq)
	return highwayhash.Sum64(b[:], r.hashKey[:])
}

// Bug snapshots the ledger into the reserve buffer and halts the runtime,
// the port of DART_BUG: the ledger must survive the death it causes.
func (r *Runtime) Bug(msg string) {
	r.logf("BUG: %s", msg)
	r.rtinfo.SetWarnOrError()
	r.reserve.Transfer(r.ledger, r.instance)
	panic("dart: " + msg)
}

func (r *Runtime) logf(format string, args ...interface{}) {
	r.ledger.Append([]byte(fmt.Sprintf("[dart] "+format+"\n", args...)))
}

// Mark drops a developer breadcrumb into the ledger from instrumented
// code.
func (r *Runtime) Mark(val uint64) {
	cb, ok := r.enter()
	if !ok {
		return
	}
	defer r.data.Release()
	r.logf("mark %x in %v", val, cb.PTID)
}

// TracingCount walks the control blocks and reports how many are armed.
func (r *Runtime) TracingCount() (count int) {
	r.cbs.ForEach(func(k uint32, cb *CB) {
		if cb.Tracing {
			count++
		}
	})
	return
}

func (r *Runtime) asyncPendingCount() (count int) {
	r.asyncs.ForEach(func(k uint64, a *Async) {
		if a.Func != 0 || a.Serving != 0 {
			count++
		}
	})
	r.events.ForEach(func(k uint64, e *Event) {
		if e.Func != 0 || e.Serving != 0 {
			count++
		}
	})
	return
}
