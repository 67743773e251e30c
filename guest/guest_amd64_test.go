/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build linux && amd64

package guest

import (
	"errors"
	"sync"
	"testing"

	"github.com/gravwell/dartrace/bytecode"
	"github.com/gravwell/dartrace/interp"
	"github.com/gravwell/dartrace/shm"
	"golang.org/x/sys/unix"
)

var (
	testBuff     = make([]byte, shm.TotalSize)
	testInstance int64
	instMtx      sync.Mutex
)

// each test gets its own instance window so metadata never bleeds over
func testRegion(t *testing.T) *shm.Region {
	t.Helper()
	instMtx.Lock()
	inst := testInstance
	testInstance = (testInstance + 1) % shm.InstanceCount
	instMtx.Unlock()
	r, err := shm.NewRegion(testBuff, inst)
	if err != nil {
		t.Fatal(err)
	}
	// scrub the metadata block left over from a prior test
	md := r.Metadata()
	md.SetCommand(0)
	md.SetStatus(0)
	md.SetFSType(``)
	md.SetMountOpts(``)
	md.SetPrepMethod(``)
	return r
}

type recSys struct {
	mtx    sync.Mutex
	calls  []recCall
	openFd uint64
}

type recCall struct {
	sysno uint64
	args  [interp.MaxArgs]uint64
}

func (r *recSys) Syscall(sysno uint64, args [interp.MaxArgs]uint64) uint64 {
	r.mtx.Lock()
	r.calls = append(r.calls, recCall{sysno: sysno, args: args})
	r.mtx.Unlock()
	switch sysno {
	case unix.SYS_OPEN, unix.SYS_CREAT:
		return r.openFd
	}
	return 0
}

func (r *recSys) count(sysno uint64) (n int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, c := range r.calls {
		if c.sysno == sysno {
			n++
		}
	}
	return
}

func (r *recSys) closesOf(fd uint64) (n int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, c := range r.calls {
		if c.sysno == unix.SYS_CLOSE && c.args[0] == fd {
			n++
		}
	}
	return
}

type recMounter struct {
	mounts, unmounts int
}

func (m *recMounter) Mount() error   { m.mounts++; return nil }
func (m *recMounter) Unmount() error { m.unmounts++; return nil }

type nopTracer struct{}

func (nopTracer) SyscallEnter(uint64) {}
func (nopTracer) SyscallExit(uint64)  {}

func newTestGuest(t *testing.T, r *shm.Region, sys interp.Syscaller) (*Guest, *recMounter) {
	t.Helper()
	mnt := &recMounter{}
	g, err := New(Params{
		Region: r,
		Sys:    sys,
		Tracer: nopTracer{},
		Mnt:    mnt,
		Tid:    func() int { return 7 },
	})
	if err != nil {
		t.Fatal(err)
	}
	return g, mnt
}

// TestCommandTest drives the canned 't' sequence against a recording
// kernel and checks the syscall trail and final status.
func TestCommandTest(t *testing.T) {
	r := testRegion(t)
	r.Metadata().SetCommand(shm.CmdTest)

	sys := &recSys{openFd: 13}
	g, mnt := newTestGuest(t, r, sys)
	if err := g.Run(); err != nil {
		t.Fatal(err)
	}
	if r.Metadata().Status() != shm.StatusFinished {
		t.Fatal("status not marked finished")
	}
	if mnt.mounts != 1 || mnt.unmounts != 1 {
		t.Fatalf("mount/unmount %d/%d", mnt.mounts, mnt.unmounts)
	}
	if n := sys.count(unix.SYS_MKDIR); n != 1 {
		t.Fatalf("mkdir issued %d times", n)
	}
	if n := sys.count(unix.SYS_DUP2); n != 2 {
		t.Fatalf("dup2 issued %d times", n)
	}
	if n := sys.count(unix.SYS_WRITE); n != 1 {
		t.Fatalf("write issued %d times", n)
	}
	// dup targets and the original fd must each be closed at least once;
	// the fake kernel hands out fd 13 for every open and creat
	for _, fd := range []uint64{199, 198, 13} {
		if n := sys.closesOf(fd); n < 1 {
			t.Fatalf("fd %d never closed", fd)
		}
	}
	if n := sys.count(unix.SYS_CHDIR); n != 2 {
		t.Fatalf("chdir issued %d times", n)
	}
	// write carried the full payload including the trailing NUL
	sys.mtx.Lock()
	defer sys.mtx.Unlock()
	for _, c := range sys.calls {
		if c.sysno == unix.SYS_WRITE {
			if c.args[2] != 17 {
				t.Fatalf("write length %d != 17", c.args[2])
			}
		}
	}
}

func TestCommandPrep(t *testing.T) {
	r := testRegion(t)
	r.Metadata().SetCommand(shm.CmdPrep)
	r.Metadata().SetPrepMethod(`000`)

	g, mnt := newTestGuest(t, r, &recSys{})
	if err := g.Run(); err != nil {
		t.Fatal(err)
	}
	if r.Metadata().Status() != shm.StatusFinished {
		t.Fatal("status not marked finished")
	}
	if mnt.mounts != 1 || mnt.unmounts != 1 {
		t.Fatalf("mount/unmount %d/%d", mnt.mounts, mnt.unmounts)
	}
}

func TestCommandPrepInvalidMethod(t *testing.T) {
	r := testRegion(t)
	r.Metadata().SetCommand(shm.CmdPrep)
	r.Metadata().SetPrepMethod(`666`)

	g, _ := newTestGuest(t, r, &recSys{})
	err := g.Run()
	if !errors.Is(err, ErrInvalidPrep) {
		t.Fatalf("invalid method yielded %v", err)
	}
	if r.Metadata().Status() == shm.StatusFinished {
		t.Fatal("failed prep still marked finished")
	}
}

// contProgram assembles the two-thread scenario: the precall opens an fd
// into a shared slot, each worker reads through that slot.
func contProgram(t *testing.T, r *shm.Region) {
	t.Helper()
	heap := make([]byte, 256)
	// slot 0: fd cell, slot 8: pointer to the read buffer at offset 64,
	// slot 16: read size
	heap[8] = 64
	heap[16] = 32

	fdSlot := bytecode.LegoPack{Offset: 0, Width: 4, Kind: bytecode.KindSigned}
	precall := interp.EncodeStream([]interp.Inst{{
		Sysno: unix.SYS_OPEN,
		Ret:   fdSlot,
		Args: []bytecode.LegoPack{
			{Offset: 32, Width: 8, Kind: bytecode.KindPointer}, //null path, fake kernel ignores it
			{Offset: 40, Width: 4, Kind: bytecode.KindUnsigned},
			{Offset: 44, Width: 4, Kind: bytecode.KindUnsigned},
		},
	}})
	worker := interp.EncodeStream([]interp.Inst{{
		Sysno: unix.SYS_READ,
		Ret:   bytecode.LegoPack{Kind: bytecode.KindNone},
		Args: []bytecode.LegoPack{
			fdSlot,
			{Offset: 8, Width: 8, Kind: bytecode.KindPointer},
			{Offset: 16, Width: 8, Kind: bytecode.KindUnsigned},
		},
	}})

	a := bytecode.NewAssembler(heap)
	a.AddPtrFixup(8)
	a.AddFD(fdSlot)
	a.SetMain(precall)
	a.AddThread(worker)
	a.AddThread(worker)
	if err := a.EncodeTo(r.Bytecode()); err != nil {
		t.Fatal(err)
	}
}

// TestCommandCont runs the full two-thread fuzzing path: precall, both
// workers, and exactly one close of the recorded fd at end of run.
func TestCommandCont(t *testing.T) {
	r := testRegion(t)
	r.Metadata().SetCommand(shm.CmdCont)
	contProgram(t, r)

	sys := &recSys{openFd: 5}
	g, mnt := newTestGuest(t, r, sys)
	if err := g.Run(); err != nil {
		t.Fatal(err)
	}
	if r.Metadata().Status() != shm.StatusFinished {
		t.Fatal("status not marked finished")
	}
	if mnt.mounts != 1 || mnt.unmounts != 1 {
		t.Fatalf("mount/unmount %d/%d", mnt.mounts, mnt.unmounts)
	}
	if n := sys.count(unix.SYS_OPEN); n != 1 {
		t.Fatalf("precall open issued %d times", n)
	}
	if n := sys.count(unix.SYS_READ); n != 2 {
		t.Fatalf("worker reads issued %d times", n)
	}
	// both workers loaded the fd the precall stored
	sys.mtx.Lock()
	for _, c := range sys.calls {
		if c.sysno == unix.SYS_READ && c.args[0] != 5 {
			t.Fatalf("worker read on fd %d, wanted 5", c.args[0])
		}
	}
	sys.mtx.Unlock()
	// the fd table closes the slot exactly once at end of run
	if n := sys.closesOf(5); n != 1 {
		t.Fatalf("recorded fd closed %d times", n)
	}
	if n := sys.count(unix.SYS_CHDIR); n != 2 {
		t.Fatalf("chdir issued %d times", n)
	}
}

// TestCommandContCorrupt covers the corrupt-magic scenario: the run fails
// with ErrCorruptHeader, never mounts, and is not marked finished. Heap
// immutability on rejection is checked by the bytecode loader tests.
func TestCommandContCorrupt(t *testing.T) {
	r := testRegion(t)
	r.Metadata().SetCommand(shm.CmdCont)
	contProgram(t, r)
	copy(r.Bytecode()[:8], `badmagic`)

	g, mnt := newTestGuest(t, r, &recSys{})
	err := g.Run()
	if !errors.Is(err, bytecode.ErrCorruptHeader) {
		t.Fatalf("corrupt magic yielded %v", err)
	}
	if mnt.mounts != 0 {
		t.Fatal("corrupt program still mounted the image")
	}
	if r.Metadata().Status() == shm.StatusFinished {
		t.Fatal("corrupt run still marked finished")
	}
}

func TestUnknownCommand(t *testing.T) {
	r := testRegion(t)
	r.Metadata().SetCommand('z')
	g, mnt := newTestGuest(t, r, &recSys{})
	if err := g.Run(); err != nil {
		t.Fatalf("unknown command yielded %v", err)
	}
	if mnt.mounts != 0 {
		t.Fatal("unknown command touched the mounter")
	}
	if r.Metadata().Status() != shm.StatusFinished {
		t.Fatal("benign exit did not mark finished")
	}
}
