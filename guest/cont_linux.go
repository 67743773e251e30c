/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package guest

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/gravwell/dartrace/bytecode"
	"github.com/gravwell/dartrace/interp"
	"github.com/gravwell/dartrace/sched"
	"golang.org/x/sys/unix"
)

// pathArg builds a NUL-terminated path argument; the caller must keep the
// returned backing slice alive across the trap.
func pathArg(p string) (uint64, []byte) {
	b := append([]byte(p), 0)
	return bufArg(b), b
}

// bufArg turns a live buffer into a raw syscall argument.
func bufArg(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// runCont is the main fuzzing path: load the program, park the worker
// pool, mount, run the precall stream, open the race window, and tear
// everything down.
func (g *Guest) runCont() error {
	prog, err := bytecode.Load(g.region.Bytecode())
	if err != nil {
		return fmt.Errorf("failed to load bytecode: %w", err)
	}
	g.lg.Infof("loaded program: %d threads, %d fd slots", prog.NumThreads(), len(prog.FDs))

	// stdin held open is a known source of hangs
	g.sys.Syscall(unix.SYS_CLOSE, [interp.MaxArgs]uint64{0})

	pool, err := sched.Spawn(prog.NumThreads(), func(i int) error {
		return interp.Interpret(prog.ThreadCode(i), prog.Heap, g.sys, g.tracer, g.printer)
	})
	if err != nil {
		return err
	}

	if err = g.mnt.Mount(); err != nil {
		return fmt.Errorf("failed to mount disk image: %w", err)
	}
	g.traceLaunch()

	target := `/work`
	if g.cfg != nil {
		target = g.cfg.MountPoint
	}
	ptr, buf := pathArg(target)
	if rv := g.sysrun(unix.SYS_CHDIR, ptr); int64(rv) < 0 {
		return fmt.Errorf("failed to chdir to disk mount point: errno %d", -int64(rv))
	}
	runtime.KeepAlive(buf)

	// precall stream runs single threaded to establish shared state
	if err = interp.Interpret(prog.MainCode(), prog.Heap, g.sys, g.tracer, g.printer); err != nil {
		return fmt.Errorf("precall stream failed: %w", err)
	}

	// open the race window for the whole pool at once, then wait it out
	pool.Release()
	pool.WaitDone()

	// close every fd the program ever recorded, no matter which thread
	// opened it
	for _, lp := range prog.FDs {
		fd := lp.Load(prog.Heap)
		if rv := g.sysrun(unix.SYS_CLOSE, fd); int64(rv) < 0 {
			g.lg.Debugf("fd slot %d closed with errno %d", lp.Offset, -int64(rv))
		}
	}

	ptr, buf = pathArg(`/`)
	if rv := g.sysrun(unix.SYS_CHDIR, ptr); int64(rv) < 0 {
		return fmt.Errorf("failed to chdir to root directory: errno %d", -int64(rv))
	}
	runtime.KeepAlive(buf)

	g.traceFinish()
	if err = g.mnt.Unmount(); err != nil {
		return fmt.Errorf("failed to umount disk image: %w", err)
	}
	return pool.Join()
}
