/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package guest implements the in-VM side of the fuzzer: it parses the
// command byte out of the shared region, loads and replays programs, and
// notifies the in-kernel tracer around every syscall it issues.
package guest

import (
	"errors"
	"fmt"

	"github.com/gravwell/dartrace/config"
	"github.com/gravwell/dartrace/interp"
	"github.com/gravwell/dartrace/log"
	"github.com/gravwell/dartrace/shm"
	"github.com/gravwell/dartrace/strace"
)

var (
	ErrNoRegion        = errors.New("Guest requires a shared region")
	ErrInvalidPrep     = errors.New("Invalid prep method")
	ErrUnsupportedArch = errors.New("Test sequence requires linux/amd64")
)

// Mounter attaches and detaches the target disk image; the fuzzing core
// treats it as an external collaborator so the test harness can swap in a
// recorder.
type Mounter interface {
	Mount() error
	Unmount() error
}

// launcher is the optional tracer surface bracketing a traced window;
// the DART stubs implement it, test tracers need not.
type launcher interface {
	Launch()
	Finish()
}

func (g *Guest) traceLaunch() {
	if l, ok := g.tracer.(launcher); ok {
		l.Launch()
	}
}

func (g *Guest) traceFinish() {
	if l, ok := g.tracer.(launcher); ok {
		l.Finish()
	}
}

// Params wires a Guest. Sys, Tracer, Mnt, and Tid default to the real
// kernel bindings when nil.
type Params struct {
	Region *shm.Region
	Cfg    *config.Config
	Lg     *log.Logger
	Sys    interp.Syscaller
	Tracer interp.Tracer
	Mnt    Mounter
	Tid    func() int
}

// Guest executes one command inside the VM.
type Guest struct {
	cfg     *config.Config
	lg      *log.Logger
	region  *shm.Region
	sys     interp.Syscaller
	tracer  interp.Tracer
	mnt     Mounter
	printer *strace.Printer
}

func New(p Params) (*Guest, error) {
	if p.Region == nil {
		return nil, ErrNoRegion
	}
	if p.Lg == nil {
		p.Lg = log.NewDiscardLogger()
	}
	if p.Sys == nil {
		p.Sys = interp.RawSyscaller{}
	}
	if p.Tracer == nil {
		p.Tracer = DartCall{}
	}
	if p.Tid == nil {
		p.Tid = currentTid
	}
	if p.Mnt == nil {
		p.Mnt = newImageMounter(p.Cfg, p.Region.Metadata())
	}
	return &Guest{
		cfg:     p.Cfg,
		lg:      p.Lg,
		region:  p.Region,
		sys:     p.Sys,
		tracer:  p.Tracer,
		mnt:     p.Mnt,
		printer: strace.NewPrinter(p.Region.StraceConsole(), p.Tid),
	}, nil
}

// Run dispatches on the command byte. The status word brackets the
// execution so the host can tell a wedged VM from a finished one.
func (g *Guest) Run() error {
	md := g.region.Metadata()
	md.SetStatus(shm.StatusNotStarted)

	var err error
	switch cmd := md.Command(); cmd {
	case shm.CmdTest:
		err = g.runTest()
	case shm.CmdPrep:
		err = g.runPrep()
	case shm.CmdCont:
		err = g.runCont()
	case shm.CmdFuzz:
		g.lg.Infof("fuzz command is reserved, nothing to do")
	default:
		g.lg.Warnf("unknown command %q, exiting", cmd)
	}
	if err != nil {
		return err
	}
	md.SetStatus(shm.StatusFinished)
	return nil
}

// sysrun issues one syscall sandwiched between the tracer notifications
// and echoes it to the strace ledger.
func (g *Guest) sysrun(sysno uint64, args ...uint64) uint64 {
	var av [interp.MaxArgs]uint64
	copy(av[:], args)
	g.tracer.SyscallEnter(sysno)
	rv := g.sys.Syscall(sysno, av)
	g.tracer.SyscallExit(sysno)
	g.printer.Print(`safe`, sysno, args, rv)
	return rv
}

// saferun is the LTP-style wrapper: an unexpected failure kills the run.
func (g *Guest) saferun(name string, sysno uint64, args ...uint64) (uint64, error) {
	rv := g.sysrun(sysno, args...)
	if int64(rv) < 0 {
		return rv, fmt.Errorf("%s failed with errno %d", name, -int64(rv))
	}
	return rv, nil
}

// runPrep mounts the image, applies the preparation method named in the
// metadata block, and unmounts. Method 000 is the empty preparation.
func (g *Guest) runPrep() error {
	if err := g.mnt.Mount(); err != nil {
		return fmt.Errorf("failed to mount disk image: %w", err)
	}
	g.lg.Debugf("disk image mounted")

	method := g.region.Metadata().PrepMethod()
	switch method {
	case `000`:
		g.lg.Debugf("preparing using method: empty")
	default:
		g.mnt.Unmount()
		return fmt.Errorf("%w: %q", ErrInvalidPrep, method)
	}

	if err := g.mnt.Unmount(); err != nil {
		return fmt.Errorf("failed to umount disk image: %w", err)
	}
	g.lg.Debugf("disk image umounted")
	return nil
}
