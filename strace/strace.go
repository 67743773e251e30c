/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package strace renders every replayed syscall into the console ledger
// shared with the host. Syscalls with known signatures get typed argument
// renderers; everything else falls back to a generic hex form.
package strace

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"
)

const (
	// SyscallNumMax bounds the formatter table.
	SyscallNumMax = 1024

	// MaxLine is the hard cap on one rendered entry; an entry must stay
	// below it, and a printer that reaches it is broken and the run dies.
	MaxLine = 1024

	consoleHdrSize = 8
)

// Renderer appends the rendered form of one value.
type Renderer func(dst []byte, val uint64) []byte

// Formatter is the typed descriptor for one syscall: its name, one
// renderer per argument, and the return renderer. The argument count is
// the arity.
type Formatter struct {
	Name string
	Args []Renderer
	Ret  Renderer
}

// spinLock guards the console cursor advance; contention is rare and the
// critical section is a pair of adds.
type spinLock struct {
	v int32
}

func (s *spinLock) lock() {
	for !atomic.CompareAndSwapInt32(&s.v, 0, 1) {
		runtime.Gosched()
	}
}

func (s *spinLock) unlock() {
	atomic.StoreInt32(&s.v, 0)
}

// Console is the strace ledger: a byte counter followed by the raw text
// buffer. The counter always advances so the host can detect truncation.
type Console struct {
	b      []byte
	lk     spinLock
	cursor uint64
}

func NewConsole(b []byte) *Console {
	c := &Console{b: b}
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[0])), 0)
	return c
}

func (c *Console) Count() uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&c.b[0])))
}

// Contents returns the text written so far.
func (c *Console) Contents() []byte {
	n := c.Count()
	if max := uint64(len(c.b) - consoleHdrSize); n > max {
		n = max
	}
	return c.b[consoleHdrSize : consoleHdrSize+n]
}

func (c *Console) write(msg []byte) {
	c.lk.lock()
	offset := c.cursor
	c.cursor += uint64(len(msg))
	atomic.AddUint64((*uint64)(unsafe.Pointer(&c.b[0])), uint64(len(msg)))
	c.lk.unlock()
	if offset+uint64(len(msg)) > uint64(len(c.b)-consoleHdrSize) {
		return
	}
	copy(c.b[consoleHdrSize+offset:], msg)
}

// Printer is the formatter table bound to a console.
type Printer struct {
	console *Console
	table   [SyscallNumMax]Formatter
	tid     func() int
}

// NewPrinter builds a printer over the console region with every slot
// defaulted to the generic hex formatter; known syscalls are then
// registered with their typed signatures.
func NewPrinter(console []byte, tid func() int) *Printer {
	p := &Printer{
		console: NewConsole(console),
		tid:     tid,
	}
	for i := range p.table {
		p.table[i] = Formatter{Ret: IntHex}
	}
	p.registerKnown()
	return p
}

// Register installs a typed formatter for one syscall number.
func (p *Printer) Register(sysno uint64, f Formatter) {
	if sysno < SyscallNumMax {
		p.table[sysno] = f
	}
}

// Print renders one completed syscall into the console ledger.
func (p *Printer) Print(tok string, sysno uint64, args []uint64, ret uint64) {
	var f Formatter
	if sysno < SyscallNumMax {
		f = p.table[sysno]
	}
	name := f.Name
	if name == `` {
		name = fmt.Sprintf("syscall_%d", sysno)
	}

	msg := make([]byte, 0, 256)
	msg = append(msg, fmt.Sprintf("[strace:%4d] %s %s(", p.tid(), tok, name)...)
	for i, v := range args {
		if i > 0 {
			msg = append(msg, ", "...)
		}
		if i < len(f.Args) && f.Args[i] != nil {
			msg = f.Args[i](msg, v)
		} else {
			msg = IntHex(msg, v)
		}
	}
	msg = append(msg, ") = <ret: "...)
	if f.Ret != nil {
		msg = f.Ret(msg, ret)
	} else {
		msg = IntHex(msg, ret)
	}
	msg = append(msg, ">\n"...)
	if len(msg) >= MaxLine {
		panic("strace entry exceeds size limit")
	}
	p.console.write(msg)
}

// Observe satisfies the interpreter's observer hook.
func (p *Printer) Observe(sysno uint64, args []uint64, ret uint64) {
	p.Print(`exec`, sysno, args, ret)
}

func (p *Printer) Console() *Console {
	return p.console
}
