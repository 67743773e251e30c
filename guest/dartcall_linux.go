/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package guest

import (
	"github.com/gravwell/dartrace/dart"
	"golang.org/x/sys/unix"
)

// DartCall notifies the in-kernel tracer through its dedicated syscall
// number. A kernel without the tracer compiled in returns ENOSYS, which
// the stubs deliberately ignore.
type DartCall struct{}

func dartCall(cmd, arg uintptr) {
	unix.Syscall(uintptr(dart.SyscallNum), cmd, arg, 0)
}

func (DartCall) Launch() {
	dartCall(dart.CmdLaunch, 0)
}

func (DartCall) Finish() {
	dartCall(dart.CmdFinish, 0)
}

func (DartCall) SyscallEnter(sysno uint64) {
	dartCall(dart.CmdSyscallEnter, uintptr(sysno))
}

func (DartCall) SyscallExit(sysno uint64) {
	dartCall(dart.CmdSyscallExit, uintptr(sysno))
}

func currentTid() int {
	return unix.Gettid()
}
