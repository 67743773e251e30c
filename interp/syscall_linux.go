/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package interp

import (
	"golang.org/x/sys/unix"
)

// RawSyscaller traps straight into the kernel under test.
type RawSyscaller struct{}

func (RawSyscaller) Syscall(sysno uint64, args [MaxArgs]uint64) uint64 {
	r1, _, errno := unix.Syscall6(uintptr(sysno),
		uintptr(args[0]), uintptr(args[1]), uintptr(args[2]),
		uintptr(args[3]), uintptr(args[4]), uintptr(args[5]))
	if errno != 0 {
		return uint64(-int64(errno))
	}
	return uint64(r1)
}
