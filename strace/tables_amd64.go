/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build linux && amd64

package strace

import (
	"golang.org/x/sys/unix"
)

// registerKnown installs the typed signatures for the file-system syscall
// surface the synthesizer emits.
func (p *Printer) registerKnown() {
	reg := func(sysno int, name string, ret Renderer, args ...Renderer) {
		p.Register(uint64(sysno), Formatter{Name: name, Args: args, Ret: ret})
	}

	reg(unix.SYS_OPEN, `open`, IntSigned, Str, IntHex, IntOct)
	reg(unix.SYS_OPENAT, `openat`, IntSigned, FD, Str, IntHex, IntOct)
	reg(unix.SYS_CREAT, `creat`, IntSigned, Str, IntOct)
	reg(unix.SYS_CLOSE, `close`, IntSigned, FD)

	reg(unix.SYS_MKDIR, `mkdir`, IntSigned, Str, IntOct)
	reg(unix.SYS_MKDIRAT, `mkdirat`, IntSigned, FD, Str, IntOct)
	reg(unix.SYS_MKNOD, `mknod`, IntSigned, Str, IntOct, IntHex)

	reg(unix.SYS_READ, `read`, IntSigned, FD, Buf, IntSigned)
	reg(unix.SYS_READV, `readv`, IntSigned, FD, VectorIovec, IntSigned)
	reg(unix.SYS_PREAD64, `pread64`, IntSigned, FD, Buf, IntSigned, IntSigned)

	reg(unix.SYS_WRITE, `write`, IntSigned, FD, Buf, IntSigned)
	reg(unix.SYS_WRITEV, `writev`, IntSigned, FD, VectorIovec, IntSigned)
	reg(unix.SYS_PWRITE64, `pwrite64`, IntSigned, FD, Buf, IntSigned, IntSigned)

	reg(unix.SYS_LSEEK, `lseek`, IntSigned, FD, IntSigned, IntSigned)
	reg(unix.SYS_TRUNCATE, `truncate`, IntSigned, Str, IntSigned)
	reg(unix.SYS_FTRUNCATE, `ftruncate`, IntSigned, FD, IntSigned)
	reg(unix.SYS_FALLOCATE, `fallocate`, IntSigned, FD, IntHex, IntSigned, IntSigned)

	reg(unix.SYS_GETDENTS, `getdents`, IntSigned, FD, StructDirent, IntSigned)
	reg(unix.SYS_GETDENTS64, `getdents64`, IntSigned, FD, StructDirent, IntSigned)

	reg(unix.SYS_READLINK, `readlink`, IntSigned, Str, Str, IntSigned)
	reg(unix.SYS_READLINKAT, `readlinkat`, IntSigned, FD, Str, Str, IntSigned)

	reg(unix.SYS_ACCESS, `access`, IntSigned, Str, IntOct)
	reg(unix.SYS_FACCESSAT, `faccessat`, IntSigned, FD, Str, IntOct, IntHex)

	reg(unix.SYS_STAT, `stat`, IntSigned, Str, StructStat)
	reg(unix.SYS_LSTAT, `lstat`, IntSigned, Str, StructStat)
	reg(unix.SYS_FSTAT, `fstat`, IntSigned, FD, StructStat)
	reg(unix.SYS_NEWFSTATAT, `newfstatat`, IntSigned, FD, Str, StructStat, IntHex)

	reg(unix.SYS_CHMOD, `chmod`, IntSigned, Str, IntOct)
	reg(unix.SYS_FCHMOD, `fchmod`, IntSigned, FD, IntOct)
	reg(unix.SYS_FCHMODAT, `fchmodat`, IntSigned, FD, Str, IntOct, IntHex)

	reg(unix.SYS_LINK, `link`, IntSigned, Str, Str)
	reg(unix.SYS_LINKAT, `linkat`, IntSigned, FD, Str, FD, Str, IntHex)
	reg(unix.SYS_SYMLINK, `symlink`, IntSigned, Str, Str)
	reg(unix.SYS_SYMLINKAT, `symlinkat`, IntSigned, Str, FD, Str)

	reg(unix.SYS_UNLINK, `unlink`, IntSigned, Str)
	reg(unix.SYS_UNLINKAT, `unlinkat`, IntSigned, FD, Str, IntHex)
	reg(unix.SYS_RMDIR, `rmdir`, IntSigned, Str)

	reg(unix.SYS_RENAME, `rename`, IntSigned, Str, Str)
	reg(unix.SYS_RENAMEAT2, `renameat2`, IntSigned, FD, Str, FD, Str, IntHex)

	reg(unix.SYS_DUP, `dup`, IntSigned, FD)
	reg(unix.SYS_DUP2, `dup2`, IntSigned, FD, FD)
	reg(unix.SYS_DUP3, `dup3`, IntSigned, FD, FD, IntHex)

	reg(unix.SYS_SPLICE, `splice`, IntSigned, FD, RefIntSigned, FD, RefIntSigned, IntHex)
	reg(unix.SYS_SENDFILE, `sendfile`, IntSigned, FD, FD, RefIntSigned, IntSigned)

	reg(unix.SYS_FSYNC, `fsync`, IntSigned, FD)
	reg(unix.SYS_FDATASYNC, `fdatasync`, IntSigned, FD)
	reg(unix.SYS_SYNCFS, `syncfs`, IntSigned, FD)
	reg(unix.SYS_SYNC_FILE_RANGE, `sync_file_range`, IntSigned, FD, IntSigned, IntSigned, IntHex)

	reg(unix.SYS_FADVISE64, `fadvise64`, IntSigned, FD, IntSigned, IntSigned, IntHex)
	reg(unix.SYS_READAHEAD, `readahead`, IntSigned, FD, IntSigned, IntSigned)
}
