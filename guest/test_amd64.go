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
	"runtime"

	"golang.org/x/sys/unix"
)

const testPayload = "HELLO FROM RACER\x00"

// runTest replays the canned sequence that exercises the tracer's hook
// surface end to end: directory and file creation, fd duplication into
// the high range, and a write visible on the mounted image.
func (g *Guest) runTest() error {
	if err := g.mnt.Mount(); err != nil {
		return err
	}
	g.traceLaunch()

	target := `/work`
	if g.cfg != nil {
		target = g.cfg.MountPoint
	}

	dirFoo, dirBuf := pathArg(`dir_foo`)
	fileBar, fileBuf := pathArg(`file_bar`)
	mnt, mntBuf := pathArg(target)
	root, rootBuf := pathArg(`/`)
	payload := []byte(testPayload)

	err := func() error {
		if _, err := g.saferun(`chdir`, unix.SYS_CHDIR, mnt); err != nil {
			return err
		}

		// create directory
		if _, err := g.saferun(`mkdir`, unix.SYS_MKDIR, dirFoo, 0777); err != nil {
			return err
		}
		fd, err := g.saferun(`open`, unix.SYS_OPEN, dirFoo, unix.O_DIRECTORY|unix.O_RDONLY, 0777)
		if err != nil {
			return err
		}
		if _, err = g.saferun(`dup2`, unix.SYS_DUP2, fd, 199); err != nil {
			return err
		}
		if _, err = g.saferun(`close`, unix.SYS_CLOSE, 199); err != nil {
			return err
		}
		if _, err = g.saferun(`close`, unix.SYS_CLOSE, fd); err != nil {
			return err
		}

		// create file
		if fd, err = g.saferun(`creat`, unix.SYS_CREAT, fileBar, 0777); err != nil {
			return err
		}
		if _, err = g.saferun(`dup2`, unix.SYS_DUP2, fd, 198); err != nil {
			return err
		}
		if _, err = g.saferun(`close`, unix.SYS_CLOSE, 198); err != nil {
			return err
		}
		if _, err = g.saferun(`close`, unix.SYS_CLOSE, fd); err != nil {
			return err
		}

		// file io
		if fd, err = g.saferun(`open`, unix.SYS_OPEN, fileBar, unix.O_RDWR, 0777); err != nil {
			return err
		}
		if _, err = g.saferun(`write`, unix.SYS_WRITE, fd, bufArg(payload), uint64(len(payload))); err != nil {
			return err
		}
		if _, err = g.saferun(`close`, unix.SYS_CLOSE, fd); err != nil {
			return err
		}

		_, err = g.saferun(`chdir`, unix.SYS_CHDIR, root)
		return err
	}()

	runtime.KeepAlive(dirBuf)
	runtime.KeepAlive(fileBuf)
	runtime.KeepAlive(mntBuf)
	runtime.KeepAlive(rootBuf)
	runtime.KeepAlive(payload)

	g.traceFinish()
	if err != nil {
		g.mnt.Unmount()
		return err
	}
	return g.mnt.Unmount()
}
