/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package shm

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var (
	ErrInvalidFileHandle = errors.New("Invalid file handle")
)

type fileMapping struct {
	fio  *os.File
	buff []byte
}

// MapRegion maps the full shared segment from the given device or file and
// binds the returned Region to one instance window. The guest hands in
// /dev/uio0; the host-side tooling hands in the plain backing file.
func MapRegion(path string, instance int64) (*Region, error) {
	fio, err := os.OpenFile(path, os.O_RDWR, 0660)
	if err != nil {
		return nil, err
	}
	fm, err := mapFile(fio)
	if err != nil {
		fio.Close()
		return nil, err
	}
	r, err := NewRegion(fm.buff, instance)
	if err != nil {
		fm.close()
		return nil, err
	}
	r.fm = fm
	return r, nil
}

func mapFile(fio *os.File) (*fileMapping, error) {
	if fio == nil {
		return nil, ErrInvalidFileHandle
	}
	buff, err := unix.Mmap(int(fio.Fd()), 0, TotalSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	//the region backs tracing state, never dump it and never fork it over
	unix.Madvise(buff, unix.MADV_DONTDUMP)
	unix.Madvise(buff, unix.MADV_DONTFORK)
	return &fileMapping{
		fio:  fio,
		buff: buff,
	}, nil
}

func (fm *fileMapping) close() (err error) {
	if fm.buff != nil {
		err = unix.Munmap(fm.buff)
		fm.buff = nil
	}
	if fm.fio != nil {
		if lerr := fm.fio.Close(); lerr != nil && err == nil {
			err = lerr
		}
		fm.fio = nil
	}
	return
}

// LockMemory pins the calling process's mappings so no part of the shared
// region pages out mid-run.
func LockMemory() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}

// UnlockMemory undoes LockMemory during guest teardown.
func UnlockMemory() error {
	return unix.Munlockall()
}
