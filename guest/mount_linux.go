/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package guest

import (
	"errors"
	"fmt"
	"os"

	"github.com/gravwell/dartrace/config"
	"github.com/gravwell/dartrace/shm"
	"golang.org/x/sys/unix"
)

const (
	loopControl = `/dev/loop-control`

	devtmpfsTarget = `/dev`
	fsshareTag     = `fsshare`
	fsshare9pOpts  = `trans=virtio,version=9p2000.L`
)

var (
	ErrNoMountInfo = errors.New("Metadata carries no filesystem type")
)

// SetupBase mounts the pseudo filesystems the guest needs before the
// shared region can even be opened: devtmpfs on /dev and the 9p share on
// the host mount point.
func SetupBase(hostMount string) error {
	if err := unix.Mount("none", devtmpfsTarget, "devtmpfs", 0, ""); err != nil && err != unix.EBUSY {
		return fmt.Errorf("failed to mount devtmpfs: %w", err)
	}
	if err := os.MkdirAll(hostMount, 0777); err != nil {
		return fmt.Errorf("failed to create host point: %w", err)
	}
	if err := unix.Mount(fsshareTag, hostMount, "9p", 0, fsshare9pOpts); err != nil {
		return fmt.Errorf("failed to mount fsshare: %w", err)
	}
	return nil
}

// TeardownBase unmounts the 9p share during guest shutdown.
func TeardownBase(hostMount string) error {
	if err := unix.Unmount(hostMount, 0); err != nil {
		return fmt.Errorf("failed to umount fsshare: %w", err)
	}
	return nil
}

// imageMounter attaches the host-provided disk image to a free loop
// device and mounts it with the filesystem type and options the host
// wrote into the metadata block.
type imageMounter struct {
	image   string
	target  string
	fsType  string
	opts    string
	loopDev string
}

func newImageMounter(cfg *config.Config, md *shm.Metadata) *imageMounter {
	im := &imageMounter{
		image:  `/host/disk.img`,
		target: `/work`,
	}
	if cfg != nil {
		im.image = cfg.DiskImage
		im.target = cfg.MountPoint
	}
	if md != nil {
		im.fsType = md.FSType()
		im.opts = md.MountOpts()
	}
	return im
}

func (im *imageMounter) Mount() error {
	if im.fsType == `` {
		return ErrNoMountInfo
	}
	if err := os.MkdirAll(im.target, 0777); err != nil {
		return err
	}

	// grab a free loop device and bind the image to it
	ctl, err := os.OpenFile(loopControl, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open loop control: %w", err)
	}
	idx, _, errno := unix.Syscall(unix.SYS_IOCTL, ctl.Fd(), unix.LOOP_CTL_GET_FREE, 0)
	ctl.Close()
	if errno != 0 {
		return fmt.Errorf("failed to get free loop device: %w", errno)
	}
	im.loopDev = fmt.Sprintf("/dev/loop%d", idx)

	img, err := os.OpenFile(im.image, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open disk image: %w", err)
	}
	defer img.Close()
	loop, err := os.OpenFile(im.loopDev, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", im.loopDev, err)
	}
	defer loop.Close()
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loop.Fd(), unix.LOOP_SET_FD, img.Fd()); errno != 0 {
		return fmt.Errorf("failed to bind loop device: %w", errno)
	}

	if err := unix.Mount(im.loopDev, im.target, im.fsType, 0, im.opts); err != nil {
		im.detach()
		return fmt.Errorf("failed to mount %s on %s: %w", im.loopDev, im.target, err)
	}
	return nil
}

func (im *imageMounter) Unmount() error {
	if err := unix.Unmount(im.target, 0); err != nil {
		return fmt.Errorf("failed to umount %s: %w", im.target, err)
	}
	return im.detach()
}

func (im *imageMounter) detach() error {
	if im.loopDev == `` {
		return nil
	}
	loop, err := os.OpenFile(im.loopDev, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer loop.Close()
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loop.Fd(), unix.LOOP_CLR_FD, 0); errno != 0 {
		return fmt.Errorf("failed to detach %s: %w", im.loopDev, errno)
	}
	im.loopDev = ``
	return nil
}
