/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config loads the guest configuration: which instance slot is
// ours, where the shared device and the disk image live, and the tracing
// knobs. Values come from an ini file with environment overrides, plus
// the dart_instance kernel boot parameter.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gravwell/dartrace/shm"
	"github.com/gravwell/gcfg"
	"github.com/inhies/go-bytesize"
)

const (
	DefaultConfigLoc = `/etc/dartrace.conf`

	defaultSharedDevice = `/dev/uio0`
	defaultDiskImage    = `/host/disk.img`
	defaultMountPoint   = `/work`
	defaultHostMount    = `/host`
	defaultMaxThreads   = 64
	defaultLedgerSize   = `4MB`

	maxConfigSize int64 = 1 << 20

	envInstance = `DARTRACE_INSTANCE`
	envLogLevel = `DARTRACE_LOG_LEVEL`
	envDevice   = `DARTRACE_SHARED_DEVICE`

	bootParamInstance = `dart_instance=`
	procCmdline       = `/proc/cmdline`
)

var (
	ErrConfigFileTooLarge = errors.New("Config file is too large")
	ErrBadInstance        = errors.New("Instance is out of range")
	ErrBadThreadMax       = errors.New("Max-Threads is out of range")
	ErrBadLedgerSize      = errors.New("Ledger-Size is unparsable")
)

type global struct {
	Instance      int
	Shared_Device string
	Disk_Image    string
	Mount_Point   string
	Host_Mount    string
	Max_Threads   int
	Log_Level     string
	Ledger_Size   string
}

type cfgFile struct {
	Global global
}

// Config is the verified guest configuration.
type Config struct {
	Instance     int64
	SharedDevice string
	DiskImage    string
	MountPoint   string
	HostMount    string
	MaxThreads   int
	LogLevel     string
	LedgerSize   int64

	// RunID tags this VM execution in the metadata descriptor.
	RunID uuid.UUID
}

func defaults() cfgFile {
	return cfgFile{
		Global: global{
			Shared_Device: defaultSharedDevice,
			Disk_Image:    defaultDiskImage,
			Mount_Point:   defaultMountPoint,
			Host_Mount:    defaultHostMount,
			Max_Threads:   defaultMaxThreads,
			Log_Level:     `INFO`,
			Ledger_Size:   defaultLedgerSize,
		},
	}
}

// Load reads the config file if present, folds in environment overrides
// and the boot parameter, and verifies the result. A missing file is not
// an error; the defaults stand.
func Load(p string) (*Config, error) {
	cf := defaults()
	if b, err := os.ReadFile(p); err == nil {
		if int64(len(b)) > maxConfigSize {
			return nil, ErrConfigFileTooLarge
		}
		if err = gcfg.ReadStringInto(&cf, string(b)); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", p, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if v, ok := os.LookupEnv(envInstance); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("bad %s: %w", envInstance, err)
		}
		cf.Global.Instance = n
	} else if n, ok := bootInstance(); ok {
		cf.Global.Instance = n
	}
	if v, ok := os.LookupEnv(envLogLevel); ok {
		cf.Global.Log_Level = v
	}
	if v, ok := os.LookupEnv(envDevice); ok {
		cf.Global.Shared_Device = v
	}

	return cf.verify()
}

func (cf cfgFile) verify() (*Config, error) {
	g := cf.Global
	if g.Instance < 0 || g.Instance >= shm.InstanceCount {
		return nil, ErrBadInstance
	}
	if g.Max_Threads <= 0 || g.Max_Threads > defaultMaxThreads {
		return nil, ErrBadThreadMax
	}
	sz, err := bytesize.Parse(g.Ledger_Size)
	if err != nil {
		return nil, ErrBadLedgerSize
	}
	return &Config{
		Instance:     int64(g.Instance),
		SharedDevice: g.Shared_Device,
		DiskImage:    g.Disk_Image,
		MountPoint:   g.Mount_Point,
		HostMount:    g.Host_Mount,
		MaxThreads:   g.Max_Threads,
		LogLevel:     g.Log_Level,
		LedgerSize:   int64(sz),
		RunID:        uuid.New(),
	}, nil
}

// bootInstance scans the kernel command line for dart_instance=<n>.
func bootInstance() (int, bool) {
	b, err := os.ReadFile(procCmdline)
	if err != nil {
		return 0, false
	}
	for _, f := range strings.Fields(string(b)) {
		if strings.HasPrefix(f, bootParamInstance) {
			if n, err := strconv.Atoi(strings.TrimPrefix(f, bootParamInstance)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
