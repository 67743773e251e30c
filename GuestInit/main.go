/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"flag"
	"os"

	"github.com/gravwell/dartrace/config"
	"github.com/gravwell/dartrace/guest"
	"github.com/gravwell/dartrace/log"
	"github.com/gravwell/dartrace/shm"
	"github.com/gravwell/dartrace/version"
	"golang.org/x/sys/unix"
)

var (
	confLoc  = flag.String("config-file", config.DefaultConfigLoc, "Location for configuration file")
	verbose  = flag.Bool("v", false, "Display verbose status updates on the console")
	noReboot = flag.Bool("no-reboot", false, "Do not power off when finished, for bench debugging")
	ver      = flag.Bool("version", false, "Print the version information and exit")

	lg *log.Logger
)

func init() {
	flag.Parse()
	if *ver {
		version.PrintVersion(os.Stdout)
		os.Exit(0)
	}
	lg = log.NewStderrLogger()
	if *verbose {
		lg.SetLevel(log.DEBUG)
	}
}

// GuestInit is PID 1 inside the VM. Exiting nonzero from here is a kernel
// panic by design: the orchestrator must always see a clean failure.
func main() {
	cfg, err := config.Load(*confLoc)
	if err != nil {
		lg.Fatalf("failed to load config: %v", err)
	}
	if lvl, err := log.LevelFromString(cfg.LogLevel); err == nil && !*verbose {
		lg.SetLevel(lvl)
	}
	lg.Debugf("starting the guest system, instance %d run %v", cfg.Instance, cfg.RunID)

	if err = guest.SetupBase(cfg.HostMount); err != nil {
		lg.Fatalf("%v", err)
	}

	region, err := shm.MapRegion(cfg.SharedDevice, cfg.Instance)
	if err != nil {
		lg.Fatalf("failed to map shared region from %s: %v", cfg.SharedDevice, err)
	}
	if err = shm.LockMemory(); err != nil {
		lg.Fatalf("failed to mlockall: %v", err)
	}
	region.Metadata().SetDesc(cfg.RunID.String())

	g, err := guest.New(guest.Params{
		Region: region,
		Cfg:    cfg,
		Lg:     lg,
	})
	if err != nil {
		lg.Fatalf("failed to build guest: %v", err)
	}

	// the original forked here so a dying child still reached the
	// reboot; in process, a panic is recovered and turned into exit(1),
	// which from PID 1 is the kernel panic the orchestrator sees
	if err = runGuarded(g); err != nil {
		lg.Fatalf("guest run failed: %v", err)
	}

	if err = shm.UnlockMemory(); err != nil {
		lg.Fatalf("failed to munlockall: %v", err)
	}
	region.Close()
	if err = guest.TeardownBase(cfg.HostMount); err != nil {
		lg.Fatalf("%v", err)
	}

	lg.Debugf("stopping the guest system")
	if *noReboot {
		return
	}
	unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
}

func runGuarded(g *guest.Guest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			lg.Errorf("guest panicked: %v", r)
			os.Exit(1)
		}
	}()
	return g.Run()
}
