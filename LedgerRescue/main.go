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
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/gravwell/dartrace/ledger"
	"github.com/gravwell/dartrace/shm"
	"github.com/gravwell/dartrace/version"
	"github.com/inhies/go-bytesize"
	"github.com/klauspost/compress/gzip"
)

var (
	regionFile = flag.String("region-file", "", "Path to the shared region backing file")
	outDir     = flag.String("out-dir", ".", "Directory receiving recovered ledgers")
	compress   = flag.Bool("compress", false, "gzip the recovered ledgers")
	ver        = flag.Bool("version", false, "Print the version information and exit")
)

// LedgerRescue pulls panic-preserved ledgers back out of a region file
// after a VM died: the reserve buffer holds concatenated
// {instance, header, payload} records written moments before each BUG.
func main() {
	flag.Parse()
	if *ver {
		version.PrintVersion(os.Stdout)
		os.Exit(0)
	}
	if *regionFile == `` {
		fmt.Fprintf(os.Stderr, "A region file is required\n")
		os.Exit(1)
	}

	// hold the file lock so a host writer cannot race the recovery
	fl := flock.New(*regionFile)
	if err := fl.Lock(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock %s: %v\n", *regionFile, err)
		os.Exit(1)
	}
	defer fl.Unlock()

	region, err := shm.MapRegion(*regionFile, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to map %s: %v\n", *regionFile, err)
		os.Exit(1)
	}
	defer region.Close()

	rsv, err := ledger.NewReserve(region.Reserve())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open reserve ledger: %v\n", err)
		os.Exit(1)
	}

	recs := rsv.Records()
	if len(recs) == 0 {
		fmt.Println("No reserve records present")
		return
	}
	for i, rec := range recs {
		name := fmt.Sprintf("ledger-%d-%d.log", rec.Instance, i)
		if *compress {
			name += `.gz`
		}
		p := filepath.Join(*outDir, name)
		if err := writeRecord(p, rec, *compress); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", p, err)
			os.Exit(1)
		}
		fmt.Printf("%s: instance %d, %d entries, %s\n",
			name, rec.Instance, rec.Count, bytesize.New(float64(len(rec.Data))))
		if rec.Count > 0 && rec.Cursor >= ledger.LedgerSize {
			fmt.Printf("%s: ledger overflowed, entries were dropped\n", name)
		}
	}
}

func writeRecord(p string, rec ledger.Record, gz bool) error {
	t, err := renameio.TempFile(``, p)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if gz {
		w := gzip.NewWriter(t)
		if _, err = w.Write(rec.Data); err != nil {
			return err
		}
		if err = w.Close(); err != nil {
			return err
		}
	} else if _, err = t.Write(rec.Data); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
