/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package shm

import (
	"testing"
)

var testBuff = make([]byte, TotalSize)

func TestLayoutConstants(t *testing.T) {
	if UserSize != 62*MB {
		t.Fatalf("user size %d", UserSize)
	}
	if KernSize != 66*MB {
		t.Fatalf("kern size %d", KernSize)
	}
	if InstanceSize != 128*MB {
		t.Fatalf("instance size %d", InstanceSize)
	}
	if HeaderSize != 256*MB {
		t.Fatalf("header size %d", HeaderSize)
	}
	if InstanceOffset(0) != 256*MB || InstanceOffset(1) != 384*MB {
		t.Fatal("instance offsets broken")
	}
}

func TestRegionBounds(t *testing.T) {
	if _, err := NewRegion(testBuff, -1); err != ErrBadInstance {
		t.Fatalf("negative instance yielded %v", err)
	}
	if _, err := NewRegion(testBuff, InstanceCount); err != ErrBadInstance {
		t.Fatalf("oversized instance yielded %v", err)
	}
	if _, err := NewRegion(make([]byte, 1024), 0); err != ErrRegionTooSmall {
		t.Fatalf("short buffer yielded %v", err)
	}
	r, err := NewRegion(testBuff, 1)
	if err != nil {
		t.Fatal(err)
	}
	if r.Instance() != 1 {
		t.Fatal("instance id lost")
	}
	if len(r.Bytecode()) != BytecodeSize {
		t.Fatal("bytecode window missized")
	}
	if len(r.StraceConsole()) != StraceSize {
		t.Fatal("strace window missized")
	}
	if len(r.Reserve()) != ReserveSize {
		t.Fatal("reserve window missized")
	}
}

func TestInstanceIsolation(t *testing.T) {
	r0, err := NewRegion(testBuff, 0)
	if err != nil {
		t.Fatal(err)
	}
	r1, err := NewRegion(testBuff, 1)
	if err != nil {
		t.Fatal(err)
	}
	r0.Metadata().SetCommand('c')
	r1.Metadata().SetCommand('t')
	if r0.Metadata().Command() != 'c' || r1.Metadata().Command() != 't' {
		t.Fatal("instance metadata windows overlap")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	r, err := NewRegion(testBuff, 2)
	if err != nil {
		t.Fatal(err)
	}
	md := r.Metadata()
	md.SetCommand(CmdPrep)
	md.SetDesc(`abcdefghij`) //longer than the field
	md.SetStatus(StatusNotStarted)
	md.SetFSType(`ext4`)
	md.SetMountOpts(`errors=remount-ro`)
	md.SetPrepMethod(`000`)

	if md.Command() != 'p' {
		t.Fatal("command lost")
	}
	if md.Desc() != `abcdef` {
		t.Fatalf("desc %q, wanted the truncated field", md.Desc())
	}
	if md.Status() != StatusNotStarted {
		t.Fatal("status lost")
	}
	md.SetStatus(StatusFinished)
	if md.Status() != StatusFinished {
		t.Fatal("status update lost")
	}
	if md.FSType() != `ext4` || md.MountOpts() != `errors=remount-ro` || md.PrepMethod() != `000` {
		t.Fatal("mount info lost")
	}
}

func TestRtraceRecording(t *testing.T) {
	r, err := NewRegion(testBuff, 3)
	if err != nil {
		t.Fatal(err)
	}
	rt := r.Rtrace()
	rt.Reset()
	rt.Record(1, 2, 3, 4)
	rt.Record(5, 6, 7, 8)
	if rt.Count() != 2 {
		t.Fatalf("count %d != 2", rt.Count())
	}
	if from, into, addr, size := rt.Entry(0); from != 1 || into != 2 || addr != 3 || size != 4 {
		t.Fatal("first quadruple mangled")
	}
	if from, into, addr, size := rt.Entry(1); from != 5 || into != 6 || addr != 7 || size != 8 {
		t.Fatal("second quadruple mangled")
	}
}

func TestRtinfoCounters(t *testing.T) {
	r, err := NewRegion(testBuff, 3)
	if err != nil {
		t.Fatal(err)
	}
	ri := r.Rtinfo()
	ri.Reset()
	ri.IncrCovCFGEdge()
	ri.IncrCovCFGEdge()
	ri.IncrCovDFGEdge()
	ri.IncrCovAlias()
	if ri.CovCFGEdge() != 2 || ri.CovDFGEdge() != 1 || ri.CovAliasInst() != 1 {
		t.Fatal("counters mangled")
	}
	if ri.ProperExit() || ri.WarnOrError() {
		t.Fatal("flags set on reset state")
	}
	ri.SetProperExit()
	ri.SetWarnOrError()
	if !ri.ProperExit() || !ri.WarnOrError() {
		t.Fatal("flags lost")
	}
}

func TestBitmap(t *testing.T) {
	r, err := NewRegion(testBuff, 0)
	if err != nil {
		t.Fatal(err)
	}
	bm := r.CovCFGEdge()
	if bm.Test(12345) {
		t.Fatal("fresh bit already set")
	}
	if bm.TestAndSet(12345) {
		t.Fatal("first set reported already-set")
	}
	if !bm.TestAndSet(12345) {
		t.Fatal("second set reported fresh")
	}
	if !bm.Test(12345) {
		t.Fatal("bit lost")
	}
}
