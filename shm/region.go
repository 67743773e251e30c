/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package shm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"
)

var (
	ErrBadInstance    = errors.New("Instance id is out of range")
	ErrRegionTooSmall = errors.New("Backing buffer cannot hold the region")
	ErrRegionClosed   = errors.New("Region has been closed")
)

// Region is a handle over the mapped segment bound to one instance window.
// All interior accessors are infallible; bounds were checked at construction.
type Region struct {
	buff     []byte
	instance int64
	inst     []byte //the window for our instance
	fm       *fileMapping
}

// NewRegion wraps an existing buffer, typically for the test harness.
// The buffer must hold the full segment.
func NewRegion(buff []byte, instance int64) (*Region, error) {
	if instance < 0 || instance >= InstanceCount {
		return nil, ErrBadInstance
	}
	if int64(len(buff)) < TotalSize {
		return nil, ErrRegionTooSmall
	}
	off := InstanceOffset(instance)
	return &Region{
		buff:     buff,
		instance: instance,
		inst:     buff[off : off+InstanceSize],
	}, nil
}

func (r *Region) Instance() int64 {
	return r.instance
}

// Buffer hands back the raw backing slice, the escape hatch for tooling
// that walks the segment directly.
func (r *Region) Buffer() []byte {
	return r.buff
}

func (r *Region) Close() (err error) {
	if r.fm != nil {
		err = r.fm.close()
		r.fm = nil
	}
	r.buff = nil
	r.inst = nil
	return
}

// word returns an atomically addressable u64 at an 8-aligned offset of b.
func word(b []byte, off int64) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[off]))
}

// Metadata returns the view over the instance metadata block.
func (r *Region) Metadata() *Metadata {
	return &Metadata{b: r.inst[OffsetMetadata : OffsetMetadata+MetadataSize]}
}

// Bytecode returns the raw program region for this instance.
func (r *Region) Bytecode() []byte {
	return r.inst[OffsetBytecode : OffsetBytecode+BytecodeSize]
}

// StraceConsole returns the strace ledger region for this instance.
func (r *Region) StraceConsole() []byte {
	return r.inst[OffsetStrace : OffsetStrace+StraceSize]
}

// Rtinfo returns the kernel runtime-info view for this instance.
func (r *Region) Rtinfo() *Rtinfo {
	return &Rtinfo{b: r.inst[OffsetRtinfo : OffsetRtinfo+RtinfoSize]}
}

// Rtrace returns the race-trace view for this instance.
func (r *Region) Rtrace() *Rtrace {
	return &Rtrace{b: r.inst[OffsetRtrace : OffsetRtrace+RtraceSize]}
}

// CovCFGEdge, CovDFGEdge, and CovAlias return the global coverage bitmaps
// in the segment header; these are shared across instances.
func (r *Region) CovCFGEdge() *Bitmap {
	return &Bitmap{b: r.buff[OffsetCovCFGEdge : OffsetCovCFGEdge+CovBytes]}
}

func (r *Region) CovDFGEdge() *Bitmap {
	return &Bitmap{b: r.buff[OffsetCovDFGEdge : OffsetCovDFGEdge+CovBytes]}
}

func (r *Region) CovAlias() *Bitmap {
	return &Bitmap{b: r.buff[OffsetCovAlias : OffsetCovAlias+CovBytes]}
}

// Reserve returns the reserve-ledger area in the segment header.
func (r *Region) Reserve() []byte {
	return r.buff[OffsetReserve : OffsetReserve+ReserveSize]
}

// Metadata is the typed overlay over the 2MB metadata block.
type Metadata struct {
	b []byte
}

func (m *Metadata) Command() byte {
	return m.b[mdOffCommand]
}

func (m *Metadata) SetCommand(c byte) {
	m.b[mdOffCommand] = c
}

func (m *Metadata) Desc() string {
	return cstr(m.b[mdOffDesc : mdOffDesc+mdDescLen])
}

func (m *Metadata) SetDesc(s string) {
	setCstr(m.b[mdOffDesc:mdOffDesc+mdDescLen], s)
}

func (m *Metadata) Status() uint64 {
	return atomic.LoadUint64(word(m.b, mdOffStatus))
}

func (m *Metadata) SetStatus(v uint64) {
	atomic.StoreUint64(word(m.b, mdOffStatus), v)
}

func (m *Metadata) FSType() string {
	return cstr(m.b[mdOffFSType : mdOffFSType+mdFSTypeLen])
}

func (m *Metadata) SetFSType(s string) {
	setCstr(m.b[mdOffFSType:mdOffFSType+mdFSTypeLen], s)
}

func (m *Metadata) MountOpts() string {
	return cstr(m.b[mdOffMountOpt : mdOffMountOpt+mdMountOptLen])
}

func (m *Metadata) SetMountOpts(s string) {
	setCstr(m.b[mdOffMountOpt:mdOffMountOpt+mdMountOptLen], s)
}

func (m *Metadata) PrepMethod() string {
	return cstr(m.b[mdOffPrep : mdOffPrep+mdPrepLen])
}

func (m *Metadata) SetPrepMethod(s string) {
	setCstr(m.b[mdOffPrep:mdOffPrep+mdPrepLen], s)
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func setCstr(b []byte, s string) {
	for i := range b {
		b[i] = 0
	}
	copy(b[:len(b)-1], s)
}

// rtinfo slots, all atomic u64
const (
	riOffProperExit = 0
	riOffWarnOrErr  = 8
	riOffCovCFGIncr = 16
	riOffCovDFGIncr = 24
	riOffCovAlias   = 32
)

// Rtinfo is the view over the kernel runtime-info block: health flags and
// coverage-increment counters.
type Rtinfo struct {
	b []byte
}

func (ri *Rtinfo) Reset() {
	for _, off := range []int64{riOffProperExit, riOffWarnOrErr, riOffCovCFGIncr, riOffCovDFGIncr, riOffCovAlias} {
		atomic.StoreUint64(word(ri.b, off), 0)
	}
}

func (ri *Rtinfo) ProperExit() bool {
	return atomic.LoadUint64(word(ri.b, riOffProperExit)) != 0
}

func (ri *Rtinfo) SetProperExit() {
	atomic.StoreUint64(word(ri.b, riOffProperExit), 1)
}

func (ri *Rtinfo) WarnOrError() bool {
	return atomic.LoadUint64(word(ri.b, riOffWarnOrErr)) != 0
}

func (ri *Rtinfo) SetWarnOrError() {
	atomic.StoreUint64(word(ri.b, riOffWarnOrErr), 1)
}

func (ri *Rtinfo) IncrCovCFGEdge() {
	atomic.AddUint64(word(ri.b, riOffCovCFGIncr), 1)
}

func (ri *Rtinfo) IncrCovDFGEdge() {
	atomic.AddUint64(word(ri.b, riOffCovDFGIncr), 1)
}

func (ri *Rtinfo) IncrCovAlias() {
	atomic.AddUint64(word(ri.b, riOffCovAlias), 1)
}

func (ri *Rtinfo) CovCFGEdge() uint64 {
	return atomic.LoadUint64(word(ri.b, riOffCovCFGIncr))
}

func (ri *Rtinfo) CovDFGEdge() uint64 {
	return atomic.LoadUint64(word(ri.b, riOffCovDFGIncr))
}

func (ri *Rtinfo) CovAliasInst() uint64 {
	return atomic.LoadUint64(word(ri.b, riOffCovAlias))
}

// RtraceEntryMax bounds the race log; entries past it are dropped but the
// counter keeps advancing so the host can detect truncation.
const RtraceEntryMax = (RtraceSize - 8) / (4 * 8)

// Rtrace is the append-only race log: an atomic entry counter followed by
// quadruples of u64 words {from, into, addr, size}.
type Rtrace struct {
	b []byte
}

func (rt *Rtrace) Reset() {
	atomic.StoreUint64(word(rt.b, 0), 0)
}

func (rt *Rtrace) Count() uint64 {
	return atomic.LoadUint64(word(rt.b, 0))
}

// Record appends a race quadruple, dropping silently once full.
func (rt *Rtrace) Record(from, into, addr, size uint64) {
	idx := atomic.AddUint64(word(rt.b, 0), 1) - 1
	if idx >= RtraceEntryMax {
		return
	}
	off := 8 + int64(idx)*32
	binary.LittleEndian.PutUint64(rt.b[off:], from)
	binary.LittleEndian.PutUint64(rt.b[off+8:], into)
	binary.LittleEndian.PutUint64(rt.b[off+16:], addr)
	binary.LittleEndian.PutUint64(rt.b[off+24:], size)
}

// Entry returns the i-th recorded quadruple.
func (rt *Rtrace) Entry(i uint64) (from, into, addr, size uint64) {
	off := 8 + int64(i)*32
	from = binary.LittleEndian.Uint64(rt.b[off:])
	into = binary.LittleEndian.Uint64(rt.b[off+8:])
	addr = binary.LittleEndian.Uint64(rt.b[off+16:])
	size = binary.LittleEndian.Uint64(rt.b[off+24:])
	return
}

// Bitmap is a shared coverage bitmap supporting an atomic test-and-set.
type Bitmap struct {
	b []byte
}

// TestAndSet sets bit i and reports whether it was already set.
func (bm *Bitmap) TestAndSet(i uint32) bool {
	w := (*uint32)(unsafe.Pointer(&bm.b[(i/32)*4]))
	mask := uint32(1) << (i % 32)
	for {
		old := atomic.LoadUint32(w)
		if old&mask != 0 {
			return true
		}
		if atomic.CompareAndSwapUint32(w, old, old|mask) {
			return false
		}
	}
}

// Test reports whether bit i is set.
func (bm *Bitmap) Test(i uint32) bool {
	w := (*uint32)(unsafe.Pointer(&bm.b[(i/32)*4]))
	return atomic.LoadUint32(w)&(uint32(1)<<(i%32)) != 0
}
