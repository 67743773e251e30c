/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package shm defines the layout of the shared-memory segment exchanged
// between the host orchestrator, the guest user process, and the in-kernel
// tracer. The segment is carved at fixed offsets; no allocator is ever
// involved and every view is bounds checked exactly once at construction.
package shm

const (
	MB = 1 << 20

	// header region, shared across all instances
	HeaderSize       = 256 * MB
	OffsetCovCFGEdge = 4 * MB
	OffsetCovDFGEdge = 8 * MB
	OffsetCovAlias   = 12 * MB
	OffsetReserve    = 16 * MB
	ReserveSize      = HeaderSize - OffsetReserve

	// user sub-region of an instance
	OffsetMetadata = 0
	MetadataSize   = 2 * MB
	OffsetBytecode = OffsetMetadata + MetadataSize
	BytecodeSize   = 48 * MB
	OffsetStrace   = OffsetBytecode + BytecodeSize
	StraceSize     = 12 * MB
	UserSize       = OffsetStrace + StraceSize

	// kernel sub-region of an instance
	OffsetRtinfo = UserSize
	RtinfoSize   = 2 * MB
	OffsetRtrace = OffsetRtinfo + RtinfoSize
	RtraceSize   = 64 * MB
	KernSize     = RtinfoSize + RtraceSize

	// a full instance window and the segment as a whole
	InstanceSize  = UserSize + KernSize
	InstanceCount = 4

	TotalSize = HeaderSize + InstanceCount*InstanceSize
)

// InstanceOffset returns the byte offset of instance i within the segment.
func InstanceOffset(i int64) int64 {
	return HeaderSize + i*InstanceSize
}

const (
	// coverage bitmaps are 1<<24 bits each
	CovBits  = 1 << 24
	CovBytes = CovBits / 8
)

// guest command bytes, written by the host at metadata offset 0
const (
	CmdTest byte = 't'
	CmdPrep byte = 'p'
	CmdCont byte = 'c'
	CmdFuzz byte = 'f'
)

// metadata block layout
const (
	mdOffCommand  = 0
	mdOffDesc     = 1
	mdDescLen     = 7
	mdOffStatus   = 8
	mdOffFSType   = 16
	mdFSTypeLen   = 32
	mdOffMountOpt = mdOffFSType + mdFSTypeLen
	mdMountOptLen = 256
	mdOffPrep     = mdOffMountOpt + mdMountOptLen
	mdPrepLen     = 64
)

// guest execution status values
const (
	StatusNotStarted uint64 = 0
	StatusFinished   uint64 = 1
)
