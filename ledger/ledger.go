/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ledger implements the bounded append-only trace buffers the
// tracer writes and the host consumes, including the reserve transfer that
// preserves ledger contents across a kernel panic.
package ledger

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"
)

const (
	// LedgerSize bounds the main ledger buffer
	LedgerSize = 256 << 20

	// HeaderSize covers the count and cursor words
	HeaderSize = 16

	ledgerOffCount  = 0
	ledgerOffCursor = 8

	reserveOffCursor = 0
	reserveHdrSize   = 8
)

var (
	ErrShortBuffer = errors.New("Buffer cannot hold a ledger header")
)

func word(b []byte, off int64) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[off]))
}

// Ledger is an append-only message buffer: an atomic message counter, an
// atomic byte cursor, and the payload area. The counter always advances,
// even for messages the buffer could not hold, so the host can detect loss
// by comparing the two.
type Ledger struct {
	b     []byte
	limit uint64
}

// New lays a ledger over the given buffer. The payload bound is the buffer
// capacity capped at LedgerSize.
func New(b []byte) (*Ledger, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortBuffer
	}
	limit := uint64(len(b) - HeaderSize)
	if limit > LedgerSize {
		limit = LedgerSize
	}
	return &Ledger{b: b, limit: limit}, nil
}

func (l *Ledger) Reset() {
	atomic.StoreUint64(word(l.b, ledgerOffCount), 0)
	atomic.StoreUint64(word(l.b, ledgerOffCursor), 0)
}

func (l *Ledger) Count() uint64 {
	return atomic.LoadUint64(word(l.b, ledgerOffCount))
}

func (l *Ledger) Cursor() uint64 {
	return atomic.LoadUint64(word(l.b, ledgerOffCursor))
}

// Append copies msg into the buffer, reporting false when the entry had to
// be dropped. The message counter advances either way.
func (l *Ledger) Append(msg []byte) bool {
	size := uint64(len(msg))
	atomic.AddUint64(word(l.b, ledgerOffCount), 1)
	offset := atomic.AddUint64(word(l.b, ledgerOffCursor), size) - size
	if offset+size >= l.limit {
		return false
	}
	copy(l.b[HeaderSize+offset:], msg)
	return true
}

// Buffer returns the payload written so far, clamped to the bound when the
// cursor has run past the end.
func (l *Ledger) Buffer() []byte {
	cursor := l.Cursor()
	if cursor > l.limit {
		cursor = l.limit
	}
	return l.b[HeaderSize : HeaderSize+cursor]
}

// Reserve is the rescue buffer in the segment header: an atomic cursor
// followed by concatenated {i64 instance, ledger header, payload} records.
type Reserve struct {
	b []byte
}

func NewReserve(b []byte) (*Reserve, error) {
	if len(b) < reserveHdrSize {
		return nil, ErrShortBuffer
	}
	return &Reserve{b: b}, nil
}

func (r *Reserve) Reset() {
	atomic.StoreUint64(word(r.b, reserveOffCursor), 0)
}

func (r *Reserve) Cursor() uint64 {
	return atomic.LoadUint64(word(r.b, reserveOffCursor))
}

// Transfer snapshots the ledger into the reserve buffer right before the
// runtime dies. An overflowing reservation aborts silently; the primary
// ledger may still be partially recoverable from the main region.
func (r *Reserve) Transfer(l *Ledger, instance int64) {
	length := l.Cursor()
	if length > l.limit {
		length = l.limit
	}
	chunks := length + 8 + HeaderSize
	offset := atomic.AddUint64(word(r.b, reserveOffCursor), chunks) - chunks
	if offset+chunks >= uint64(len(r.b)-reserveHdrSize) {
		return
	}
	cur := r.b[reserveHdrSize+offset:]

	//instance id first, then the ledger header, then the payload
	binary.LittleEndian.PutUint64(cur, uint64(instance))
	binary.LittleEndian.PutUint64(cur[8:], l.Count())
	binary.LittleEndian.PutUint64(cur[16:], length)
	copy(cur[8+HeaderSize:], l.b[HeaderSize:HeaderSize+length])
}

// Record is one recovered reserve entry.
type Record struct {
	Instance int64
	Count    uint64
	Cursor   uint64
	Data     []byte
}

// Records walks the concatenated records until the reserve cursor is
// exhausted. A record whose advertised length runs past the cursor marks a
// truncated transfer and ends the walk.
func (r *Reserve) Records() (recs []Record) {
	end := r.Cursor()
	if end > uint64(len(r.b)-reserveHdrSize) {
		end = uint64(len(r.b) - reserveHdrSize)
	}
	buff := r.b[reserveHdrSize : reserveHdrSize+end]
	for uint64(len(buff)) >= 8+HeaderSize {
		rec := Record{
			Instance: int64(binary.LittleEndian.Uint64(buff)),
			Count:    binary.LittleEndian.Uint64(buff[8:]),
			Cursor:   binary.LittleEndian.Uint64(buff[16:]),
		}
		// an all-zero header is space an aborted transfer reserved but
		// never filled
		if rec.Instance == 0 && rec.Count == 0 && rec.Cursor == 0 {
			break
		}
		total := 8 + HeaderSize + rec.Cursor
		if total > uint64(len(buff)) {
			break
		}
		rec.Data = buff[8+HeaderSize : total]
		recs = append(recs, rec)
		buff = buff[total:]
	}
	return
}
