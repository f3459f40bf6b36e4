// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package frame moves opaque byte blocks across a full-duplex byte
// stream, preserving block boundaries.
//
// Two wire encodings are implemented:
//
//   - Classic: each block is preceded by a 4-byte big-endian length,
//     then length payload bytes.
//   - Chunked: a block is a sequence of fragments, each prefixed by a
//     2-byte chunk header (high bit of byte 0 is the "last" flag; the
//     remaining 15 bits are this fragment's payload length, 0-32767).
//
// Chunked framing lets a reader discover block boundaries without
// decoding the payload, which is what makes it usable on non-blocking
// transports; Classic is simpler and is what New returns for any
// Encoding other than Chunked. remoting.Open selects Chunked whenever
// both peers advertise chunked framing, and Classic otherwise.
package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrStreamCorruption is returned when a framing invariant is violated,
// e.g. EOF in the middle of a block. Fatal to the owning channel.
var ErrStreamCorruption = errors.New("frame: stream corruption")

// ErrWouldBlock is the control-flow signal a non-blocking Transport may
// return from Read or Write to mean "no progress without waiting".
// Block-reading and block-writing state machines in this package are
// resumable: on ErrWouldBlock they return that error and keep the
// partial progress made so far in internal state, so the next call
// with the same arguments continues where the last one stopped. The default transports built from net.Conn
// or io.Pipe never produce it; it exists for callers who plug in their
// own non-blocking io.Reader/io.Writer.
var ErrWouldBlock = errors.New("frame: would block")

// Encoding selects the wire encoding used by a BlockTransport.
type Encoding uint8

const (
	// Classic is 4-byte-big-endian-length-prefixed framing.
	Classic Encoding = iota
	// Chunked is fragment-header framing: 2-byte headers with a
	// last-fragment flag.
	Chunked
)

// BlockTransport atomically delivers byte blocks across an underlying
// io.ReadWriter, preserving block boundaries in both directions.
type BlockTransport interface {
	// ReadBlock returns exactly one peer-written block, or fails.
	ReadBlock() ([]byte, error)
	// WriteBlock delivers exactly p as one logical block.
	WriteBlock(p []byte) error
	// Close releases the underlying transport.
	Close() error
}

// New returns a BlockTransport over rw using the requested encoding.
// flushEvery only applies to Chunked and controls the approximate
// fragment size writers emit before starting a new one; zero selects
// the 8KiB default.
func New(rw io.ReadWriter, enc Encoding, flushEvery int) BlockTransport {
	switch enc {
	case Chunked:
		return newChunked(rw, flushEvery)
	default:
		return newClassic(rw)
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

// readFull reads exactly len(buf) bytes from r, tolerating ErrWouldBlock
// by returning it immediately with whatever prefix of buf was filled.
// Unlike io.ReadFull, a zero-byte read with a nil error is treated as a
// broken Reader rather than spun on forever.
func readFull(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		rn, err := r.Read(buf[n:])
		if rn == 0 && err == nil {
			return n, io.ErrNoProgress
		}
		n += rn
		if err != nil {
			if isWouldBlock(err) {
				return n, err
			}
			if err == io.EOF {
				if n == len(buf) {
					return n, nil
				}
				return n, io.ErrUnexpectedEOF
			}
			return n, err
		}
	}
	return n, nil
}

// writeFull writes all of buf to w, tolerating ErrWouldBlock the same
// way readFull does.
func writeFull(w io.Writer, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		wn, err := w.Write(buf[n:])
		if wn == 0 && err == nil {
			return n, io.ErrShortWrite
		}
		n += wn
		if err != nil {
			if isWouldBlock(err) {
				return n, err
			}
			return n, err
		}
	}
	return n, nil
}

var be = binary.BigEndian
