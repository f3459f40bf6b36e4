// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package frame

import "io"

const (
	maxChunkPayload   = 1<<15 - 1 // 32767
	defaultFlushEvery = 8 * 1024
	lastFlag          = 0x8000
)

// chunked implements Chunked framing: a block is one or more
// fragments, each prefixed by a 2-byte header whose high bit marks the
// last fragment and whose low 15 bits carry that fragment's payload
// length.
type chunked struct {
	rw         io.ReadWriter
	flushEvery int

	// resumable read state
	rhdr     [2]byte
	rhdrOff  int
	rhdrDone bool
	rlen     int
	rlast    bool
	rblock   []byte // accumulated block so far
	rfrag    []byte // current fragment buffer
	rfragOff int

	// resumable write state
	wstage   int // 0: idle/need-header, 1: header, 2: payload
	whdr     [2]byte
	whdrOff  int
	wremain  []byte // remaining payload of the block not yet chunked
	wfrag    []byte // current fragment slice being written
	wfragOff int
}

func newChunked(rw io.ReadWriter, flushEvery int) *chunked {
	if flushEvery <= 0 || flushEvery > maxChunkPayload {
		flushEvery = defaultFlushEvery
	}
	return &chunked{rw: rw, flushEvery: flushEvery}
}

func (c *chunked) ReadBlock() ([]byte, error) {
	for {
		if !c.rhdrDone {
			n, err := readFull(c.rw, c.rhdr[c.rhdrOff:])
			c.rhdrOff += n
			if err != nil {
				if err == io.ErrUnexpectedEOF && len(c.rblock) > 0 {
					// EOF after a non-last fragment: the block is cut short
					return nil, ErrStreamCorruption
				}
				return nil, err
			}
			v := be.Uint16(c.rhdr[:])
			c.rlast = v&lastFlag != 0
			c.rlen = int(v &^ lastFlag)
			c.rfrag = make([]byte, c.rlen)
			c.rfragOff = 0
			c.rhdrDone = true
		}
		if c.rlen > 0 {
			n, err := readFull(c.rw, c.rfrag[c.rfragOff:])
			c.rfragOff += n
			if err != nil {
				if err == io.ErrUnexpectedEOF {
					return nil, ErrStreamCorruption
				}
				return nil, err
			}
		}
		c.rblock = append(c.rblock, c.rfrag...)
		last := c.rlast
		c.rhdrOff, c.rhdrDone, c.rlen, c.rlast, c.rfrag, c.rfragOff = 0, false, 0, false, nil, 0
		if last {
			out := c.rblock
			c.rblock = nil
			return out, nil
		}
		// loop to read the next fragment of the same block
	}
}

func (c *chunked) WriteBlock(p []byte) error {
	if c.wstage == 0 {
		c.wremain = p
		if len(p) == 0 {
			c.wremain = []byte{}
		}
	}
	for {
		if c.wstage <= 1 {
			if c.wstage == 0 {
				n := len(c.wremain)
				if n > c.flushEvery {
					n = c.flushEvery
				}
				c.wfrag = c.wremain[:n]
				c.wremain = c.wremain[n:]
				last := len(c.wremain) == 0
				v := uint16(n)
				if last {
					v |= lastFlag
				}
				be.PutUint16(c.whdr[:], v)
				c.whdrOff = 0
				c.wfragOff = 0
				c.wstage = 1
			}
			n, err := writeFull(c.rw, c.whdr[c.whdrOff:])
			c.whdrOff += n
			if err != nil {
				return err
			}
			c.wstage = 2
		}
		if len(c.wfrag) > 0 {
			n, err := writeFull(c.rw, c.wfrag[c.wfragOff:])
			c.wfragOff += n
			if err != nil {
				return err
			}
		}
		last := c.whdr[0]&0x80 != 0
		done := len(c.wremain) == 0 && last
		c.wstage = 0
		if done {
			c.wremain, c.wfrag, c.wfragOff, c.whdrOff = nil, nil, 0, 0
			return nil
		}
	}
}

func (c *chunked) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
