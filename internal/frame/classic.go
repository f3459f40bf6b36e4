// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package frame

import "io"

// classic implements Classic framing: a 4-byte big-endian length prefix
// followed by that many payload bytes.
type classic struct {
	rw io.ReadWriter

	// resumable read state
	rhdr     [4]byte
	rhdrOff  int
	rlen     int
	rbuf     []byte
	roff     int
	rhdrDone bool

	// resumable write state
	whdr     [4]byte
	whdrOff  int
	wpayload []byte
	woff     int
	wstage   int // 0: header, 1: payload, 2: done
}

func newClassic(rw io.ReadWriter) *classic {
	return &classic{rw: rw}
}

func (c *classic) ReadBlock() ([]byte, error) {
	if !c.rhdrDone {
		n, err := readFull(c.rw, c.rhdr[c.rhdrOff:])
		c.rhdrOff += n
		if err != nil {
			return nil, err
		}
		c.rlen = int(be.Uint32(c.rhdr[:]))
		c.rbuf = make([]byte, c.rlen)
		c.roff = 0
		c.rhdrDone = true
	}
	n, err := readFull(c.rw, c.rbuf[c.roff:])
	c.roff += n
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrStreamCorruption
		}
		return nil, err
	}
	out := c.rbuf
	c.rhdrOff, c.rlen, c.rbuf, c.roff, c.rhdrDone = 0, 0, nil, 0, false
	return out, nil
}

func (c *classic) WriteBlock(p []byte) error {
	if c.wstage == 0 {
		be.PutUint32(c.whdr[:], uint32(len(p)))
		c.wpayload = p
		c.woff = 0
	}
	if c.wstage <= 0 {
		n, err := writeFull(c.rw, c.whdr[c.whdrOff:])
		c.whdrOff += n
		if err != nil {
			return err
		}
		c.wstage = 1
	}
	n, err := writeFull(c.rw, c.wpayload[c.woff:])
	c.woff += n
	if err != nil {
		return err
	}
	c.whdrOff, c.wpayload, c.woff, c.wstage = 0, nil, 0, 0
	return nil
}

func (c *classic) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
