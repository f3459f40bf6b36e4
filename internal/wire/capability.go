// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/gravitational/trace"
)

// preamble is the fixed ASCII bytes both peers write before any
// Channel exists. What follows it is decoded with fixed-width reads of
// the capability mask and digest id only, never routed through the
// dynamic Payload codec.
const preamble = "<===[JENKINS REMOTING CAPACITY]===>"

// Capability is a bit in the preamble mask advertising an optional
// feature.
type Capability uint64

const (
	CapMultiClassLoader  Capability = 1 << 0
	CapPipeWindow        Capability = 1 << 1
	CapMimicException    Capability = 1 << 2
	CapClassPrefetch     Capability = 1 << 3
	CapGreedyInput       Capability = 1 << 4
	CapProxyWriterWindow Capability = 1 << 5
	CapChunkedFraming    Capability = 1 << 6
)

// Has reports whether c has all the bits set in want.
func (c Capability) Has(want Capability) bool { return c&want == want }

// DigestSHA256Truncated128 is the only digest id implemented.
const DigestSHA256Truncated128 byte = 0

// Capabilities is the local/remote feature set exchanged during the
// preamble and the resolved digest algorithm extension byte.
type Capabilities struct {
	Mask     Capability
	DigestID byte
}

// Effective returns the AND of local and remote capabilities. If the
// two sides advertise different digest ids, jar-cache reference
// exchange (JarPresent / ClassInJar) is disabled for the channel by
// clearing CapClassPrefetch, since the sides cannot agree on a
// checksum space.
func Effective(local, remote Capabilities) Capabilities {
	eff := Capabilities{Mask: local.Mask & remote.Mask, DigestID: local.DigestID}
	if local.DigestID != remote.DigestID {
		eff.Mask &^= CapClassPrefetch
	}
	return eff
}

// WritePreamble writes the fixed ASCII preamble followed by the
// 8-byte big-endian capability mask and the 1-byte digest id.
func WritePreamble(w io.Writer, caps Capabilities) error {
	buf := make([]byte, len(preamble)+9)
	copy(buf, preamble)
	binary.BigEndian.PutUint64(buf[len(preamble):], uint64(caps.Mask))
	buf[len(preamble)+8] = caps.DigestID
	_, err := w.Write(buf)
	if err != nil {
		return trace.Wrap(err, "writing capability preamble")
	}
	return nil
}

// ReadPreamble validates the fixed ASCII prefix and decodes the
// capability mask and digest id that follow it. Unknown mask bits are
// preserved and ignored.
func ReadPreamble(r io.Reader) (Capabilities, error) {
	br := bufio.NewReaderSize(r, len(preamble)+9)
	buf := make([]byte, len(preamble)+9)
	if _, err := io.ReadFull(br, buf); err != nil {
		return Capabilities{}, trace.Wrap(err, "reading capability preamble")
	}
	if string(buf[:len(preamble)]) != preamble {
		return Capabilities{}, trace.BadParameter("wire: bad preamble, peer is not speaking this protocol")
	}
	mask := Capability(binary.BigEndian.Uint64(buf[len(preamble) : len(preamble)+8]))
	digest := buf[len(preamble)+8]
	return Capabilities{Mask: mask, DigestID: digest}, nil
}
