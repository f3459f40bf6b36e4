// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Checksum is a 128-bit content identifier of a jar: two 64-bit
// halves. Equality is bytewise. The digest algorithm is fixed at
// channel creation; the only value implemented is a 128-bit truncation
// of SHA-256, matching the default DigestID advertised during
// capability exchange.
type Checksum struct {
	Hi uint64
	Lo uint64
}

// Equal reports bytewise equality.
func (c Checksum) Equal(o Checksum) bool { return c.Hi == o.Hi && c.Lo == o.Lo }

// IsZero reports whether c is the zero checksum.
func (c Checksum) IsZero() bool { return c.Hi == 0 && c.Lo == 0 }

// String renders the checksum as 32 lowercase hex digits (Hi then Lo).
func (c Checksum) String() string {
	var b [16]byte
	putUint64(b[:8], c.Hi)
	putUint64(b[8:], c.Lo)
	return hex.EncodeToString(b[:])
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// SumBytes computes the Checksum of b.
func SumBytes(b []byte) Checksum {
	sum := sha256.Sum256(b)
	return checksumFromDigest(sum[:])
}

// SumReader computes the Checksum of everything read from r.
func SumReader(r io.Reader) (Checksum, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Checksum{}, err
	}
	return checksumFromDigest(h.Sum(nil)), nil
}

func checksumFromDigest(sum []byte) Checksum {
	return Checksum{
		Hi: beUint64(sum[0:8]),
		Lo: beUint64(sum[8:16]),
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
