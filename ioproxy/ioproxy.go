// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ioproxy implements proxied streams and pipes: remote writers
// and readers backed by StreamChunk / StreamWindow / StreamEOF /
// ReadRequest commands, and pipes that link a locally created half to
// one constructed on the peer during deserialization.
package ioproxy

import "context"

// Sender is the subset of Channel that stream and pipe proxies need to
// emit commands. Defined here, at the dependency leaf, so Channel can
// implement it without ioproxy importing the channel package.
type Sender interface {
	SendChunk(ctx context.Context, oid int64, data []byte) error
	SendWindow(ctx context.Context, oid int64, consumed int64) error
	SendEOF(ctx context.Context, oid int64, errText string) error
	// SendReadRequest performs the full ReadRequest/Response round trip
	// and returns the bytes read, or eof/err.
	SendReadRequest(ctx context.Context, oid int64, maxLen int32) (data []byte, eof bool, err error)
	SendPipeConnect(ctx context.Context, readerOID, writerOID int64) error
}

const (
	defaultWindowSize = 1 << 20 // 1 MiB of outstanding-unacknowledged credit
	defaultChunkSize  = 32 * 1024
	defaultAckEvery   = 256 * 1024 // ack after this many consumed bytes
)
