// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioproxy

import (
	"context"
	"io"
	"sync"

	"github.com/gravitational/trace"
)

// Pipe is a paired (input, output) where one half is constructed
// locally and the other on the peer, during deserialization of a
// command carrying the pipe. NewLocalPipe creates the locally-owned
// half backed by an in-process io.Pipe; the peer constructs its half
// as a RemoteWriter/RemoteInput pair and the two sides are linked with
// PipeConnect once both oids are known.
type Pipe struct {
	ReaderOID int64
	WriterOID int64

	LocalRead  *io.PipeReader
	LocalWrite *io.PipeWriter
}

// NewLocalPipe returns a Pipe whose local half is a plain in-process
// io.Pipe; ReaderOID/WriterOID are filled in once the owning export
// table assigns them.
func NewLocalPipe() *Pipe {
	r, w := io.Pipe()
	return &Pipe{LocalRead: r, LocalWrite: w}
}

// Registry rendezvouses the two peer-side oids of a pipe: whichever
// half is deserialized first registers its oid and blocks until the
// other arrives via a PipeConnect command.
type Registry struct {
	mu      sync.Mutex
	pending map[int64]chan int64 // oid of the half waiting -> channel delivering its counterpart's oid
}

// NewRegistry returns an empty pipe-connection Registry.
func NewRegistry() *Registry {
	return &Registry{pending: map[int64]chan int64{}}
}

// AwaitCounterpart blocks until the peer oid for halfOID is known,
// either because HandleConnect already delivered it or because it
// arrives while waiting.
func (r *Registry) AwaitCounterpart(ctx context.Context, halfOID int64) (int64, error) {
	r.mu.Lock()
	ch, ok := r.pending[halfOID]
	if !ok {
		ch = make(chan int64, 1)
		r.pending[halfOID] = ch
	}
	r.mu.Unlock()

	select {
	case counterpart := <-ch:
		return counterpart, nil
	case <-ctx.Done():
		return 0, trace.Wrap(ctx.Err(), "awaiting pipe counterpart for oid=%d", halfOID)
	}
}

// HandleConnect processes an incoming PipeConnect command, waking any
// AwaitCounterpart call for either half.
func (r *Registry) HandleConnect(readerOID, writerOID int64) {
	r.deliver(readerOID, writerOID)
	r.deliver(writerOID, readerOID)
}

func (r *Registry) deliver(halfOID, counterpart int64) {
	r.mu.Lock()
	ch, ok := r.pending[halfOID]
	if !ok {
		ch = make(chan int64, 1)
		r.pending[halfOID] = ch
	}
	r.mu.Unlock()

	select {
	case ch <- counterpart:
	default:
		// already delivered or buffer full: PipeConnect is expected
		// exactly once per half, a duplicate is a harmless no-op.
	}
}
