// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioproxy

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/gravitational/trace"
)

// RemoteInput is the forwarder half of a remote input stream: reads
// pull chunks on demand with ReadRequest commands rather than being
// pushed proactively.
type RemoteInput struct {
	oid    int64
	sender Sender
	maxLen int32

	mu  sync.Mutex
	buf bytes.Buffer
	eof bool
	err error
}

// ReaderOptions configures a RemoteInput.
type ReaderOptions struct {
	MaxLen int32 // bytes requested per ReadRequest; 0 uses a default
}

// NewRemoteInput returns a forwarder that requests bytes for oid.
func NewRemoteInput(sender Sender, oid int64, opts ReaderOptions) *RemoteInput {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultChunkSize
	}
	return &RemoteInput{oid: oid, sender: sender, maxLen: maxLen}
}

// Read implements io.Reader using context.Background(); use
// ReadContext to make a pending fetch cancelable.
func (r *RemoteInput) Read(p []byte) (int, error) {
	return r.ReadContext(context.Background(), p)
}

// ReadContext fills p, issuing a ReadRequest round trip when the
// internal buffer is empty.
func (r *RemoteInput) ReadContext(ctx context.Context, p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// r.mu stays held across the round trip so at most one ReadRequest
	// per oid is outstanding; the Channel correlates replies by oid alone.
	for r.buf.Len() == 0 && !r.eof {
		data, eof, err := r.sender.SendReadRequest(ctx, r.oid, r.maxLen)
		if err != nil {
			return 0, trace.Wrap(err, "reading remote input oid=%d", r.oid)
		}
		if len(data) > 0 {
			r.buf.Write(data)
		}
		if eof {
			r.eof = true
		}
	}
	if r.buf.Len() > 0 {
		return r.buf.Read(p)
	}
	return 0, io.EOF
}

// InputSink is the sink half: it answers ReadRequest commands for oid
// by reading from a local io.Reader.
type InputSink struct {
	oid int64
	src io.Reader
}

// NewInputSink returns a sink reading from src for oid.
func NewInputSink(oid int64, src io.Reader) *InputSink {
	return &InputSink{oid: oid, src: src}
}

// HandleReadRequest reads up to maxLen bytes from src.
func (s *InputSink) HandleReadRequest(maxLen int32) (data []byte, eof bool, err error) {
	buf := make([]byte, maxLen)
	n, err := s.src.Read(buf)
	if n > 0 {
		data = buf[:n]
	}
	if err == io.EOF {
		return data, true, nil
	}
	if err != nil {
		return nil, false, trace.Wrap(err, "reading local input for oid=%d", s.oid)
	}
	return data, false, nil
}
