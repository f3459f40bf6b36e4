// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioproxy

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RemoteWriter is the forwarder half of a remote output stream: writes
// are split into StreamChunk commands gated by a window of
// outstanding-unacknowledged bytes. Writers block once the window is
// exhausted until the peer's WriterSink sends a StreamWindow credit
// refill.
type RemoteWriter struct {
	oid       int64
	sender    Sender
	sem       *semaphore.Weighted
	chunkSize int
	limiter   *rate.Limiter

	mu     sync.Mutex
	closed bool
}

// WriterOptions configures a RemoteWriter.
type WriterOptions struct {
	WindowSize int64 // outstanding-unacknowledged byte credit; 0 uses a default
	ChunkSize  int   // max bytes per StreamChunk; 0 uses a default
	// NoWindow disables flow control entirely: writes never block on
	// credit and inbound StreamWindow refills are ignored. Set when the
	// window-throttling capability was not negotiated with the peer.
	NoWindow bool
	// RateLimit, if set, paces outgoing chunks (bytes/sec with burst
	// equal to ChunkSize) in addition to window-based flow control, so
	// a generous window doesn't let a writer saturate a slow link.
	RateLimit *rate.Limiter
}

// NewRemoteWriter returns a forwarder that sends StreamChunk commands
// tagged with oid.
func NewRemoteWriter(sender Sender, oid int64, opts WriterOptions) *RemoteWriter {
	window := opts.WindowSize
	if window <= 0 {
		window = defaultWindowSize
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	w := &RemoteWriter{
		oid:       oid,
		sender:    sender,
		chunkSize: chunk,
		limiter:   opts.RateLimit,
	}
	if !opts.NoWindow {
		w.sem = semaphore.NewWeighted(window)
	}
	return w
}

// Write implements io.Writer using context.Background(); use WriteContext
// to make a write's blocking cancelable.
func (w *RemoteWriter) Write(p []byte) (int, error) {
	return w.WriteContext(context.Background(), p)
}

// WriteContext splits p into chunks no larger than the configured
// chunk size, acquiring window credit for each before sending it.
func (w *RemoteWriter) WriteContext(ctx context.Context, p []byte) (int, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return 0, trace.BadParameter("ioproxy: write to closed remote writer oid=%d", w.oid)
	}

	sent := 0
	for len(p) > 0 {
		n := len(p)
		if n > w.chunkSize {
			n = w.chunkSize
		}
		if w.sem != nil {
			if err := w.sem.Acquire(ctx, int64(n)); err != nil {
				return sent, trace.Wrap(err, "acquiring write window for oid=%d", w.oid)
			}
		}
		if w.limiter != nil {
			if err := w.limiter.WaitN(ctx, n); err != nil {
				w.release(int64(n))
				return sent, trace.Wrap(err, "rate limiting write for oid=%d", w.oid)
			}
		}
		if err := w.sender.SendChunk(ctx, w.oid, p[:n]); err != nil {
			w.release(int64(n))
			return sent, trace.Wrap(err, "sending stream chunk for oid=%d", w.oid)
		}
		sent += n
		p = p[n:]
	}
	return sent, nil
}

func (w *RemoteWriter) release(n int64) {
	if w.sem != nil {
		w.sem.Release(n)
	}
}

// Refill is called by the channel dispatch loop when a StreamWindow
// command arrives for this writer's oid, returning consumed bytes of
// credit to the semaphore. A windowless writer ignores refills.
func (w *RemoteWriter) Refill(consumed int64) {
	if consumed <= 0 || w.sem == nil {
		return
	}
	w.sem.Release(consumed)
}

// Close sends a clean StreamEOF.
func (w *RemoteWriter) Close() error {
	return w.CloseWithError(context.Background(), nil)
}

// CloseWithError sends StreamEOF, optionally carrying an error the
// peer's next read must surface.
func (w *RemoteWriter) CloseWithError(ctx context.Context, cause error) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	return w.sender.SendEOF(ctx, w.oid, errText)
}

// WriterSink is the sink half: it receives StreamChunk/StreamEOF
// commands for oid and performs the local I/O, acking consumed bytes
// back as StreamWindow credit.
type WriterSink struct {
	oid      int64
	sender   Sender
	dst      io.Writer
	ackEvery int64

	mu       sync.Mutex
	consumed int64
	closed   bool
	closeErr error
}

// NewWriterSink returns a sink writing to dst for oid, acking every
// ackEvery consumed bytes. 0 uses a default; negative disables acks
// entirely, for peers the window capability was not negotiated with.
func NewWriterSink(sender Sender, oid int64, dst io.Writer, ackEvery int64) *WriterSink {
	if ackEvery == 0 {
		ackEvery = defaultAckEvery
	}
	return &WriterSink{oid: oid, sender: sender, dst: dst, ackEvery: ackEvery}
}

// HandleChunk writes data to dst and periodically acknowledges
// consumed bytes so the forwarder's window credit refills.
func (s *WriterSink) HandleChunk(ctx context.Context, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return trace.BadParameter("ioproxy: chunk received after StreamEOF for oid=%d", s.oid)
	}
	s.mu.Unlock()

	if _, err := s.dst.Write(data); err != nil {
		return trace.Wrap(err, "writing stream chunk for oid=%d", s.oid)
	}

	s.mu.Lock()
	s.consumed += int64(len(data))
	var ack int64
	if s.ackEvery > 0 && s.consumed >= s.ackEvery {
		ack = s.consumed
		s.consumed = 0
	}
	s.mu.Unlock()

	if ack > 0 {
		return s.sender.SendWindow(ctx, s.oid, ack)
	}
	return nil
}

// HandleEOF closes dst (if it is an io.Closer) and records cause for
// Err.
func (s *WriterSink) HandleEOF(errText string) error {
	s.mu.Lock()
	s.closed = true
	if errText != "" {
		s.closeErr = errors.New(errText)
	}
	s.mu.Unlock()
	if c, ok := s.dst.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Err returns the error the peer closed the stream with, if any.
func (s *WriterSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}
