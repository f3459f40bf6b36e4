// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import (
	"context"
	"sync/atomic"

	"github.com/gravitational/trace"

	"github.com/duplexio/remoting/internal/wire"
)

// outbound is one write-queue element: the command plus an optional
// ack the writer closes once the command has been handed to the
// transport, for callers that must not proceed before the flush
// (graceful shutdown).
type outbound struct {
	cmd     wire.Command
	flushed chan struct{}
}

// enqueueUser submits a command on behalf of an application call,
// rejecting it once shutdown has begun.
func (c *Channel) enqueueUser(cmd wire.Command) error {
	if c.stateOf() != stateOpen {
		return &ErrChannelClosed{Reason: c.closeReason()}
	}
	return c.enqueueSystem(cmd)
}

// enqueueSystem submits cmd regardless of shutdown state, for the
// protocol's own bookkeeping commands (ChannelClose, Release,
// RPCResponse, StreamEOF, ...). It never blocks on user code, only
// ever on the queue send itself.
func (c *Channel) enqueueSystem(cmd wire.Command) error {
	select {
	case c.writeCh <- outbound{cmd: cmd}:
		return nil
	case <-c.closed:
		return &ErrChannelClosed{Reason: c.closeReason()}
	}
}

// flushSystem enqueues cmd and blocks until the writer has handed it
// to the transport, ctx is done, or the channel closes.
func (c *Channel) flushSystem(ctx context.Context, cmd wire.Command) error {
	flushed := make(chan struct{})
	select {
	case c.writeCh <- outbound{cmd: cmd, flushed: flushed}:
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	case <-c.closed:
		return &ErrChannelClosed{Reason: c.closeReason()}
	}
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	case <-c.closed:
		return &ErrChannelClosed{Reason: c.closeReason()}
	}
}

// writeLoop is the single writer goroutine driving the outbound byte
// stream. It serializes commands in submission order and tears the
// channel down on the first unrecoverable transport error. The queue
// channel is never closed; the loop exits on the channel's closed
// signal so concurrent enqueuers can never hit a closed-channel send.
func (c *Channel) writeLoop() {
	for {
		var out outbound
		select {
		case out = <-c.writeCh:
		case <-c.closed:
			return
		}
		block, err := c.codec.Encode(c.ctx(), out.cmd)
		if err != nil {
			c.log.WithError(err).WithField("kind", out.cmd.Kind()).Error("remoting: encoding command")
			if out.flushed != nil {
				close(out.flushed)
			}
			continue
		}
		werr := c.transport.WriteBlock(block)
		if out.flushed != nil {
			close(out.flushed)
		}
		if werr != nil {
			go c.fail(trace.Wrap(werr, "writing block for command %s", out.cmd.Kind()))
			return
		}
	}
}

// noteOutboundIo increments the channel's send-side pipe-io sequence
// counter, returning the new value. It is called for every StreamChunk
// / StreamEOF / PipeConnect this side sends, so the far side's
// dispatch loop (whose own pipe-writer submissions track this same
// sequence of command kinds 1:1, since command delivery order equals
// write order) can wait for the matching local task before delivering
// a correlated Response.
func (c *Channel) noteOutboundIo() int64 {
	return atomic.AddInt64(&c.ioSeq, 1)
}

// currentIoSeq reads the send-side pipe-io sequence counter without
// advancing it, for stamping UserRequest.LastIoIDAt at send time.
func (c *Channel) currentIoSeq() int64 {
	return atomic.LoadInt64(&c.ioSeq)
}
