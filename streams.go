// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/gravitational/trace"

	"github.com/duplexio/remoting/internal/wire"
	"github.com/duplexio/remoting/ioproxy"
)

// Channel implements ioproxy.Sender: every proxied stream or pipe half
// rides the same command pipeline as requests, the outbound side
// incrementing the shared ioSeq counter the pipe-writer ordering
// guarantee depends on (see pipewriter.go).

// SendChunk delivers len(data) bytes of oid's stream to the peer.
func (c *Channel) SendChunk(ctx context.Context, oid int64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.noteOutboundIo()
	return c.enqueueUserCtx(ctx, &wire.StreamChunk{OID: oid, Data: cp})
}

// SendWindow acknowledges consumed bytes read from oid's stream,
// letting the writer side refill its flow-control semaphore.
func (c *Channel) SendWindow(ctx context.Context, oid int64, consumed int64) error {
	return c.enqueueUserCtx(ctx, &wire.StreamWindow{OID: oid, BytesConsumed: consumed})
}

// SendEOF signals the end of oid's stream, optionally carrying the
// text of an error that terminated it early.
func (c *Channel) SendEOF(ctx context.Context, oid int64, errText string) error {
	c.noteOutboundIo()
	return c.enqueueUserCtx(ctx, &wire.StreamEOF{OID: oid, ErrText: errText})
}

// readResult is what a pending SendReadRequest is waiting for: the
// StreamChunk and/or StreamEOF the peer sends back in answer to one
// ReadRequest.
type readResult struct {
	data    []byte
	eof     bool
	errText string
}

// SendReadRequest pulls up to maxLen bytes from the peer's input side
// of oid. Only one ReadRequest is ever outstanding per oid (RemoteInput
// serializes its own reads), so the reply is correlated by oid alone:
// handleStreamChunk/handleStreamEOF deliver to readWaiters before
// falling back to a pushed-stream sink.
func (c *Channel) SendReadRequest(ctx context.Context, oid int64, maxLen int32) ([]byte, bool, error) {
	id := atomic.AddInt64(&c.nextReqID, 1)
	ch := make(chan readResult, 1)
	c.readWaiters.Store(oid, ch)
	defer c.readWaiters.Delete(oid)

	if err := c.enqueueUserCtx(ctx, &wire.ReadRequest{ID: id, OID: oid, MaxLen: maxLen}); err != nil {
		return nil, false, err
	}
	select {
	case r := <-ch:
		if r.errText != "" {
			return nil, true, trace.ConnectionProblem(nil, "remoting: remote input oid=%d failed: %s", oid, r.errText)
		}
		return r.data, r.eof, nil
	case <-ctx.Done():
		return nil, false, trace.Wrap(ctx.Err(), "reading oid=%d", oid)
	case <-c.closed:
		return nil, false, &ErrChannelClosed{Reason: c.closeReason()}
	}
}

// SendPipeConnect tells the peer which reader and writer oid form one
// logical pipe.
func (c *Channel) SendPipeConnect(ctx context.Context, readerOID, writerOID int64) error {
	c.noteOutboundIo()
	return c.enqueueUserCtx(ctx, &wire.PipeConnect{ReaderOID: readerOID, WriterOID: writerOID})
}

// handleStreamChunk applies an inbound StreamChunk to whichever local
// sink owns oid: a WriterSink (remote -> local io.Writer) or the local
// half of a proxied pipe. Runs on the dedicated pipe-writer executor so
// ordering within one pipe is preserved across concurrent dispatch of
// unrelated commands.
func (c *Channel) handleStreamChunk(cmd *wire.StreamChunk) {
	if v, ok := c.readWaiters.Load(cmd.OID); ok {
		v.(chan readResult) <- readResult{data: cmd.Data}
		return
	}
	c.streamMu.Lock()
	sink, ok := c.streamSinks[cmd.OID]
	c.streamMu.Unlock()
	if !ok {
		c.log.WithField("oid", cmd.OID).Debug("remoting: StreamChunk for unknown sink")
		return
	}
	sink.HandleChunk(c.ctx(), cmd.Data)
}

// handleStreamWindow refills the flow-control semaphore of the
// RemoteWriter sending into oid.
func (c *Channel) handleStreamWindow(cmd *wire.StreamWindow) {
	c.streamMu.Lock()
	w, ok := c.streamWriters[cmd.OID]
	c.streamMu.Unlock()
	if !ok {
		return
	}
	w.Refill(cmd.BytesConsumed)
}

// handleStreamEOF closes the sink receiving oid's stream.
func (c *Channel) handleStreamEOF(cmd *wire.StreamEOF) {
	if v, ok := c.readWaiters.Load(cmd.OID); ok {
		select {
		case v.(chan readResult) <- readResult{eof: true, errText: cmd.ErrText}:
		default:
			// A StreamChunk for the same ReadRequest already woke the
			// waiter; the next ReadRequest will observe eof on its own.
		}
		return
	}
	c.streamMu.Lock()
	sink, ok := c.streamSinks[cmd.OID]
	c.streamMu.Unlock()
	if !ok {
		return
	}
	sink.HandleEOF(cmd.ErrText)
}

// executeReadRequest answers an inbound ReadRequest by pulling from the
// local InputSink registered for oid and replying with a StreamChunk or
// StreamEOF.
func (c *Channel) executeReadRequest(req *wire.ReadRequest) {
	c.streamMu.Lock()
	sink, ok := c.inputSinks[req.OID]
	c.streamMu.Unlock()
	if !ok {
		c.noteOutboundIo()
		_ = c.enqueueSystem(&wire.StreamEOF{OID: req.OID, ErrText: "no such input"})
		return
	}
	data, eof, err := sink.HandleReadRequest(req.MaxLen)
	if err != nil && err != io.EOF {
		c.noteOutboundIo()
		_ = c.enqueueSystem(&wire.StreamEOF{OID: req.OID, ErrText: err.Error()})
		return
	}
	if len(data) > 0 {
		c.noteOutboundIo()
		_ = c.enqueueSystem(&wire.StreamChunk{OID: req.OID, Data: data})
	}
	if eof {
		c.noteOutboundIo()
		_ = c.enqueueSystem(&wire.StreamEOF{OID: req.OID})
	}
}

// OpenRemoteWriter returns a writer whose Write calls become StreamChunk
// commands delivered to a WriterSink the peer registers under oid.
// Window-based flow control applies only when the proxy-writer
// throttling capability was negotiated; otherwise writes never block
// on credit.
func (c *Channel) OpenRemoteWriter(oid int64, opts ...func(*ioproxy.WriterOptions)) *ioproxy.RemoteWriter {
	o := ioproxy.WriterOptions{
		WindowSize: c.streamWindow,
		NoWindow:   !c.caps.Mask.Has(wire.CapProxyWriterWindow),
		RateLimit:  c.streamLimiter,
	}
	for _, opt := range opts {
		opt(&o)
	}
	w := ioproxy.NewRemoteWriter(c, oid, o)
	c.streamMu.Lock()
	c.streamWriters[oid] = w
	c.streamMu.Unlock()
	return w
}

// RegisterWriterSink registers dst to receive oid's inbound StreamChunk
// deliveries, acknowledging every ackEvery bytes consumed. Without the
// negotiated throttling capability no acks are sent: the peer's writer
// is not windowed and would never consume the credit.
func (c *Channel) RegisterWriterSink(oid int64, dst io.Writer, ackEvery int64) *ioproxy.WriterSink {
	if !c.caps.Mask.Has(wire.CapProxyWriterWindow) {
		ackEvery = -1
	}
	sink := ioproxy.NewWriterSink(c, oid, dst, ackEvery)
	c.streamMu.Lock()
	c.streamSinks[oid] = sink
	c.streamMu.Unlock()
	return sink
}

// OpenRemoteInput returns a reader that pulls bytes from the peer's
// input side of oid on demand.
func (c *Channel) OpenRemoteInput(oid int64, maxLen int32) *ioproxy.RemoteInput {
	return ioproxy.NewRemoteInput(c, oid, ioproxy.ReaderOptions{MaxLen: maxLen})
}

// RegisterInputSink registers src as the local source answering inbound
// ReadRequests for oid.
func (c *Channel) RegisterInputSink(oid int64, src io.Reader) *ioproxy.InputSink {
	sink := ioproxy.NewInputSink(oid, src)
	c.streamMu.Lock()
	c.inputSinks[oid] = sink
	c.streamMu.Unlock()
	return sink
}

// OpenLocalPipe creates a local io.Pipe whose two halves are registered
// under fresh oids and announced to the peer with a PipeConnect. The
// pipe's own window throttling is negotiated separately from
// standalone proxied writers, so the halves are built directly against
// the pipe-throttling capability bit.
func (c *Channel) OpenLocalPipe(ctx context.Context) (*ioproxy.Pipe, error) {
	readerOID := atomic.AddInt64(&c.nextReqID, 1)
	writerOID := atomic.AddInt64(&c.nextReqID, 1)
	p := ioproxy.NewLocalPipe()
	p.ReaderOID = readerOID
	p.WriterOID = writerOID

	windowed := c.caps.Mask.Has(wire.CapPipeWindow)
	ackEvery := int64(256 * 1024)
	if !windowed {
		ackEvery = -1
	}
	sink := ioproxy.NewWriterSink(c, readerOID, p.LocalWrite, ackEvery)
	w := ioproxy.NewRemoteWriter(c, writerOID, ioproxy.WriterOptions{
		WindowSize: c.streamWindow,
		NoWindow:   !windowed,
		RateLimit:  c.streamLimiter,
	})
	c.streamMu.Lock()
	c.streamSinks[readerOID] = sink
	c.streamWriters[writerOID] = w
	c.streamMu.Unlock()

	if err := c.SendPipeConnect(ctx, readerOID, writerOID); err != nil {
		return nil, trace.Wrap(err, "connecting pipe")
	}
	return p, nil
}

// enqueueUserCtx is enqueueUser with a caller-supplied context so
// stream plumbing can respect cancellation without going through the
// channel's background context.
func (c *Channel) enqueueUserCtx(ctx context.Context, cmd wire.Command) error {
	select {
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	default:
	}
	return c.enqueueUser(cmd)
}
