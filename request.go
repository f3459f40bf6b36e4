// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"

	"github.com/duplexio/remoting/internal/wire"
)

// pendingCall is the per-request bookkeeping: a globally unique (per
// channel) id, a completion slot, and the invariant that at most one
// Response is ever accepted for it.
type pendingCall struct {
	id int64

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newPendingCall(id int64) *pendingCall {
	return &pendingCall{id: id, done: make(chan struct{})}
}

// resolve completes the call with (result, err) exactly once and
// reports whether this call won; later calls (a late Response racing a
// local cancel/timeout) are no-ops.
func (p *pendingCall) resolve(result any, err error) bool {
	won := false
	p.once.Do(func() {
		p.result, p.err = result, err
		close(p.done)
		won = true
	})
	return won
}

// Future is the handle returned by Submit/CallAsync: a completion
// slot plus cancellation.
type Future struct {
	ch    *Channel
	id    int64
	call  *pendingCall
	async bool
}

// Get blocks until the call resolves, ctx is done, or the channel
// closes, returning the user callable's result or the reconstructed
// remote error.
func (f *Future) Get(ctx context.Context) (any, error) {
	if f.async {
		return nil, nil
	}
	select {
	case <-f.call.done:
		return f.call.result, f.call.err
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err(), "waiting for response to request %d", f.id)
	case <-f.ch.closed:
		f.call.resolve(nil, &ErrChannelClosed{Reason: f.ch.closeReason()})
		return f.call.result, f.call.err
	}
}

// Cancel sends CancelRequest(id) and resolves the local future as
// cancelled, unless it has already completed. The remote worker
// executing the call is interrupted best-effort; if the work finishes
// before the cancellation is observed, the local future keeps
// whichever outcome it saw first (pendingCall.resolve's sync.Once).
func (f *Future) Cancel() error {
	if f.async {
		return nil
	}
	select {
	case <-f.call.done:
		return nil // already completed; per spec, cancellation is a no-op
	default:
	}
	f.call.resolve(nil, &ErrCancelled{ID: f.id})
	f.ch.pending.Delete(f.id)
	return f.ch.enqueueSystem(&wire.CancelRequest{ID: f.id})
}

// Call submits callable synchronously and blocks for the result.
func (c *Channel) Call(ctx context.Context, callable Callable, timeout time.Duration) (any, error) {
	f, err := c.submit(ctx, callable, false, timeout)
	if err != nil {
		return nil, err
	}
	return f.Get(ctx)
}

// CallAsync submits callable one-way: no promise is recorded and the
// returned Future is already complete, holding no value.
func (c *Channel) CallAsync(ctx context.Context, callable Callable) (*Future, error) {
	return c.submit(ctx, callable, true, 0)
}

// Submit starts callable without blocking for its result, returning a
// Future the caller can Get or Cancel independently. Unlike CallAsync,
// the response is tracked: Cancel sends CancelRequest and Get still
// resolves to whatever outcome arrives first.
func (c *Channel) Submit(ctx context.Context, callable Callable, timeout time.Duration) (*Future, error) {
	return c.submit(ctx, callable, false, timeout)
}

func (c *Channel) submit(ctx context.Context, callable Callable, async bool, timeout time.Duration) (*Future, error) {
	if c.stateOf() != stateOpen {
		return nil, &ErrChannelClosed{Reason: c.closeReason()}
	}

	ctx = applyOutbound(ctx, callable, c.decorators)

	payload, err := c.encodePayload(callable)
	if err != nil {
		return nil, trace.Wrap(err, "encoding callable")
	}

	id := atomic.AddInt64(&c.nextReqID, 1)
	req := &wire.UserRequest{
		ID:         id,
		Callable:   payload,
		LastIoIDAt: c.currentIoSeq(),
		Async:      async,
	}
	if timeout > 0 {
		req.TimeoutNano = int64(timeout)
	}

	f := &Future{ch: c, id: id, async: async}
	if !async {
		call := newPendingCall(id)
		f.call = call
		c.pending.Store(id, call)
		if timeout > 0 {
			time.AfterFunc(timeout, func() {
				if call.resolve(nil, &ErrTimeout{ID: id}) {
					c.pending.Delete(id)
					_ = c.enqueueSystem(&wire.CancelRequest{ID: id})
				}
			})
		}
	}

	if err := c.enqueueUser(req); err != nil {
		if f.call != nil {
			c.pending.Delete(id)
		}
		return nil, err
	}
	return f, nil
}

// handleResponse resolves the matching pendingCall, dropping it
// silently if no entry exists (already cancelled/timed out/resolved,
// or this Response is a duplicate). It runs on the dispatch (reader)
// goroutine itself, after waiting for any pipe-writer task the sender
// attached to it, so completion is never reordered with later
// StreamChunk deliveries to the same pipe.
func (c *Channel) handleResponse(resp *wire.Response) {
	c.pipeWriter.WaitFor(resp.LastIoID)

	v, ok := c.pending.LoadAndDelete(resp.ID)
	if !ok {
		return
	}
	call := v.(*pendingCall)
	if resp.Err != nil {
		call.resolve(nil, remoteErrorOf(resp.Err))
		return
	}
	result, err := c.codec.DecodePayload(resp.Result)
	call.resolve(result, err)
}

// failPending resolves every outstanding pendingCall with err, used
// when the channel tears down.
func (c *Channel) failPending(err error) {
	c.pending.Range(func(key, value any) bool {
		value.(*pendingCall).resolve(nil, err)
		c.pending.Delete(key)
		return true
	})
}
