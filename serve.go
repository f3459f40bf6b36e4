// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import (
	"context"
	"time"

	"github.com/duplexio/remoting/internal/wire"
)

// executeUserRequest runs an inbound UserRequest: it waits for any
// pipe-writer task the sender observed before sending (data written
// through a pipe before the call must be visible to the callee),
// decodes and decorates the Callable, invokes it, and replies with a
// Response unless the request is one-way.
func (c *Channel) executeUserRequest(req *wire.UserRequest) {
	c.pipeWriter.WaitFor(req.LastIoIDAt)

	ctx, cancel := context.WithCancel(c.ctx())
	defer cancel()
	if req.TimeoutNano > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, time.Duration(req.TimeoutNano))
		defer timeoutCancel()
	}
	c.inflight.register(req.ID, cancel)
	defer c.inflight.unregister(req.ID)

	callable, err := c.decodeCallable(ctx, req.Callable)
	if err != nil {
		if !req.Async {
			c.sendResponse(req.ID, nil, c.captureException("ClassNotFound", err))
		}
		return
	}

	callable = applyInbound(callable, c.decorators)
	result, callErr := callable.Invoke(ctx)

	if req.Async {
		return
	}
	if callErr != nil {
		c.sendResponse(req.ID, nil, c.captureException(classNameOfErr(callErr), callErr))
		return
	}
	c.sendResponse(req.ID, result, nil)
}

// decodeCallable resolves req's Payload into a Callable, fetching and
// registering an unknown type through the class loader once before
// giving up.
func (c *Channel) decodeCallable(ctx context.Context, p wire.Payload) (Callable, error) {
	v, err := c.codec.DecodePayload(p)
	if unknown, ok := err.(*wire.ErrUnknownType); ok {
		if rerr := c.resolveAndRegister(ctx, unknown.Name, unknown.Loader); rerr != nil {
			return nil, rerr
		}
		v, err = c.codec.DecodePayload(p)
	}
	if err != nil {
		return nil, err
	}
	callable, ok := v.(Callable)
	if !ok {
		return nil, &wire.ErrUnknownType{Name: p.TypeName}
	}
	return callable, nil
}

// sendResponse builds and enqueues the Response for id, attaching this
// side's current outbound pipe-io sequence so the caller can wait for
// any StreamChunk work this call triggered before it sees the result.
func (c *Channel) sendResponse(id int64, result any, remoteErr *wire.RemoteException) {
	resp := &wire.Response{ID: id, Err: remoteErr, LastIoID: c.currentIoSeq()}
	if remoteErr == nil {
		payload, err := c.encodePayload(result)
		if err != nil {
			resp.Err = c.captureException("EncodingError", err)
		} else {
			resp.Result = payload
		}
	}
	_ = c.enqueueSystem(resp)
}
