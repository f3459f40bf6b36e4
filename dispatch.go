// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import (
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/duplexio/remoting/internal/wire"
)

// running tracks the cancel funcs of inbound UserRequest/RPCRequest
// executions currently in flight on the worker pool, keyed by request
// id, so an incoming CancelRequest can interrupt them best-effort.
type running struct {
	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

func (r *running) register(id int64, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
}

func (r *running) unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

func (r *running) cancel(id int64) {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// cancelAll interrupts every in-flight execution, used at teardown so
// parked callables do not outlive their channel.
func (r *running) cancelAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.cancels))
	for _, cancel := range r.cancels {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// dispatchLoop is the single reader goroutine: it reads one block,
// decodes one Command, and schedules its execution. Response commands
// are handled inline on this goroutine to avoid reordering with later
// StreamChunk deliveries to the same pipe; everything else is handed
// to the bounded worker pool.
func (c *Channel) dispatchLoop() {
	for {
		block, err := c.transport.ReadBlock()
		if err != nil {
			c.fail(trace.Wrap(err, "reading block"))
			return
		}
		cmd, err := c.codec.Decode(c.ctx(), block)
		if err != nil {
			c.log.WithError(err).Error("remoting: decoding command")
			continue
		}
		c.dispatch(cmd)
	}
}

func (c *Channel) dispatch(cmd wire.Command) {
	switch v := cmd.(type) {
	case *wire.Response:
		c.handleResponse(v)
	case *wire.RPCResponse:
		c.handleRPCResponse(v)
	case *wire.ChannelClose:
		c.handleChannelClose(v)
	case *wire.CancelRequest:
		c.inflight.cancel(v.ID)
	case *wire.Release:
		c.handleRelease(v)
	case *wire.JarPresent:
		c.loader.HandleJarPresent(v)
	case *wire.StreamWindow:
		c.handleStreamWindow(v)

	// Pipe side effects run on the dedicated single-threaded executor.
	// These three kinds are exactly the ones the sender counts in its
	// outbound io sequence, so submissions here stay 1:1 with the
	// LastIoID values stamped on correlated requests and responses.
	case *wire.StreamChunk:
		c.runPipeWriter(func() { c.handleStreamChunk(v) })
	case *wire.StreamEOF:
		c.runPipeWriter(func() { c.handleStreamEOF(v) })
	case *wire.PipeConnect:
		c.runPipeWriter(func() { c.pipes.HandleConnect(v.ReaderOID, v.WriterOID) })

	// Everything below does real work (user code, local I/O, class
	// resolution) and is scheduled on the bounded worker pool so a slow
	// handler cannot stall the reader goroutine.
	case *wire.UserRequest:
		c.runWorker(func() { c.executeUserRequest(v) })
	case *wire.RPCRequest:
		c.runWorker(func() { c.executeRPCRequest(v) })
	case *wire.ReadRequest:
		c.runWorker(func() { c.executeReadRequest(v) })
	case *wire.ClassRequest:
		c.runWorker(func() { c.executeClassRequest(v) })
	case *wire.JarFetchRequest:
		c.runWorker(func() { c.executeJarFetchRequest(v) })
	case *wire.ClassReply, *wire.JarFetchReply:
		// Correlated by RequestClass/RequestJar's own round-trip
		// channel; see classes.go.
		c.deliverClassCorrelated(cmd)
	default:
		c.log.WithField("kind", cmd.Kind()).Warn("remoting: no handler for command")
	}
}

// runWorker bounds general dispatch concurrency with the configured
// worker-pool semaphore and tracks in-flight work so Shutdown can
// drain it.
func (c *Channel) runWorker(fn func()) {
	c.workWG.Add(1)
	if err := c.workSem.Acquire(context.Background(), 1); err != nil {
		c.workWG.Done()
		return
	}
	go func() {
		defer c.workWG.Done()
		defer c.workSem.Release(1)
		fn()
	}()
}

// runPipeWriter schedules fn on the dedicated pipe-writer executor so
// sequential StreamChunk deliveries for one pipe apply in order,
// decoupled from the reader goroutine.
func (c *Channel) runPipeWriter(fn func()) {
	c.pipeWriter.Submit(fn)
}
