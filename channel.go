// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/duplexio/remoting/classload"
	"github.com/duplexio/remoting/internal/exports"
	"github.com/duplexio/remoting/internal/frame"
	"github.com/duplexio/remoting/internal/wire"
	"github.com/duplexio/remoting/ioproxy"
	"github.com/duplexio/remoting/jarcache"
)

// state is the Channel lifecycle state machine: OPEN,
// CLOSING_OUTBOUND, CLOSING_INBOUND, CLOSED.
type state int32

const (
	stateOpen state = iota
	stateClosingOutbound
	stateClosingInbound
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "OPEN"
	case stateClosingOutbound:
		return "CLOSING_OUTBOUND"
	case stateClosingInbound:
		return "CLOSING_INBOUND"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Channel is the peer-local endpoint of a bidirectional RPC
// connection. Open it over any io.ReadWriter; it drives its
// own reader, writer, pipe-writer, and worker-pool goroutines until
// Close, ShutdownWithDeadline, or a fatal protocol error tears it
// down.
type Channel struct {
	id  string
	log logrus.FieldLogger

	transport frame.BlockTransport
	codec     *wire.Codec
	caps      wire.Capabilities

	exportsTbl *exports.Table

	importMu sync.Mutex
	imports  map[exports.OID]*exports.Proxy

	nextReqID int64
	pending   sync.Map // int64 -> *pendingCall
	inflight  *running

	writeCh chan outbound
	group   errgroup.Group // tracks the writer and dispatch goroutines for Wait

	pipeWriter *pipeWriterExec
	ioSeq      int64

	workSem *semaphore.Weighted
	workWG  sync.WaitGroup

	jars   *jarcache.Cache
	loader *classload.Loader

	classWaiters sync.Map // int64 -> chan *wire.ClassReply
	jarWaiters   sync.Map // int64 -> chan *wire.JarFetchReply
	readWaiters  sync.Map // int64 (oid) -> chan readResult

	streamMu      sync.Mutex
	streamWriters map[int64]*ioproxy.RemoteWriter
	streamSinks   map[int64]*ioproxy.WriterSink
	inputSinks    map[int64]*ioproxy.InputSink
	pipes         *ioproxy.Registry
	streamWindow  int64
	streamLimiter *rate.Limiter

	props sync.Map // string -> string

	decorators []Decorator

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  atomic.Value // error
	closed    chan struct{}

	shutdownTimeout time.Duration
}

// Open performs the capability handshake over rw, selects Classic or
// Chunked framing from the effective capability set, and
// returns a live Channel driving its own goroutines.
func Open(rw io.ReadWriter, opts ...Option) (*Channel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	local := wire.Capabilities{Mask: implementedCapabilities, DigestID: o.DigestID}
	if err := wire.WritePreamble(rw, local); err != nil {
		return nil, trace.Wrap(err, "writing capability preamble")
	}
	remote, err := wire.ReadPreamble(rw)
	if err != nil {
		return nil, trace.Wrap(err, "reading capability preamble")
	}
	eff := wire.Effective(local, remote)

	enc := frame.Classic
	if eff.Mask.Has(wire.CapChunkedFraming) {
		enc = frame.Chunked
	}
	transport := frame.New(rw, enc, o.ChunkFlushEvery)

	codec := wire.NewCodec()
	if o.Safelist != nil {
		codec.Safelist = o.Safelist
	}
	codec.MultiLoader = eff.Mask.Has(wire.CapMultiClassLoader)

	log := o.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	id := uuid.NewString()
	log = log.WithField("channel", id)

	workers := o.Workers
	if workers <= 0 {
		workers = 32
	}

	c := &Channel{
		id:              id,
		log:             log,
		transport:       transport,
		codec:           codec,
		caps:            eff,
		imports:         map[exports.OID]*exports.Proxy{},
		inflight:        &running{cancels: map[int64]context.CancelFunc{}},
		writeCh:         make(chan outbound, 256),
		pipeWriter:      newPipeWriterExec(),
		workSem:         semaphore.NewWeighted(int64(workers)),
		streamWriters:   map[int64]*ioproxy.RemoteWriter{},
		streamSinks:     map[int64]*ioproxy.WriterSink{},
		inputSinks:      map[int64]*ioproxy.InputSink{},
		pipes:           ioproxy.NewRegistry(),
		streamWindow:    o.StreamWindowSize,
		streamLimiter:   o.StreamRateLimit,
		decorators:      o.Decorators,
		closed:          make(chan struct{}),
		shutdownTimeout: o.ShutdownTimeout,
	}
	c.exportsTbl = exports.NewTable(o.ExportGrace, o.Diagnose)
	c.state.Store(int32(stateOpen))

	jars, err := jarcache.New(o.Jars)
	if err != nil {
		return nil, trace.Wrap(err, "constructing jar cache")
	}
	c.jars = jars

	loader, err := classload.New(classload.Options{
		Requester: c,
		Source:    o.ClassSource,
		Jars:      c.jars,
		JarRefs:   eff.Mask.Has(wire.CapClassPrefetch),
		Log:       log,
	})
	if err != nil {
		return nil, trace.Wrap(err, "constructing class loader")
	}
	c.loader = loader

	c.pipeWriter.start()
	c.group.Go(func() error { c.writeLoop(); return nil })
	c.group.Go(func() error { c.dispatchLoop(); return nil })

	// Tell the peer which jars are already on disk so it can send
	// ClassInJar references instead of inlining bytes we hold.
	if eff.Mask.Has(wire.CapClassPrefetch) {
		if known := jars.Known(); len(known) > 0 {
			_ = c.enqueueSystem(&wire.JarPresent{Checksums: known})
		}
	}

	return c, nil
}

// Wait blocks until the channel's internal writer and dispatch
// goroutines have both exited, which happens once the channel has
// fully torn down (after Close/ShutdownWithDeadline or a fatal
// transport error). Useful for callers, such as cmd/remoting-agent,
// that need to know teardown has actually finished rather than just
// requested.
func (c *Channel) Wait() error { return c.group.Wait() }

// implementedCapabilities is the mask this implementation advertises.
// CapGreedyInput is deliberately absent: remote input here is strictly
// pull-based, so advertising the greedy variant would promise
// read-ahead the other side never gets.
const implementedCapabilities = wire.CapMultiClassLoader |
	wire.CapPipeWindow |
	wire.CapMimicException |
	wire.CapClassPrefetch |
	wire.CapProxyWriterWindow |
	wire.CapChunkedFraming

// Capabilities returns the effective (AND'd) capability set negotiated
// at Open.
func (c *Channel) Capabilities() wire.Capabilities { return c.caps }

// ID returns the channel's opaque, loggable identifier.
func (c *Channel) ID() string { return c.id }

func (c *Channel) stateOf() state { return state(c.state.Load()) }

// RegisterType registers a concrete Go type under name so it can cross
// the wire as a Payload. Both peers must register the same name for
// the same logical type.
func (c *Channel) RegisterType(name string, sample any) {
	c.codec.Payloads.Register(name, sample)
}

func (c *Channel) ctx() context.Context {
	return wire.WithChannel(context.Background(), wire.ChannelID(c.id))
}

// fail tears the channel down unilaterally because the dispatch or
// write loop hit an error that leaves the protocol stream unusable:
// all pending requests fail with the root cause and every export
// entry is released.
func (c *Channel) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr.Store(err)
		c.state.Store(int32(stateClosed))
		close(c.closed)
		c.log.WithError(err).Warn("remoting: channel failing")
		c.failPending(err)
		c.inflight.cancelAll()
		c.exportsTbl.ReleaseAll()
		_ = c.transport.Close()
		c.pipeWriter.Close()
	})
}

func (c *Channel) closeReason() string {
	if v := c.closeErr.Load(); v != nil {
		if err, ok := v.(error); ok && err != nil {
			return err.Error()
		}
	}
	return ""
}

// Close begins graceful shutdown with the configured ShutdownTimeout
// as its drain deadline.
func (c *Channel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()
	return c.ShutdownWithDeadline(ctx, c.shutdownTimeout)
}

// ShutdownWithDeadline sends ChannelClose, stops accepting new user
// requests, waits for in-flight requests to complete until ctx is done
// or fallback elapses (whichever comes first), then closes the
// transport.
func (c *Channel) ShutdownWithDeadline(ctx context.Context, fallback time.Duration) error {
	if !c.state.CompareAndSwap(int32(stateOpen), int32(stateClosingOutbound)) {
		<-c.closed
		return c.shutdownResult()
	}

	_ = c.flushSystem(ctx, &wire.ChannelClose{Reason: "local shutdown"})

	deadline := time.NewTimer(fallback)
	defer deadline.Stop()

	drained := make(chan struct{})
	go func() {
		c.workWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
	case <-deadline.C:
	}

	c.fail(&ErrChannelClosed{Reason: "local shutdown"})
	return c.shutdownResult()
}

func (c *Channel) shutdownResult() error {
	if v := c.closeErr.Load(); v != nil {
		if err, ok := v.(error); ok {
			if _, isClose := err.(*ErrChannelClosed); isClose {
				return nil // a clean local/remote shutdown is not an error to the caller
			}
			return err
		}
	}
	return nil
}

// handleChannelClose processes an incoming ChannelClose, triggering
// the same local teardown a local Close would.
func (c *Channel) handleChannelClose(cmd *wire.ChannelClose) {
	c.state.CompareAndSwap(int32(stateOpen), int32(stateClosingInbound))
	c.fail(&ErrChannelClosed{Reason: "remote shutdown: " + cmd.Reason})
}

// GetProperty returns a peer-visible property.
func (c *Channel) GetProperty(key string) (string, bool) {
	v, ok := c.props.Load(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// SetProperty sets a peer-visible property.
func (c *Channel) SetProperty(key, value string) {
	c.props.Store(key, value)
}
