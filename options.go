// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/duplexio/remoting/classload"
	"github.com/duplexio/remoting/internal/safelist"
	"github.com/duplexio/remoting/internal/wire"
	"github.com/duplexio/remoting/jarcache"
)

// Options configures a Channel. The zero value is never used directly;
// Open always starts from defaultOptions() and applies the caller's
// Option values on top.
type Options struct {
	Log logrus.FieldLogger

	// DigestID is the jar-checksum digest algorithm this side
	// advertises during the preamble exchange.
	DigestID byte

	// ChunkFlushEvery controls the approximate fragment size Chunked
	// framing emits before starting a new one; zero uses frame's
	// default. Only consulted if both peers advertise chunked framing.
	ChunkFlushEvery int

	// Workers bounds general worker-pool concurrency for dispatched
	// UserRequest/RPCRequest execution. Zero uses a default.
	Workers int

	// ShutdownTimeout bounds how long Close waits for in-flight
	// requests to drain before forcing the transport closed.
	ShutdownTimeout time.Duration

	// Safelist guards class-name resolution during decode. Defaults
	// to safelist.Default().
	Safelist *safelist.List

	// Jars configures the on-disk jar cache. The zero value disables
	// the cache, forcing inline class transmission.
	Jars jarcache.Options

	// ClassSource answers incoming ClassRequests for this side's own
	// code; nil means this side serves no classes.
	ClassSource classload.Source

	// Diagnose enables the per-export ring-buffered AddRef/Release
	// log, for chasing export leaks.
	Diagnose bool

	// ExportGrace bounds how long releases for an already-freed oid
	// are silently ignored rather than treated as errors.
	ExportGrace time.Duration

	// Decorators wrap every Callable's outbound submission and inbound
	// execution, in order.
	Decorators []Decorator

	// StreamWindowSize is the default outstanding-unacknowledged byte
	// credit for proxied output streams. Zero uses ioproxy's built-in
	// default (1 MiB).
	StreamWindowSize int64

	// StreamRateLimit optionally paces proxied writer output in
	// addition to window-based flow control.
	StreamRateLimit *rate.Limiter
}

// Option mutates Options. See the With* constructors below.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		DigestID:        wire.DigestSHA256Truncated128,
		Workers:         32,
		ShutdownTimeout: 10 * time.Second,
		ExportGrace:     30 * time.Second,
	}
}

// WithLogger sets the logger used for diagnostics. Defaults to
// logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Options) { o.Log = l }
}

// WithWorkers bounds the general dispatch worker pool.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// WithShutdownTimeout bounds how long Close waits for in-flight
// requests before forcing the transport closed.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) { o.ShutdownTimeout = d }
}

// WithSafelist overrides the default class-name deny list.
func WithSafelist(l *safelist.List) Option {
	return func(o *Options) { o.Safelist = l }
}

// WithJarCache configures the on-disk jar cache.
func WithJarCache(opts jarcache.Options) Option {
	return func(o *Options) { o.Jars = opts }
}

// WithClassSource registers the Source answering this side's own
// ClassRequests.
func WithClassSource(src classload.Source) Option {
	return func(o *Options) { o.ClassSource = src }
}

// WithDiagnostics enables per-export AddRef/Release ring-buffer
// logging, useful for chasing export leaks.
func WithDiagnostics(enabled bool) Option {
	return func(o *Options) { o.Diagnose = enabled }
}

// WithExportGrace sets the grace period during which a released oid's
// late Release commands are ignored rather than treated as errors.
func WithExportGrace(d time.Duration) Option {
	return func(o *Options) { o.ExportGrace = d }
}

// WithDecorators installs the ordered Callable decoration chain.
func WithDecorators(ds ...Decorator) Option {
	return func(o *Options) { o.Decorators = append([]Decorator(nil), ds...) }
}

// WithStreamWindow sets the default proxied-writer flow-control
// window in bytes.
func WithStreamWindow(n int64) Option {
	return func(o *Options) { o.StreamWindowSize = n }
}

// WithStreamRateLimit paces proxied writer output in addition to
// window-based flow control.
func WithStreamRateLimit(l *rate.Limiter) Option {
	return func(o *Options) { o.StreamRateLimit = l }
}
