// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package remoting implements a bidirectional RPC channel connecting a
// controller process to a remote agent process over a single
// full-duplex byte stream: framing transport, a self-describing
// command codec, capability exchange, exported-object proxying,
// on-demand class loading backed by a content-addressed jar cache, and
// proxied byte streams and pipes with flow control.
//
// Open a Channel over any io.ReadWriter (a net.Conn, or an os.Pipe pair
// joined into one io.ReadWriter) and it performs the capability
// handshake before returning. Open frames the stream itself with
// Classic or Chunked framing and takes no frame.BlockTransport, so the
// WebSocket transport in internal/frame is not reachable through it. The
// returned Channel drives its own reader, writer, pipe-writer, and
// worker-pool goroutines until Close or a fatal protocol error tears
// it down.
package remoting
