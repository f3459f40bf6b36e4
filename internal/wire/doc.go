// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the command codec and capability exchange:
// the self-describing encoding for Command values, the dynamic payload
// registry that stands in for Java-style remote class loading, and the
// fixed preamble both peers exchange before a Channel exists.
//
// The "current channel" a command is being encoded or decoded on is
// threaded explicitly through context.Context rather than kept in a
// thread-local, to avoid hidden globals.
package wire
