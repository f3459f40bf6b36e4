// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package exports

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// Invoker sends an RPCRequest for oid.method(args) and returns the
// decoded result, or blocks until the matching RPCResponse arrives.
// The Channel type implements this; it is defined here, at the
// dependency leaf, to avoid an import cycle between exports and the
// channel core.
type Invoker interface {
	InvokeRPC(ctx context.Context, oid OID, method string, args []any, async bool) (any, error)
}

// Proxy is the local stand-in for a remote export. Method calls are
// looked up dynamically by name: a thin (oid, method) dispatcher
// rather than a reflection-synthesized implementation of an arbitrary
// interface (see package doc).
type Proxy struct {
	invoker      Invoker
	oid          OID
	interfaceSet []string
	autoRelease  bool

	mu          sync.Mutex
	methodTable map[string]bool // method name -> confirmed resolvable, negotiated lazily
	released    bool
}

// NewProxy returns an import proxy for oid.
func NewProxy(invoker Invoker, oid OID, interfaceSet []string, autoRelease bool) *Proxy {
	return &Proxy{
		invoker:      invoker,
		oid:          oid,
		interfaceSet: interfaceSet,
		autoRelease:  autoRelease,
		methodTable:  map[string]bool{},
	}
}

// OID returns the identity of the remote export. Proxy identity is
// defined to be exactly this: two proxies are the "same" export iff
// their OIDs are equal on the same channel, never by Go's == on the
// *Proxy value.
func (p *Proxy) OID() OID { return p.oid }

// Equal reports identity by oid on the same channel.
func (p *Proxy) Equal(other *Proxy) bool {
	return other != nil && p.oid == other.oid && p.invoker == other.invoker
}

// InterfaceSet returns the interfaces the export was published under.
func (p *Proxy) InterfaceSet() []string { return append([]string(nil), p.interfaceSet...) }

// Call invokes method on the remote export. Synchronous calls block
// for the result; async calls return as soon as the request is
// accepted by the channel's write queue.
func (p *Proxy) Call(ctx context.Context, method string, args []any, async bool) (any, error) {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil, trace.BadParameter("exports: proxy for oid %d was already released", p.oid)
	}
	// Method-table negotiation: the first call for a given method name
	// is remembered so later calls can skip redundant local validation;
	// the table never forbids a call, it only records history.
	p.methodTable[method] = true
	p.mu.Unlock()

	return p.invoker.InvokeRPC(ctx, p.oid, method, args, async)
}

// Release marks the proxy released locally; callers (or a finalizer
// set up by NewProxy's caller when autoRelease is set) are responsible
// for sending the matching Release command to decrement the remote
// refcount.
func (p *Proxy) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
}

// AutoRelease reports whether this proxy should be released when
// garbage collected rather than requiring an explicit Release call.
func (p *Proxy) AutoRelease() bool { return p.autoRelease }
