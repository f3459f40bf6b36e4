// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import (
	"context"
	"reflect"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/gravitational/trace"

	"github.com/duplexio/remoting/classload"
	"github.com/duplexio/remoting/internal/exports"
	"github.com/duplexio/remoting/internal/wire"
)

// Invokable is implemented by any value exported over a Channel: it
// dispatches an RPCRequest's method name to the concrete behavior, the
// Go stand-in for a reflection-synthesized dynamic proxy target.
type Invokable interface {
	Invoke(ctx context.Context, method string, args []any) (any, error)
}

// ExportHandle is the small serializable value carrying an oid and
// interface set that crosses the wire in place of a live object.
type ExportHandle struct {
	OID          int64
	InterfaceSet []string
}

// Export stores instance under a new oid with refCount=1 and returns a
// handle ready to be embedded in a Payload and sent to the peer.
func (c *Channel) Export(instance Invokable, interfaceSet []string) ExportHandle {
	e := c.exportsTbl.Export(instance, interfaceSet)
	return ExportHandle{OID: int64(e.OID), InterfaceSet: interfaceSet}
}

// Import constructs the local dynamic-proxy stand-in for a remote
// export described by handle. It fails when the handle's non-public
// interfaces span conflicting classloaders: every side must resolve a
// non-public name through the same loader, and a set that names two is
// unresolvable.
// autoRelease controls whether the returned proxy sends Release when
// it is explicitly released only, versus also being eligible for
// finalizer-driven release; this implementation always requires an
// explicit Release call (Go has no reliable finalizer timing), so
// autoRelease only documents caller intent for higher layers.
func (c *Channel) Import(handle ExportHandle, autoRelease bool) (*exports.Proxy, error) {
	if interfaceSetConflicts(handle.InterfaceSet) {
		return nil, &classload.ErrIncompatibleClassLoader{InterfaceSet: handle.InterfaceSet}
	}
	oid := exports.OID(handle.OID)
	p := exports.NewProxy(c, oid, handle.InterfaceSet, autoRelease)
	c.importMu.Lock()
	c.imports[oid] = p
	c.importMu.Unlock()
	return p, nil
}

// interfaceSetConflicts reports whether the set's non-public interface
// names claim more than one defining loader. Names may be qualified as
// "pkg.Name@loaderID"; an unqualified name belongs to the default
// loader. Public (exported) interfaces resolve anywhere and never
// conflict.
func interfaceSetConflicts(interfaceSet []string) bool {
	var loader string
	seen := false
	for _, qualified := range interfaceSet {
		name, owner := qualified, ""
		if i := strings.LastIndexByte(qualified, '@'); i >= 0 {
			name, owner = qualified[:i], qualified[i+1:]
		}
		if isPublicName(name) {
			continue
		}
		if seen && owner != loader {
			return true
		}
		loader, seen = owner, true
	}
	return false
}

// isPublicName reports whether the final dot-separated segment of name
// is exported in the Go sense.
func isPublicName(name string) bool {
	last := name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		last = name[i+1:]
	}
	r, _ := utf8.DecodeRuneInString(last)
	return unicode.IsUpper(r)
}

// ReleaseImport marks the local proxy released and sends the matching
// Release command, decrementing the remote refcount.
func (c *Channel) ReleaseImport(p *exports.Proxy) error {
	c.importMu.Lock()
	delete(c.imports, p.OID())
	c.importMu.Unlock()
	p.Release()
	return c.enqueueSystem(&wire.Release{OID: int64(p.OID())})
}

// InvokeRPC implements exports.Invoker: it sends an RPCRequest for
// oid.method(args) and, for synchronous calls, blocks for the matching
// RPCResponse.
func (c *Channel) InvokeRPC(ctx context.Context, oid exports.OID, method string, args []any, async bool) (any, error) {
	if c.stateOf() != stateOpen {
		return nil, &ErrChannelClosed{Reason: c.closeReason()}
	}

	encoded := make([]wire.Payload, len(args))
	for i, a := range args {
		p, err := c.encodePayload(a)
		if err != nil {
			return nil, trace.Wrap(err, "encoding RPC argument %d for oid=%d.%s", i, oid, method)
		}
		encoded[i] = p
	}

	id := atomic.AddInt64(&c.nextReqID, 1)
	req := &wire.RPCRequest{
		ID:       id,
		OID:      int64(oid),
		Method:   method,
		Args:     encoded,
		Async:    async,
		LastIoID: c.currentIoSeq(),
	}

	if async {
		return nil, c.enqueueUser(req)
	}

	call := newPendingCall(id)
	c.pending.Store(id, call)
	if err := c.enqueueUser(req); err != nil {
		c.pending.Delete(id)
		return nil, err
	}

	select {
	case <-call.done:
		return call.result, call.err
	case <-ctx.Done():
		c.pending.Delete(id)
		return nil, trace.Wrap(ctx.Err(), "waiting for RPC response oid=%d.%s", oid, method)
	case <-c.closed:
		return nil, &ErrChannelClosed{Reason: c.closeReason()}
	}
}

// handleRPCResponse resolves the pendingCall recorded by InvokeRPC.
// RPCResponse carries no pipe-writer ordering id (unlike Response);
// RPC method calls are not specified to interleave with pipe writes
// the way top-level UserRequest/Response pairs are.
func (c *Channel) handleRPCResponse(resp *wire.RPCResponse) {
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

// executeRPCRequest runs an inbound method call against a locally
// exported object.
func (c *Channel) executeRPCRequest(req *wire.RPCRequest) {
	ctx, cancel := context.WithCancel(c.ctx())
	defer cancel()
	c.inflight.register(req.ID, cancel)
	defer c.inflight.unregister(req.ID)

	entry, ok := c.exportsTbl.Lookup(exports.OID(req.OID))
	if !ok {
		if !req.Async {
			c.sendRPCResponse(req.ID, nil, c.captureException("NoSuchObjectException",
				trace.NotFound("remoting: oid %d is not exported", req.OID)))
		}
		return
	}
	target, ok := entry.Owner.(Invokable)
	if !ok {
		if !req.Async {
			c.sendRPCResponse(req.ID, nil, c.captureException("BadExport",
				trace.BadParameter("remoting: export oid %d does not implement Invokable", req.OID)))
		}
		return
	}

	args := make([]any, len(req.Args))
	for i, p := range req.Args {
		v, err := c.codec.DecodePayload(p)
		if err != nil {
			if !req.Async {
				c.sendRPCResponse(req.ID, nil, c.captureException("ClassNotFound", err))
			}
			return
		}
		args[i] = v
	}

	result, err := target.Invoke(ctx, req.Method, args)
	if req.Async {
		return
	}
	if err != nil {
		c.sendRPCResponse(req.ID, nil, c.captureException(classNameOfErr(err), err))
		return
	}
	c.sendRPCResponse(req.ID, result, nil)
}

func (c *Channel) sendRPCResponse(id int64, result any, remoteErr *wire.RemoteException) {
	resp := &wire.RPCResponse{ID: id, Err: remoteErr}
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

// handleRelease processes an incoming Release, decrementing the
// export table's refcount for oid.
func (c *Channel) handleRelease(cmd *wire.Release) {
	if err := c.exportsTbl.Release(exports.OID(cmd.OID), ""); err != nil {
		c.log.WithError(err).WithField("oid", cmd.OID).Debug("remoting: release of unknown oid")
	}
}

// encodePayload encodes v for an outbound command and then walks it
// for embedded ExportHandle values, counting one serialization against
// each referenced export: re-sending a live handle adds a reference
// the importer must eventually release.
func (c *Channel) encodePayload(v any) (wire.Payload, error) {
	p, err := c.codec.EncodePayload(v)
	if err != nil {
		return wire.Payload{}, err
	}
	for _, oid := range collectHandleOIDs(v) {
		if err := c.exportsTbl.NoteSerialized(exports.OID(oid), ""); err != nil {
			c.log.WithError(err).WithField("oid", oid).Warn("remoting: serialized handle for dead export")
		}
	}
	return p, nil
}

var exportHandleType = reflect.TypeOf(ExportHandle{})

// collectHandleOIDs walks v the way gob will and returns the oid of
// every reachable ExportHandle. Only exported struct fields are
// visited (unexported ones never cross the wire), and already-seen
// pointers are skipped so cyclic values terminate.
func collectHandleOIDs(v any) []int64 {
	if v == nil {
		return nil
	}
	var oids []int64
	walkHandles(reflect.ValueOf(v), map[uintptr]bool{}, &oids)
	return oids
}

func walkHandles(v reflect.Value, visited map[uintptr]bool, oids *[]int64) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() || visited[v.Pointer()] {
			return
		}
		visited[v.Pointer()] = true
		walkHandles(v.Elem(), visited, oids)
	case reflect.Interface:
		if !v.IsNil() {
			walkHandles(v.Elem(), visited, oids)
		}
	case reflect.Struct:
		if v.Type() == exportHandleType {
			*oids = append(*oids, v.Interface().(ExportHandle).OID)
			return
		}
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				walkHandles(v.Field(i), visited, oids)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			walkHandles(v.Index(i), visited, oids)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			walkHandles(iter.Key(), visited, oids)
			walkHandles(iter.Value(), visited, oids)
		}
	}
}

// classNameOfErr gives a logical class name to an arbitrary error for
// RemoteException's ClassName field.
func classNameOfErr(err error) string {
	if named, ok := err.(interface{ ClassName() string }); ok {
		return named.ClassName()
	}
	return "RuntimeException"
}
