// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package exports implements the reference-counted export table and
// the import-side dynamic dispatcher.
//
// Go has no runtime bytecode loading, so dynamic proxy generation for
// arbitrary interface sets is implemented as a thin dispatcher keyed
// by (oid, method name), not a reflection-synthesized type
// implementing an arbitrary interface. Callers that want a statically
// typed view of an export write a small hand-rolled adapter around
// Proxy.Call, the same shape net/rpc and most hand-rolled Go RPC
// clients use.
package exports

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
)

// OID is a stable export identifier, unique per channel until its
// refcount reaches zero.
type OID int64

// Entry is a local object made remotely addressable.
type Entry struct {
	OID          OID
	Owner        any
	InterfaceSet []string
	CreatedAt    time.Time

	refCount int32
	sent     bool // whether the handle has been serialized outbound yet
	diag     *diagLog
}

// RefCount returns the current reference count.
func (e *Entry) RefCount() int32 { return atomic.LoadInt32(&e.refCount) }

const diagRingSize = 32

type diagEvent struct {
	Op    string
	Stack string
	At    time.Time
}

type diagLog struct {
	mu     sync.Mutex
	events [diagRingSize]diagEvent
	next   int
}

func (d *diagLog) record(op, stack string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[d.next%diagRingSize] = diagEvent{Op: op, Stack: stack, At: time.Now()}
	d.next++
}

// Events returns the ring buffer's contents in chronological order.
func (d *diagLog) Events() []diagEvent {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := diagRingSize
	if d.next < diagRingSize {
		n = d.next
	}
	out := make([]diagEvent, 0, n)
	for i := 0; i < n; i++ {
		idx := (d.next - n + i + diagRingSize) % diagRingSize
		out = append(out, d.events[idx])
	}
	return out
}

// Table is the per-channel export table: a concurrent map from OID to
// Entry with atomic reference-count updates.
type Table struct {
	mu       sync.Mutex
	nextOID  int64
	entries  map[OID]*Entry
	freedAt  map[OID]time.Time
	grace    time.Duration
	diagnose bool
}

// NewTable returns an empty Table. grace bounds how long releases for
// an already-freed oid are silently dropped rather than reported as
// errors, covering a peer's Release racing the refcount hitting zero.
func NewTable(grace time.Duration, diagnose bool) *Table {
	return &Table{
		entries:  map[OID]*Entry{},
		freedAt:  map[OID]time.Time{},
		grace:    grace,
		diagnose: diagnose,
	}
}

// Export stores instance under a new OID with refCount=1 and returns
// the Entry. Call this whenever a value crosses the wire that is not
// natively serializable.
func (t *Table) Export(instance any, interfaceSet []string) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextOID++
	e := &Entry{
		OID:          OID(t.nextOID),
		Owner:        instance,
		InterfaceSet: interfaceSet,
		CreatedAt:    time.Now(),
		refCount:     1,
	}
	if t.diagnose {
		e.diag = &diagLog{}
		e.diag.record("export", "")
	}
	t.entries[e.OID] = e
	return e
}

// Lookup returns the entry for oid, if it is currently live.
func (t *Table) Lookup(oid OID) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[oid]
	return e, ok
}

// AddRef increments oid's reference count.
func (t *Table) AddRef(oid OID, stack string) error {
	t.mu.Lock()
	e, ok := t.entries[oid]
	t.mu.Unlock()
	if !ok {
		return trace.NotFound("exports: oid %d is not live", oid)
	}
	atomic.AddInt32(&e.refCount, 1)
	e.diag.record("AddRef", stack)
	return nil
}

// NoteSerialized records one outbound serialization of oid's handle.
// The reference created by Export covers the first serialization;
// every later one adds a reference, each matched by an eventual
// Release from the importer it reached.
func (t *Table) NoteSerialized(oid OID, stack string) error {
	t.mu.Lock()
	e, ok := t.entries[oid]
	if !ok {
		t.mu.Unlock()
		return trace.NotFound("exports: oid %d is not live", oid)
	}
	first := !e.sent
	e.sent = true
	t.mu.Unlock()
	if first {
		e.diag.record("Serialize", stack)
		return nil
	}
	return t.AddRef(oid, stack)
}

// Release decrements oid's reference count. When it reaches zero the
// strong reference is dropped and the oid is marked freed; late
// releases for an already-freed oid are ignored during the grace
// period.
func (t *Table) Release(oid OID, stack string) error {
	t.mu.Lock()
	e, ok := t.entries[oid]
	if !ok {
		if freedAt, wasFreed := t.freedAt[oid]; wasFreed && time.Since(freedAt) < t.grace {
			t.mu.Unlock()
			return nil // stale release during grace period: ignored, not an error
		}
		t.mu.Unlock()
		return trace.NotFound("exports: oid %d is not live", oid)
	}
	t.mu.Unlock()

	if atomic.AddInt32(&e.refCount, -1) > 0 {
		e.diag.record("Release", stack)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, oid)
	t.freedAt[oid] = time.Now()
	e.Owner = nil // drop the strong reference
	e.diag.record("Release(final)", stack)
	return nil
}

// Size returns the number of live entries.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// ReleaseAll drops every entry, used when a channel closes.
func (t *Table) ReleaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for oid := range t.entries {
		t.freedAt[oid] = time.Now()
	}
	t.entries = map[OID]*Entry{}
}
