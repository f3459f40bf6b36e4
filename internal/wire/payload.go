// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/gob"
	"reflect"
	"sync"

	"github.com/gravitational/trace"
)

// Payload is a self-describing, dynamically typed value carried inside
// a Command. TypeName stands in for a Java class name; Loader tags the
// logical classloader the name belongs to, so a single command may
// reference objects from several loaders and each one is resolved via
// the correct import ("" is the channel's default loader); Data is the
// gob encoding of the concrete value registered under that name.
//
// Go has no runtime bytecode loading, so remote class loading is
// reimagined as registering a concrete Go type for a previously unseen
// (Loader, TypeName) pair by loading a Go plugin fetched through the
// same jar-cache pipeline (see package classload). Until that
// registration happens, a Payload whose TypeName is unknown decodes to
// ErrUnknownType and the caller is expected to resolve it and retry.
type Payload struct {
	TypeName string
	Loader   string
	Data     []byte
}

// IsZero reports whether p carries no value.
func (p Payload) IsZero() bool { return p.TypeName == "" && p.Data == nil }

// ErrUnknownType is returned when no local type is registered under a
// Payload's (Loader, TypeName) pair.
type ErrUnknownType struct {
	Name   string
	Loader string
}

func (e *ErrUnknownType) Error() string {
	if e.Loader == "" {
		return "wire: unknown payload type " + e.Name
	}
	return "wire: unknown payload type " + e.Name + " in loader " + e.Loader
}

// Registry maps class-name-like strings to concrete Go types, doubling
// as the gob type registry (gob.RegisterName is called once per
// registration so encode/decode agree on wire names independent of Go
// package paths, mirroring a classloader's namespace).
type Registry struct {
	mu    sync.RWMutex
	names map[string]reflect.Type
	types map[reflect.Type]string
}

// NewRegistry returns a Registry pre-seeded with the primitive types
// every peer shares, so plain scalars and byte slices cross the wire
// without explicit registration. The seeds only populate the name
// maps: gob already knows every predeclared type, and re-registering
// []byte under a second name would collide with its built-in one.
func NewRegistry() *Registry {
	r := &Registry{names: map[string]reflect.Type{}, types: map[reflect.Type]string{}}
	for name, sample := range map[string]any{
		"string":  "",
		"bool":    false,
		"int":     int(0),
		"int32":   int32(0),
		"int64":   int64(0),
		"float64": float64(0),
		"bytes":   []byte{},
	} {
		t := reflect.TypeOf(sample)
		r.names[name] = t
		r.types[t] = name
	}
	return r
}

// Register associates name with the concrete type of sample. sample
// must be a non-pointer value; Register panics on programmer error
// (duplicate registration with a different type).
func (r *Registry) Register(name string, sample any) {
	t := reflect.TypeOf(sample)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.names[name]; ok && existing != t {
		panic("wire: " + name + " already registered with a different type")
	}
	r.names[name] = t
	r.types[t] = name
	gob.RegisterName(name, sample)
}

// Lookup returns the type registered under name, if any.
func (r *Registry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.names[name]
	return t, ok
}

// NameOf returns the registered name for v's type, if any.
func (r *Registry) NameOf(v any) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.types[reflect.TypeOf(v)]
	return name, ok
}

// Encode produces a Payload for v, which must have been Registered.
func (r *Registry) Encode(v any) (Payload, error) {
	name, ok := r.NameOf(v)
	if !ok {
		return Payload{}, trace.BadParameter("wire: type %T is not registered for encoding", v)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return Payload{}, trace.Wrap(err, "encoding payload %s", name)
	}
	return Payload{TypeName: name, Data: buf.Bytes()}, nil
}

// Decode resolves p against locally registered types. It returns
// *ErrUnknownType when name resolution must go through classload.
func (r *Registry) Decode(p Payload) (any, error) {
	if p.IsZero() {
		return nil, nil
	}
	t, ok := r.Lookup(p.TypeName)
	if !ok {
		return nil, &ErrUnknownType{Name: p.TypeName}
	}
	dst := reflect.New(t)
	if err := gob.NewDecoder(bytes.NewReader(p.Data)).DecodeValue(dst.Elem()); err != nil {
		return nil, trace.Wrap(err, "decoding payload %s", p.TypeName)
	}
	return dst.Elem().Interface(), nil
}
