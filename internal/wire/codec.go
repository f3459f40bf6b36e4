// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"

	"github.com/gravitational/trace"

	"github.com/duplexio/remoting/internal/safelist"
)

func init() {
	// The envelope Command types are fixed and shared by both peers
	// (unlike user payloads); register them once under stable names
	// independent of package path.
	for name, sample := range map[string]Command{
		"UserRequest":     &UserRequest{},
		"Response":        &Response{},
		"RPCRequest":      &RPCRequest{},
		"RPCResponse":     &RPCResponse{},
		"StreamChunk":     &StreamChunk{},
		"StreamEOF":       &StreamEOF{},
		"StreamWindow":    &StreamWindow{},
		"ReadRequest":     &ReadRequest{},
		"PipeConnect":     &PipeConnect{},
		"JarPresent":      &JarPresent{},
		"ClassRequest":    &ClassRequest{},
		"ClassReply":      &ClassReply{},
		"CancelRequest":   &CancelRequest{},
		"Release":         &Release{},
		"ChannelClose":    &ChannelClose{},
		"JarFetchRequest": &JarFetchRequest{},
		"JarFetchReply":   &JarFetchReply{},
	} {
		gob.RegisterName("remoting.command."+name, sample)
	}
}

type channelKey struct{}

// ChannelID is an opaque, loggable identifier for the "current
// channel" a Command is being encoded/decoded on. It is carried as an
// explicit context value so custom (de)serialization logic in embedded
// objects can resolve the active channel without a hidden global.
type ChannelID string

// WithChannel returns a context carrying id as the current channel.
func WithChannel(ctx context.Context, id ChannelID) context.Context {
	return context.WithValue(ctx, channelKey{}, id)
}

// ChannelFrom extracts the current channel id set by WithChannel.
func ChannelFrom(ctx context.Context) (ChannelID, bool) {
	id, ok := ctx.Value(channelKey{}).(ChannelID)
	return id, ok
}

// ErrClassFiltered reports a type name the safelist refused to
// resolve.
type ErrClassFiltered struct{ TypeName string }

func (e *ErrClassFiltered) Error() string {
	return "wire: type denied by safelist: " + e.TypeName
}

// Codec encodes and decodes Command values for one Channel. It owns
// the Payload Registry for that channel's dynamically typed values and
// the safelist guarding which type names may be constructed on decode.
//
// When MultiLoader is set (negotiated via the capability preamble),
// additional registries keyed by loader id hold types fetched from
// distinct logical classloaders, and each Payload's Loader tag routes
// its resolution to the registry that owns the name.
type Codec struct {
	Payloads    *Registry
	Safelist    *safelist.List
	MultiLoader bool

	mu      sync.Mutex
	loaders map[string]*Registry
}

// NewCodec returns a Codec with a fresh Payload registry and the
// default safelist.
func NewCodec() *Codec {
	return &Codec{Payloads: NewRegistry(), Safelist: safelist.Default(), loaders: map[string]*Registry{}}
}

// RegistryFor returns the registry owning loader's type names,
// creating it on first use. The empty loader id is the channel's
// default registry.
func (c *Codec) RegistryFor(loader string) *Registry {
	if loader == "" {
		return c.Payloads
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.loaders[loader]
	if !ok {
		r = NewRegistry()
		c.loaders[loader] = r
	}
	return r
}

// envelope is the documented gob idiom for polymorphic interface
// values: gob only writes a concrete-type tag for a struct field whose
// static type is an interface, not for a bare interface{} argument.
type envelope struct {
	Cmd Command
}

// Encode serializes cmd into a byte block suitable for
// frame.BlockTransport.WriteBlock.
func (c *Codec) Encode(ctx context.Context, cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Cmd: cmd}); err != nil {
		return nil, trace.Wrap(err, "encoding command %s", cmd.Kind())
	}
	return buf.Bytes(), nil
}

// Decode reconstructs a Command from a byte block. The concrete
// envelope type is resolved by gob's own registry (set up once in
// init); safelist checks apply to the dynamically typed Payload
// fields nested inside the command, not to the fixed envelope types,
// since the envelope vocabulary is closed and compiled in.
func (c *Codec) Decode(ctx context.Context, block []byte) (Command, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(block)).Decode(&env); err != nil {
		return nil, trace.Wrap(err, "decoding command")
	}
	return env.Cmd, nil
}

// EncodePayload wraps v as a Payload, checking the safelist first so a
// caller can never even attempt to transmit a denied type name. The
// default registry is consulted first; with MultiLoader negotiated,
// types registered under a non-default loader encode with that
// loader's tag. A nil v encodes as the zero Payload, which decodes
// back to nil.
func (c *Codec) EncodePayload(v any) (Payload, error) {
	if v == nil {
		return Payload{}, nil
	}
	reg, loader := c.Payloads, ""
	name, ok := reg.NameOf(v)
	if !ok && c.MultiLoader {
		c.mu.Lock()
		for id, r := range c.loaders {
			if n, found := r.NameOf(v); found {
				reg, loader, name, ok = r, id, n, true
				break
			}
		}
		c.mu.Unlock()
	}
	if ok && !c.Safelist.Allowed(name) {
		return Payload{}, &ErrClassFiltered{TypeName: name}
	}
	p, err := reg.Encode(v)
	if err != nil {
		return Payload{}, err
	}
	p.Loader = loader
	return p, nil
}

// DecodePayload resolves p against the registry its Loader tag names,
// rejecting denied type names before even consulting any registry.
func (c *Codec) DecodePayload(p Payload) (any, error) {
	if p.IsZero() {
		return nil, nil
	}
	if !c.Safelist.Allowed(p.TypeName) {
		return nil, &ErrClassFiltered{TypeName: p.TypeName}
	}
	if p.Loader != "" && !c.MultiLoader {
		return nil, &ErrUnknownType{Name: p.TypeName, Loader: p.Loader}
	}
	v, err := c.RegistryFor(p.Loader).Decode(p)
	if unknown, ok := err.(*ErrUnknownType); ok {
		unknown.Loader = p.Loader
	}
	return v, err
}
