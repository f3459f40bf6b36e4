// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import (
	"context"
	"os"
	"plugin"
	"sync/atomic"

	"github.com/gravitational/trace"

	"github.com/duplexio/remoting/internal/wire"
)

// Channel implements classload.Requester: the two round trips a Loader
// needs (class fetch, jar fetch) ride the same command pipeline as
// everything else, correlated by id the same way Request/Response is.

// RequestClass asks the peer's class loader for name.
func (c *Channel) RequestClass(ctx context.Context, name string, prefetch bool) (*wire.ClassReply, error) {
	id := atomic.AddInt64(&c.nextReqID, 1)
	ch := make(chan *wire.ClassReply, 1)
	c.classWaiters.Store(id, ch)
	defer c.classWaiters.Delete(id)

	if err := c.enqueueUser(&wire.ClassRequest{ID: id, Name: name, Prefetch: prefetch}); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err(), "requesting class %s", name)
	case <-c.closed:
		return nil, &ErrChannelClosed{Reason: c.closeReason()}
	}
}

// RequestJar asks the peer to stream back the bytes of the jar
// identified by checksum.
func (c *Channel) RequestJar(ctx context.Context, checksum wire.Checksum) (*wire.JarFetchReply, error) {
	id := atomic.AddInt64(&c.nextReqID, 1)
	ch := make(chan *wire.JarFetchReply, 1)
	c.jarWaiters.Store(id, ch)
	defer c.jarWaiters.Delete(id)

	if err := c.enqueueUser(&wire.JarFetchRequest{ID: id, Checksum: checksum}); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err(), "requesting jar %s", checksum)
	case <-c.closed:
		return nil, &ErrChannelClosed{Reason: c.closeReason()}
	}
}

// deliverClassCorrelated routes an inbound ClassReply/JarFetchReply to
// whichever RequestClass/RequestJar call is waiting on its id.
func (c *Channel) deliverClassCorrelated(cmd wire.Command) {
	switch v := cmd.(type) {
	case *wire.ClassReply:
		if ch, ok := c.classWaiters.Load(v.ID); ok {
			ch.(chan *wire.ClassReply) <- v
		}
	case *wire.JarFetchReply:
		if ch, ok := c.jarWaiters.Load(v.ID); ok {
			ch.(chan *wire.JarFetchReply) <- v
		}
	}
}

// executeClassRequest answers an inbound ClassRequest using this
// side's Loader.Serve, which consults the configured Source and the
// peer's advertised jar checksums.
func (c *Channel) executeClassRequest(req *wire.ClassRequest) {
	_ = c.enqueueSystem(c.loader.Serve(req))
}

// executeJarFetchRequest answers an inbound JarFetchRequest.
func (c *Channel) executeJarFetchRequest(req *wire.JarFetchRequest) {
	_ = c.enqueueSystem(c.loader.ServeJarFetch(req))
}

// resolveAndRegister fetches name's bytes through the class loader and
// loads them as a Go plugin, invoking its exported Register function to
// add the concrete type to the registry owning loader ("" is the
// channel's default; see internal/wire/payload.go's doc comment on
// what "class" means here). Once registered, the type stays registered
// for the lifetime of the process, matching the jar cache's own
// disk-level reuse.
func (c *Channel) resolveAndRegister(ctx context.Context, name, loader string) error {
	data, err := c.loader.Resolve(ctx, name)
	if err != nil {
		return trace.Wrap(err, "resolving class %s", name)
	}

	tmp, err := os.CreateTemp("", "remoting-class-*.so")
	if err != nil {
		return trace.Wrap(err, "staging class %s", name)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return trace.Wrap(err, "writing staged class %s", name)
	}
	if err := tmp.Close(); err != nil {
		return trace.Wrap(err, "closing staged class %s", name)
	}

	plug, err := plugin.Open(tmp.Name())
	if err != nil {
		return trace.Wrap(err, "opening class plugin for %s", name)
	}
	sym, err := plug.Lookup("Register")
	if err != nil {
		return trace.Wrap(err, "class plugin for %s has no Register symbol", name)
	}
	register, ok := sym.(func(*wire.Registry))
	if !ok {
		return trace.BadParameter("remoting: class plugin for %s Register has unexpected signature", name)
	}
	register(c.codec.RegistryFor(loader))
	return nil
}
