// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package classload

import (
	"archive/zip"
	"bytes"
	"context"
	"sync/atomic"
	"testing"

	"github.com/duplexio/remoting/internal/wire"
	"github.com/duplexio/remoting/jarcache"
)

type fakeSource struct {
	classes map[string][]byte
	related map[string][]string
}

func (s *fakeSource) Lookup(name string) ([]byte, bool) {
	b, ok := s.classes[name]
	return b, ok
}

func (s *fakeSource) Related(name string) []string { return s.related[name] }

// linkedRequester routes Loader A's requests straight into Loader B's
// Serve/ServeJarFetch, modeling two peers sharing one in-process
// channel without any actual transport.
type linkedRequester struct {
	peer      *Loader
	classReqs int32
	jarReqs   int32
}

func (r *linkedRequester) RequestClass(ctx context.Context, name string, prefetch bool) (*wire.ClassReply, error) {
	atomic.AddInt32(&r.classReqs, 1)
	return r.peer.Serve(&wire.ClassRequest{Name: name, Prefetch: prefetch}), nil
}

func (r *linkedRequester) RequestJar(ctx context.Context, checksum wire.Checksum) (*wire.JarFetchReply, error) {
	atomic.AddInt32(&r.jarReqs, 1)
	return r.peer.ServeJarFetch(&wire.JarFetchRequest{Checksum: checksum}), nil
}

func newLinkedLoaders(t *testing.T, source *fakeSource) (requester *Loader, server *Loader, link *linkedRequester) {
	t.Helper()
	serverCache, err := jarcache.New(jarcache.Options{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	server, err = New(Options{Source: source, Jars: serverCache, JarRefs: true})
	if err != nil {
		t.Fatal(err)
	}
	link = &linkedRequester{peer: server}
	requesterCache, err := jarcache.New(jarcache.Options{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	requester, err = New(Options{Requester: link, Jars: requesterCache, JarRefs: true})
	if err != nil {
		t.Fatal(err)
	}
	return requester, server, link
}

func TestLoader_ResolveDirect(t *testing.T) {
	source := &fakeSource{classes: map[string][]byte{"com.acme.Widget": []byte("widget bytecode")}}
	requester, _, _ := newLinkedLoaders(t, source)

	data, err := requester.Resolve(context.Background(), "com.acme.Widget")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("widget bytecode")) {
		t.Fatalf("got %q", data)
	}
}

func TestLoader_ResolveUnknownClassFails(t *testing.T) {
	requester, _, _ := newLinkedLoaders(t, &fakeSource{classes: map[string][]byte{}})
	if _, err := requester.Resolve(context.Background(), "com.acme.Missing"); err == nil {
		t.Fatal("expected an error for an unknown class")
	}
}

func TestLoader_ResolveCachesAfterFirstFetch(t *testing.T) {
	source := &fakeSource{classes: map[string][]byte{"com.acme.Widget": []byte("widget bytecode")}}
	requester, _, link := newLinkedLoaders(t, source)

	if _, err := requester.Resolve(context.Background(), "com.acme.Widget"); err != nil {
		t.Fatal(err)
	}
	if _, err := requester.Resolve(context.Background(), "com.acme.Widget"); err != nil {
		t.Fatal(err)
	}
	if link.classReqs != 1 {
		t.Fatalf("expected one class request with caching, got %d", link.classReqs)
	}
}

func TestLoader_AdvertisedChecksumReturnsInJarThenFetchesOnce(t *testing.T) {
	source := &fakeSource{classes: map[string][]byte{"com.acme.Widget": []byte("widget bytecode")}}
	requester, server, link := newLinkedLoaders(t, source)

	sum := wire.SumBytes([]byte("widget bytecode"))
	server.HandleJarPresent(&wire.JarPresent{Checksums: []wire.Checksum{sum}})

	data, err := requester.Resolve(context.Background(), "com.acme.Widget")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("widget bytecode")) {
		t.Fatalf("got %q", data)
	}
	if link.jarReqs != 1 {
		t.Fatalf("expected one jar fetch, got %d", link.jarReqs)
	}

	// second resolve hits the requester's own class cache, no new round trips.
	if _, err := requester.Resolve(context.Background(), "com.acme.Widget"); err != nil {
		t.Fatal(err)
	}
	if link.classReqs != 1 || link.jarReqs != 1 {
		t.Fatalf("expected no additional round trips, got classReqs=%d jarReqs=%d", link.classReqs, link.jarReqs)
	}
}

func TestLoader_WithoutJarRefsAlwaysInlines(t *testing.T) {
	source := &fakeSource{classes: map[string][]byte{"com.acme.Widget": []byte("widget bytecode")}}
	cache, err := jarcache.New(jarcache.Options{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	server, err := New(Options{Source: source, Jars: cache})
	if err != nil {
		t.Fatal(err)
	}

	// even a peer-advertised checksum must not produce a jar reference
	// when the capability was not negotiated
	sum := wire.SumBytes([]byte("widget bytecode"))
	server.HandleJarPresent(&wire.JarPresent{Checksums: []wire.Checksum{sum}})

	reply := server.Serve(&wire.ClassRequest{Name: "com.acme.Widget", Prefetch: true})
	if reply.InJar != nil {
		t.Fatal("expected no jar reference without the capability")
	}
	if reply.Prefetch != nil {
		t.Fatal("expected no prefetch mapping without the capability")
	}
	if !bytes.Equal(reply.Direct, []byte("widget bytecode")) {
		t.Fatalf("got %q", reply.Direct)
	}
}

func TestLoader_PrefetchPopulatesRelatedJarRefsLazily(t *testing.T) {
	source := &fakeSource{
		classes: map[string][]byte{
			"com.acme.Widget": []byte("widget bytecode"),
			"com.acme.Helper": []byte("helper bytecode"),
		},
		related: map[string][]string{"com.acme.Widget": {"com.acme.Helper"}},
	}
	requester, _, link := newLinkedLoaders(t, source)

	if err := requester.Prefetch(context.Background(), "com.acme.Widget"); err != nil {
		t.Fatal(err)
	}
	if link.classReqs != 1 {
		t.Fatalf("expected exactly one request for the prefetch round trip, got %d", link.classReqs)
	}

	data, err := requester.Resolve(context.Background(), "com.acme.Helper")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("helper bytecode")) {
		t.Fatalf("got %q", data)
	}
}

func TestLoader_ResolveFromInternalJarPath(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("com/acme/Widget.class")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("widget bytecode")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	jarBytes := buf.Bytes()
	sum := wire.SumBytes(jarBytes)

	cache, err := jarcache.New(jarcache.Options{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	served := &recordingRequester{jarBytes: jarBytes}
	loader, err := New(Options{Requester: served, Jars: cache, JarRefs: true})
	if err != nil {
		t.Fatal(err)
	}

	data, err := loader.fetchFromJar(context.Background(), wire.JarRef{Checksum: sum, InternalPath: "com/acme/Widget.class"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("widget bytecode")) {
		t.Fatalf("got %q", data)
	}
}

type recordingRequester struct {
	jarBytes []byte
}

func (r *recordingRequester) RequestClass(ctx context.Context, name string, prefetch bool) (*wire.ClassReply, error) {
	return nil, nil
}

func (r *recordingRequester) RequestJar(ctx context.Context, checksum wire.Checksum) (*wire.JarFetchReply, error) {
	return &wire.JarFetchReply{Data: r.jarBytes}, nil
}
