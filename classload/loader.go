// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package classload implements the remote class loading protocol:
// on-demand fetch of code unknown to the receiver, with prefetch hints
// and jar-backed references resolved through a jarcache.Cache.
//
// Go has no bytecode or class files, so "class" here means any named,
// byte-addressable unit of code the peer doesn't have: a compiled Go
// plugin symbol, a serialized type descriptor, or any other blob a
// Source chooses to hand back for a name. The wire shapes (ClassDirect,
// ClassInJar, refusal) and the jar cache underneath are carried over
// unchanged because they are a sound fetch-once-cache-forever pattern
// independent of what "class" means on either end.
package classload

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	"github.com/duplexio/remoting/internal/wire"
	"github.com/duplexio/remoting/jarcache"
)

// ErrClassNotFound is returned when a peer has no class under the
// requested name, or refuses it on policy grounds.
type ErrClassNotFound struct {
	Name   string
	Reason string
}

func (e *ErrClassNotFound) Error() string {
	if e.Reason == "" {
		return "classload: class not found: " + e.Name
	}
	return "classload: class not found: " + e.Name + ": " + e.Reason
}

// ErrIncompatibleClassLoader reports that a proxy's interface set spans
// conflicting classloaders.
type ErrIncompatibleClassLoader struct {
	InterfaceSet []string
}

func (e *ErrIncompatibleClassLoader) Error() string {
	return "classload: interface set spans conflicting classloaders"
}

// Requester sends the two command round trips a Loader needs from its
// Channel: fetching a named class, and fetching a jar's bytes by
// checksum once a ClassInJar reply points at one not locally cached.
// It is defined here, at the dependency leaf, so Channel can implement
// it without classload importing the channel package.
type Requester interface {
	RequestClass(ctx context.Context, name string, prefetch bool) (*wire.ClassReply, error)
	RequestJar(ctx context.Context, checksum wire.Checksum) (*wire.JarFetchReply, error)
}

// Source is the local side of the protocol: it answers "do I have
// this class, and what are its bytes" for incoming ClassRequests.
type Source interface {
	// Lookup returns the raw bytes for name, if this side has them.
	Lookup(name string) (data []byte, ok bool)
	// Related returns additional class names this side believes a
	// peer requesting name will need soon, for the prefetch hint.
	// May return nil.
	Related(name string) []string
}

// Loader is both the import side (Resolve, Prefetch) and the serving
// side (Serve, ServeJarFetch) of the class loading protocol for one
// Channel.
type Loader struct {
	requester Requester
	source    Source // nil if this side serves nothing
	jars      *jarcache.Cache
	jarRefs   bool
	log       logrus.FieldLogger

	cache *lru.Cache[string, []byte] // resolved class name -> bytes

	mu        sync.Mutex
	peerJars  map[wire.Checksum]struct{} // checksums the peer advertised via JarPresent
	localJars map[wire.Checksum][]byte   // checksum -> bytes, for classes we have served as jar refs
}

// Options configures a Loader.
type Options struct {
	Requester Requester
	Source    Source
	Jars      *jarcache.Cache
	// JarRefs allows ClassInJar replies and prefetch hints. Off (the
	// capability was not negotiated, or the sides disagree on the
	// digest algorithm), every class crosses the wire inline.
	JarRefs   bool
	CacheSize int // resolved-class LRU capacity; 0 uses a sensible default
	Log       logrus.FieldLogger
}

// New returns a Loader.
func New(opts Options) (*Loader, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, trace.Wrap(err, "constructing class cache")
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loader{
		requester: opts.Requester,
		source:    opts.Source,
		jars:      opts.Jars,
		jarRefs:   opts.JarRefs,
		log:       log,
		cache:     cache,
		peerJars:  map[wire.Checksum]struct{}{},
		localJars: map[wire.Checksum][]byte{},
	}, nil
}

// Resolve returns the bytes for name, fetching them from the peer if
// this side hasn't seen them before.
func (l *Loader) Resolve(ctx context.Context, name string) ([]byte, error) {
	if data, ok := l.cache.Get(name); ok {
		return data, nil
	}

	reply, err := l.requester.RequestClass(ctx, name, false)
	if err != nil {
		return nil, trace.Wrap(err, "requesting class %s", name)
	}
	data, err := l.materialize(ctx, reply)
	if err != nil {
		return nil, err
	}
	l.cache.Add(name, data)
	return data, nil
}

// Prefetch asks the peer for name plus any related classes it
// believes will be needed soon, in one class request. Inline bytes for
// name itself go into the local cache. The reply's related-class
// mapping is only logged (see rememberJarRef): its jar references are
// not stored and the local cache is not filled from them, so a later
// Resolve of a related class sends its own class request.
func (l *Loader) Prefetch(ctx context.Context, name string) error {
	if _, ok := l.cache.Get(name); ok {
		return nil
	}
	if !l.jarRefs {
		// without checksum references a prefetch mapping has nothing to
		// point at; a plain resolve is the whole feature
		_, err := l.Resolve(ctx, name)
		return err
	}
	reply, err := l.requester.RequestClass(ctx, name, true)
	if err != nil {
		return trace.Wrap(err, "prefetching class %s", name)
	}
	if reply.ErrText != "" {
		return &ErrClassNotFound{Name: name, Reason: reply.ErrText}
	}
	if reply.Direct != nil {
		l.cache.Add(name, reply.Direct)
	}
	for className, ref := range reply.Prefetch {
		className, ref := className, ref
		if _, ok := l.cache.Get(className); ok {
			continue
		}
		l.rememberJarRef(className, ref)
	}
	return nil
}

// rememberJarRef logs one entry of a prefetch reply's related-class
// mapping at debug level. The reference itself is not kept; a later
// Resolve of className goes through a normal class request.
func (l *Loader) rememberJarRef(className string, ref wire.JarRef) {
	l.log.WithFields(logrus.Fields{"class": className, "checksum": ref.Checksum}).Debug("classload: prefetch hint recorded")
}

func (l *Loader) materialize(ctx context.Context, reply *wire.ClassReply) ([]byte, error) {
	switch {
	case reply.ErrText != "":
		return nil, &ErrClassNotFound{Reason: reply.ErrText}
	case reply.InJar != nil:
		return l.fetchFromJar(ctx, *reply.InJar)
	case reply.Direct != nil:
		return reply.Direct, nil
	default:
		return nil, trace.BadParameter("classload: reply carries neither Direct, InJar, nor an error")
	}
}

func (l *Loader) fetchFromJar(ctx context.Context, ref wire.JarRef) ([]byte, error) {
	path, cleanup, err := l.jars.Resolve(ctx, ref.Checksum, func(ctx context.Context, c wire.Checksum, dst io.Writer) error {
		fetched, err := l.requester.RequestJar(ctx, c)
		if err != nil {
			return err
		}
		if fetched.ErrText != "" {
			return trace.NotFound("classload: peer no longer has jar %s: %s", c, fetched.ErrText)
		}
		_, err = dst.Write(fetched.Data)
		return err
	})
	if err != nil {
		return nil, trace.Wrap(err, "resolving jar %s", ref.Checksum)
	}
	defer cleanup()

	if ref.InternalPath == "" {
		return readFile(path)
	}
	return readZipEntry(path, ref.InternalPath)
}

// HandleJarPresent records checksums the peer reported holding, so
// Serve can prefer ClassInJar over inlining bytes the peer already
// has.
func (l *Loader) HandleJarPresent(cmd *wire.JarPresent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range cmd.Checksums {
		l.peerJars[c] = struct{}{}
	}
}

// Serve answers an incoming ClassRequest using Source. If the peer has
// already advertised the checksum this class's bytes hash to, the
// reply references the jar instead of inlining the bytes.
func (l *Loader) Serve(req *wire.ClassRequest) *wire.ClassReply {
	if l.source == nil {
		return &wire.ClassReply{ID: req.ID, ErrText: "classload: this side serves no classes"}
	}
	data, ok := l.source.Lookup(req.Name)
	if !ok {
		return &wire.ClassReply{ID: req.ID, ErrText: "class not found: " + req.Name}
	}

	reply := &wire.ClassReply{ID: req.ID}
	l.attachOne(req.Name, data, reply)

	if req.Prefetch && l.jarRefs {
		reply.Prefetch = map[string]wire.JarRef{}
		for _, related := range l.source.Related(req.Name) {
			relData, ok := l.source.Lookup(related)
			if !ok {
				continue
			}
			sum := wire.SumBytes(relData)
			l.rememberLocalJar(sum, relData)
			reply.Prefetch[related] = wire.JarRef{Checksum: sum}
		}
	}
	return reply
}

// attachOne fills in either Direct or InJar on reply for one class's
// bytes, remembering the bytes under their checksum either way so a
// later JarFetchRequest can serve them. Jar references require the
// negotiated capability; otherwise bytes always inline.
func (l *Loader) attachOne(name string, data []byte, reply *wire.ClassReply) {
	sum := wire.SumBytes(data)
	l.rememberLocalJar(sum, data)

	if l.jarRefs {
		l.mu.Lock()
		_, peerHas := l.peerJars[sum]
		l.mu.Unlock()
		if peerHas {
			reply.InJar = &wire.JarRef{Checksum: sum}
			return
		}
	}
	reply.Direct = data
}

func (l *Loader) rememberLocalJar(sum wire.Checksum, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.localJars[sum] = data
}

// ServeJarFetch answers an incoming JarFetchRequest from whichever
// class bytes were last remembered under that checksum, falling back
// to the on-disk jar cache.
func (l *Loader) ServeJarFetch(req *wire.JarFetchRequest) *wire.JarFetchReply {
	l.mu.Lock()
	data, ok := l.localJars[req.Checksum]
	l.mu.Unlock()
	if ok {
		return &wire.JarFetchReply{ID: req.ID, Data: data}
	}
	if l.jars != nil && l.jars.Has(req.Checksum) {
		path, cleanup, err := l.jars.Resolve(context.Background(), req.Checksum, func(context.Context, wire.Checksum, io.Writer) error {
			return trace.NotFound("jar already on disk, no fetch expected")
		})
		if err == nil {
			defer cleanup()
			if b, rerr := readFile(path); rerr == nil {
				return &wire.JarFetchReply{ID: req.ID, Data: b}
			}
		}
	}
	return &wire.JarFetchReply{ID: req.ID, ErrText: "jar no longer available: " + req.Checksum.String()}
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func readZipEntry(jarPath, internalPath string) ([]byte, error) {
	zr, err := zip.OpenReader(jarPath)
	if err != nil {
		return nil, trace.Wrap(err, "opening jar %s", jarPath)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != internalPath {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, trace.Wrap(err, "opening jar entry %s", internalPath)
		}
		defer rc.Close()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, rc); err != nil {
			return nil, trace.Wrap(err, "reading jar entry %s", internalPath)
		}
		return buf.Bytes(), nil
	}
	return nil, trace.NotFound("classload: jar %s has no entry %s", jarPath, internalPath)
}
