// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package jarcache implements a content-addressed local cache of jar
// files: single-flight downloads, at-most-one writer per checksum via
// atomic rename, post-rename integrity verification, and best-effort
// presence advertisement.
package jarcache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/duplexio/remoting/internal/wire"
)

// Checksum is the 128-bit content identifier a Cache is keyed by.
type Checksum = wire.Checksum

// Fetcher downloads the jar identified by c into dst. It is supplied
// by the caller (the classload package, which answers it with a
// JarFetchRequest/JarFetchReply round trip) so this package stays agnostic
// of the wire protocol that produces the bytes.
type Fetcher func(ctx context.Context, c Checksum, dst io.Writer) error

// Cache is a content-addressed on-disk jar store.
type Cache struct {
	root     string
	touch    bool
	disabled bool
	log      logrus.FieldLogger

	group singleflight.Group

	mu      sync.Mutex
	present map[Checksum]struct{}
}

// Options configures a Cache. The zero value is a disabled cache.
type Options struct {
	// Root is the cache directory. An empty Root disables the cache.
	Root string
	// Touch, when true, updates a file's mtime on every successful
	// lookup so an external process can do LRU eviction; the cache
	// itself never deletes entries.
	Touch bool
	// Disabled makes the cache always report "not present", forcing
	// inline transmission; Resolve still downloads (to a temp file
	// that callers must dispose of via the returned cleanup func).
	Disabled bool
	Log      logrus.FieldLogger
}

// New returns a Cache per opts.
func New(opts Options) (*Cache, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	disabled := opts.Disabled || opts.Root == ""
	c := &Cache{root: opts.Root, touch: opts.Touch, disabled: disabled, log: log, present: map[Checksum]struct{}{}}
	if !disabled {
		if err := os.MkdirAll(opts.Root, 0o755); err != nil {
			return nil, trace.Wrap(err, "creating jar cache root %s", opts.Root)
		}
		c.scan()
	}
	return c, nil
}

// scan seeds the in-memory presence set from entries already on disk,
// so a fresh Cache over a warm directory can advertise what it holds.
// Unparseable names and read errors are skipped silently; presence is
// best-effort and lookups re-stat the disk anyway.
func (c *Cache) scan() {
	shards, err := os.ReadDir(c.root)
	if err != nil {
		return
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		top, err := strconv.ParseUint(shard.Name(), 16, 8)
		if err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(c.root, shard.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if !strings.HasSuffix(name, ".jar") || len(name) != 30+len(".jar") {
				continue
			}
			rest, err := strconv.ParseUint(name[:14], 16, 64)
			if err != nil {
				continue
			}
			lo, err := strconv.ParseUint(name[14:30], 16, 64)
			if err != nil {
				continue
			}
			c.present[Checksum{Hi: top<<56 | rest, Lo: lo}] = struct{}{}
		}
	}
}

// Known returns every checksum this cache currently believes it holds
// locally, for a JarPresent advertisement to the peer.
func (c *Cache) Known() []Checksum {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Checksum, 0, len(c.present))
	for sum := range c.present {
		out = append(out, sum)
	}
	return out
}

// layout returns <root>/<TOP>/<REST>.jar: TOP is the two-hex-digit top
// byte of the first checksum half; REST is the remaining 56 bits of
// the first half (14 hex) concatenated with the full second half
// (16 hex).
func (c *Cache) layout(sum Checksum) (dir, path string) {
	top := byte(sum.Hi >> 56)
	rest := sum.Hi & 0x00FFFFFFFFFFFFFF
	dir = filepath.Join(c.root, fmt.Sprintf("%02x", top))
	path = filepath.Join(dir, fmt.Sprintf("%014x%016x.jar", rest, sum.Lo))
	return dir, path
}

// Has reports whether sum is already cached locally. A disabled cache
// always reports false.
func (c *Cache) Has(sum Checksum) bool {
	if c.disabled {
		return false
	}
	c.mu.Lock()
	_, known := c.present[sum]
	c.mu.Unlock()
	if known {
		return true
	}
	_, path := c.layout(sum)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	c.mu.Lock()
	c.present[sum] = struct{}{}
	c.mu.Unlock()
	return true
}

// ErrCorruptedArtifact is returned by Resolve when the downloaded
// file's checksum does not match the requested one. Retryable: the
// temp file is removed and nothing is recorded as present.
type ErrCorruptedArtifact struct {
	Want, Got Checksum
}

func (e *ErrCorruptedArtifact) Error() string {
	return fmt.Sprintf("jarcache: corrupted artifact: want %s got %s", e.Want, e.Got)
}

// Resolve returns the local path of the jar identified by sum,
// downloading it via fetch if necessary. Concurrent Resolve calls for
// the same sum share one download. The returned cleanup func must be
// called once the caller is done with path; for a persistent cache it
// is a no-op (eviction is external), for a disabled cache it deletes
// the temp file.
func (c *Cache) Resolve(ctx context.Context, sum Checksum, fetch Fetcher) (path string, cleanup func(), err error) {
	if c.Has(sum) && !c.disabled {
		_, path := c.layout(sum)
		if c.touch {
			now := time.Now()
			_ = os.Chtimes(path, now, now)
		}
		return path, func() {}, nil
	}

	key := sum.String()
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.download(ctx, sum, fetch)
	})
	if err != nil {
		return "", nil, err
	}
	res := v.(downloadResult)
	return res.path, res.cleanup, nil
}

type downloadResult struct {
	path    string
	cleanup func()
}

func (c *Cache) download(ctx context.Context, sum Checksum, fetch Fetcher) (downloadResult, error) {
	dir, finalPath := c.layout(sum)
	if c.disabled {
		dir = os.TempDir()
		finalPath = filepath.Join(dir, fmt.Sprintf("remoting-jar-%s.tmp", sum.String()))
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return downloadResult{}, trace.Wrap(err, "creating jar cache shard %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".jar-download-*")
	if err != nil {
		return downloadResult{}, trace.Wrap(err, "creating temp file in %s", dir)
	}
	tmpPath := tmp.Name()
	removeTemp := func() { _ = os.Remove(tmpPath) }

	if err := fetch(ctx, sum, tmp); err != nil {
		tmp.Close()
		removeTemp()
		return downloadResult{}, trace.Wrap(err, "downloading jar %s", sum)
	}
	if err := tmp.Close(); err != nil {
		removeTemp()
		return downloadResult{}, trace.Wrap(err, "closing downloaded jar %s", sum)
	}

	got, err := sumFile(tmpPath)
	if err != nil {
		removeTemp()
		return downloadResult{}, trace.Wrap(err, "hashing downloaded jar %s", sum)
	}
	if !got.Equal(sum) {
		removeTemp()
		return downloadResult{}, &ErrCorruptedArtifact{Want: sum, Got: got}
	}

	if c.disabled {
		return downloadResult{path: tmpPath, cleanup: removeTemp}, nil
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		removeTemp()
		return downloadResult{}, trace.Wrap(err, "renaming downloaded jar into place")
	}
	c.mu.Lock()
	c.present[sum] = struct{}{}
	c.mu.Unlock()
	return downloadResult{path: finalPath, cleanup: func() {}}, nil
}

func sumFile(path string) (Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return Checksum{}, err
	}
	defer f.Close()
	return wire.SumReader(f)
}
