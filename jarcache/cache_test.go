// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package jarcache

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/duplexio/remoting/internal/wire"
)

func mustCache(t *testing.T, touch bool) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Options{Root: dir, Touch: touch})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func fetcherFor(payload []byte) Fetcher {
	return func(ctx context.Context, c Checksum, dst io.Writer) error {
		_, err := dst.Write(payload)
		return err
	}
}

func TestCache_ResolveThenHas(t *testing.T) {
	payload := []byte("hello jar")
	sum := wire.SumBytes(payload)
	c := mustCache(t, false)

	if c.Has(sum) {
		t.Fatal("should not be present before resolve")
	}

	path, cleanup, err := c.Resolve(context.Background(), sum, fetcherFor(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
	if !c.Has(sum) {
		t.Fatal("expected present after resolve")
	}
}

func TestCache_ConcurrentResolveSingleFlights(t *testing.T) {
	payload := []byte("shared jar bytes")
	sum := wire.SumBytes(payload)
	c := mustCache(t, false)

	var calls int32
	fetch := func(ctx context.Context, cs Checksum, dst io.Writer) error {
		atomic.AddInt32(&calls, 1)
		_, err := dst.Write(payload)
		return err
	}

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, cleanup, err := c.Resolve(context.Background(), sum, fetch)
			if err != nil {
				t.Error(err)
				return
			}
			defer cleanup()
			paths[i] = p
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("fetch called %d times, want 1", calls)
	}
	for _, p := range paths {
		if p != paths[0] {
			t.Fatalf("got divergent paths %q vs %q", p, paths[0])
		}
	}
}

func TestCache_CorruptedArtifactRejected(t *testing.T) {
	real := []byte("the real bytes")
	sum := wire.SumBytes(real)
	c := mustCache(t, false)

	_, _, err := c.Resolve(context.Background(), sum, fetcherFor([]byte("tampered bytes")))
	if err == nil {
		t.Fatal("expected corrupted artifact error")
	}
	if _, ok := err.(*ErrCorruptedArtifact); !ok {
		t.Fatalf("got %T, want *ErrCorruptedArtifact", err)
	}
	if c.Has(sum) {
		t.Fatal("a failed download must not be recorded as present")
	}
}

func TestCache_RetryAfterFailureSucceeds(t *testing.T) {
	real := []byte("second attempt works")
	sum := wire.SumBytes(real)
	c := mustCache(t, false)

	_, _, err := c.Resolve(context.Background(), sum, fetcherFor([]byte("garbage")))
	if err == nil {
		t.Fatal("expected first attempt to fail")
	}

	// singleflight clears the in-flight key once Do returns, so a later
	// attempt starts a fresh download rather than replaying the error.
	path, cleanup, err := c.Resolve(context.Background(), sum, fetcherFor(real))
	if err != nil {
		t.Fatalf("retry after failure should succeed, got %v", err)
	}
	defer cleanup()
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, real) {
		t.Fatalf("got %q", got)
	}
}

func TestCache_DisabledAlwaysReportsAbsentAndCleansUp(t *testing.T) {
	payload := []byte("never cached")
	sum := wire.SumBytes(payload)
	c, err := New(Options{Disabled: true})
	if err != nil {
		t.Fatal(err)
	}

	if c.Has(sum) {
		t.Fatal("disabled cache must never report present")
	}

	path, cleanup, err := c.Resolve(context.Background(), sum, fetcherFor(payload))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected temp file to exist before cleanup: %v", err)
	}
	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected temp file removed after cleanup")
	}
	if c.Has(sum) {
		t.Fatal("disabled cache must still report absent after resolve")
	}
}

func TestCache_KnownListsResolvedEntries(t *testing.T) {
	payload := []byte("known jar")
	sum := wire.SumBytes(payload)
	c := mustCache(t, false)

	if len(c.Known()) != 0 {
		t.Fatal("fresh cache should know nothing")
	}
	if _, _, err := c.Resolve(context.Background(), sum, fetcherFor(payload)); err != nil {
		t.Fatal(err)
	}
	known := c.Known()
	if len(known) != 1 || !known[0].Equal(sum) {
		t.Fatalf("got %v, want [%v]", known, sum)
	}
}

func TestCache_ScanSeedsPresenceFromWarmDirectory(t *testing.T) {
	payload := []byte("survives restarts")
	sum := wire.SumBytes(payload)
	dir := t.TempDir()

	first, err := New(Options{Root: dir})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := first.Resolve(context.Background(), sum, fetcherFor(payload)); err != nil {
		t.Fatal(err)
	}

	// a second cache over the same directory models a process restart
	second, err := New(Options{Root: dir})
	if err != nil {
		t.Fatal(err)
	}
	known := second.Known()
	if len(known) != 1 || !known[0].Equal(sum) {
		t.Fatalf("got %v, want [%v]", known, sum)
	}
	if !second.Has(sum) {
		t.Fatal("expected scanned entry to be present")
	}
}
