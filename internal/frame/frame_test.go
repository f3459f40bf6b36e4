// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package frame

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
)

func TestClassic_RoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	w := New(c1, Classic, 0)
	r := New(c2, Classic, 0)

	msgs := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte("A"), 70000),
	}

	errCh := make(chan error, 1)
	go func() {
		for _, m := range msgs {
			if err := w.WriteBlock(m); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for i, want := range msgs {
		got, err := r.ReadBlock()
		if err != nil {
			t.Fatalf("read[%d]: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("read[%d]: got %d bytes want %d", i, len(got), len(want))
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writer: %v", err)
	}
}

func TestChunked_RoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	w := New(c1, Chunked, 16) // force multi-fragment blocks
	r := New(c2, Chunked, 16)

	msgs := [][]byte{
		[]byte("short"),
		bytes.Repeat([]byte("B"), 500),
		{},
	}

	errCh := make(chan error, 1)
	go func() {
		for _, m := range msgs {
			if err := w.WriteBlock(m); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for i, want := range msgs {
		got, err := r.ReadBlock()
		if err != nil {
			t.Fatalf("read[%d]: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("read[%d]: got %q want %q", i, got, want)
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writer: %v", err)
	}
}

func TestClassic_EOFMidBlock_IsStreamCorruption(t *testing.T) {
	var hdr [4]byte
	be.PutUint32(hdr[:], 10)
	r := New(struct {
		io.Reader
		io.Writer
	}{Reader: bytes.NewReader(append(hdr[:], []byte("abc")...))}, Classic, 0)

	_, err := r.ReadBlock()
	if !errors.Is(err, ErrStreamCorruption) {
		t.Fatalf("got %v, want ErrStreamCorruption", err)
	}
}

func TestClassic_CleanEOFBeforeHeader(t *testing.T) {
	r := New(struct {
		io.Reader
		io.Writer
	}{Reader: bytes.NewReader(nil)}, Classic, 0)

	_, err := r.ReadBlock()
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("got %v", err)
	}
}
