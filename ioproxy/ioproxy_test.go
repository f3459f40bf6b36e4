// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ioproxy

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// linkedSender wires a RemoteWriter's Sender calls directly into a
// WriterSink, and a RemoteInput's calls into an InputSink, modeling
// two peers without any real transport.
type linkedSender struct {
	mu   sync.Mutex
	sink *WriterSink

	inputSink *InputSink

	pipes *Registry
}

func (l *linkedSender) SendChunk(ctx context.Context, oid int64, data []byte) error {
	return l.sink.HandleChunk(ctx, data)
}

func (l *linkedSender) SendWindow(ctx context.Context, oid int64, consumed int64) error {
	// delivered back to the originating RemoteWriter out of band in tests
	return nil
}

func (l *linkedSender) SendEOF(ctx context.Context, oid int64, errText string) error {
	return l.sink.HandleEOF(errText)
}

func (l *linkedSender) SendReadRequest(ctx context.Context, oid int64, maxLen int32) ([]byte, bool, error) {
	return l.inputSink.HandleReadRequest(maxLen)
}

func (l *linkedSender) SendPipeConnect(ctx context.Context, readerOID, writerOID int64) error {
	l.pipes.HandleConnect(readerOID, writerOID)
	return nil
}

func TestRemoteWriter_WritesReachSinkDestination(t *testing.T) {
	var dst bytes.Buffer
	sender := &linkedSender{}
	sink := NewWriterSink(sender, 1, &dst, 1<<20)
	sender.sink = sink

	w := NewRemoteWriter(sender, 1, WriterOptions{WindowSize: 1 << 20, ChunkSize: 4})
	if _, err := w.Write([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	if dst.String() != "hello world" {
		t.Fatalf("got %q", dst.String())
	}
}

func TestRemoteWriter_BlocksWithoutWindowCreditThenUnblocksOnRefill(t *testing.T) {
	var dst bytes.Buffer
	sender := &linkedSender{}
	sink := NewWriterSink(sender, 1, &dst, 1<<20)
	sender.sink = sink

	w := NewRemoteWriter(sender, 1, WriterOptions{WindowSize: 4, ChunkSize: 4})
	if _, err := w.Write([]byte("abcd")); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		w.Write([]byte("efgh"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected write to block until window credit is refilled")
	case <-time.After(30 * time.Millisecond):
	}

	w.Refill(4)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write did not unblock after refill")
	}
	if dst.String() != "abcdefgh" {
		t.Fatalf("got %q", dst.String())
	}
}

func TestRemoteWriter_NoWindowNeverBlocks(t *testing.T) {
	var dst bytes.Buffer
	sender := &linkedSender{}
	sink := NewWriterSink(sender, 1, &dst, -1)
	sender.sink = sink

	// a 4-byte window would park this write after the first chunk;
	// without negotiated throttling the whole payload flows through
	w := NewRemoteWriter(sender, 1, WriterOptions{WindowSize: 4, ChunkSize: 4, NoWindow: true})
	payload := bytes.Repeat([]byte("x"), 64)
	if _, err := w.Write(payload); err != nil {
		t.Fatal(err)
	}
	if dst.Len() != len(payload) {
		t.Fatalf("sink received %d bytes, want %d", dst.Len(), len(payload))
	}
	w.Refill(4) // ignored, must not panic on the nil semaphore
}

func TestRemoteWriter_CloseSendsEOFAndClosesSink(t *testing.T) {
	dst := &closeTrackingWriter{}
	sender := &linkedSender{}
	sink := NewWriterSink(sender, 1, dst, 1<<20)
	sender.sink = sink

	w := NewRemoteWriter(sender, 1, WriterOptions{})
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if !dst.closed {
		t.Fatal("expected sink destination closed on StreamEOF")
	}

	if _, err := w.Write([]byte("x")); err == nil {
		t.Fatal("expected write after close to fail")
	}
}

type closeTrackingWriter struct {
	bytes.Buffer
	closed bool
}

func (c *closeTrackingWriter) Close() error {
	c.closed = true
	return nil
}

func TestRemoteWriter_CloseWithErrorSurfacesOnSink(t *testing.T) {
	var dst bytes.Buffer
	sender := &linkedSender{}
	sink := NewWriterSink(sender, 1, &dst, 1<<20)
	sender.sink = sink

	w := NewRemoteWriter(sender, 1, WriterOptions{})
	cause := io.ErrClosedPipe
	if err := w.CloseWithError(context.Background(), cause); err != nil {
		t.Fatal(err)
	}
	if sink.Err() == nil || sink.Err().Error() != cause.Error() {
		t.Fatalf("got %v", sink.Err())
	}
}

func TestRemoteInput_ReadsUntilEOF(t *testing.T) {
	src := bytes.NewReader([]byte("remote input bytes"))
	sender := &linkedSender{inputSink: NewInputSink(1, src)}

	r := NewRemoteInput(sender, 1, ReaderOptions{MaxLen: 5})
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "remote input bytes" {
		t.Fatalf("got %q", got)
	}
}

func TestPipeRegistry_ConnectBeforeAwait(t *testing.T) {
	reg := NewRegistry()
	reg.HandleConnect(10, 20)

	got, err := reg.AwaitCounterpart(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if got != 20 {
		t.Fatalf("got %d, want 20", got)
	}
}

func TestPipeRegistry_AwaitBeforeConnect(t *testing.T) {
	reg := NewRegistry()
	done := make(chan int64, 1)
	go func() {
		got, err := reg.AwaitCounterpart(context.Background(), 10)
		if err != nil {
			t.Error(err)
			return
		}
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	reg.HandleConnect(10, 20)

	select {
	case got := <-done:
		if got != 20 {
			t.Fatalf("got %d, want 20", got)
		}
	case <-time.After(time.Second):
		t.Fatal("await never resolved")
	}
}

func TestPipeRegistry_AwaitTimesOutOnCanceledContext(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := reg.AwaitCounterpart(ctx, 99); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestNewLocalPipe_RoundTrips(t *testing.T) {
	p := NewLocalPipe()
	go func() {
		p.LocalWrite.Write([]byte("piped"))
		p.LocalWrite.Close()
	}()
	got, err := io.ReadAll(p.LocalRead)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "piped" {
		t.Fatalf("got %q", got)
	}
}
