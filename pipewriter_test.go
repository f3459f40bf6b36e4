// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPipeWriterExecRunsTasksInSubmissionOrder(t *testing.T) {
	p := newPipeWriterExec()
	p.start()
	defer p.Close()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		last := i == 2
		p.Submit(func() {
			order = append(order, i)
			if last {
				close(done)
			}
		})
	}
	<-done
	for i, got := range order {
		if got != i {
			t.Fatalf("task %d ran at position %d", got, i)
		}
	}
}

func TestPipeWriterExecWaitForBlocksUntilTaskExecuted(t *testing.T) {
	p := newPipeWriterExec()
	release := make(chan struct{})
	var ran atomic.Bool
	id := p.Submit(func() {
		<-release
		ran.Store(true)
	})

	// the executor is not started yet, so WaitFor must park
	waited := make(chan struct{})
	go func() {
		p.WaitFor(id)
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("WaitFor returned before the task executed")
	case <-time.After(30 * time.Millisecond):
	}

	p.start()
	close(release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("WaitFor never woke after the task executed")
	}
	if !ran.Load() {
		t.Fatal("task did not run")
	}
	p.Close()
}

func TestPipeWriterExecWaitForCompletedIDReturnsImmediately(t *testing.T) {
	p := newPipeWriterExec()
	p.start()
	defer p.Close()

	done := make(chan struct{})
	id := p.Submit(func() { close(done) })
	<-done

	finished := make(chan struct{})
	go func() {
		p.WaitFor(id)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("WaitFor on an already-completed id should not block")
	}
}

func TestPipeWriterExecWaitForZeroIsNoop(t *testing.T) {
	p := newPipeWriterExec()
	p.start()
	defer p.Close()
	p.WaitFor(0)
	p.WaitFor(-1)
}

func TestPipeWriterExecCloseWakesStrandedWaiters(t *testing.T) {
	p := newPipeWriterExec()
	p.start()

	waited := make(chan struct{})
	go func() {
		p.WaitFor(99) // never submitted
		close(waited)
	}()
	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Close did not wake a stranded WaitFor")
	}
}
