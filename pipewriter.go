// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import "sync"

// pipeWriterExec is the dedicated single-threaded executor for
// stream-related side effects (flushing inbound StreamChunk bytes to a
// local sink, linking a Pipe's two halves on PipeConnect). It runs
// them one at a time, in submission order, so that they complete in
// the same order the commands that triggered them arrived.
//
// Every submission is assigned a monotonically increasing id. A
// request's LastIoIDAt / Response's LastIoID records the highest id
// submitted at send time; the dispatch loop waits for that id to
// finish executing here before resolving the matching local future,
// which is what guarantees that data written through a pipe before a
// call returns is visible by the time the caller sees the return
// value, even though submission and execution are decoupled across
// goroutines.
type pipeWriterExec struct {
	tasks chan func()

	mu        sync.Mutex
	submitted int64
	completed int64
	waiters   map[int64][]chan struct{}
	closed    bool

	quit chan struct{}
	done chan struct{}
}

func newPipeWriterExec() *pipeWriterExec {
	return &pipeWriterExec{
		tasks:   make(chan func(), 256),
		waiters: map[int64][]chan struct{}{},
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (p *pipeWriterExec) start() {
	go p.run()
}

func (p *pipeWriterExec) run() {
	defer close(p.done)
	for {
		select {
		case fn := <-p.tasks:
			fn()
			p.advance()
		case <-p.quit:
			// drain tasks already queued, then stop
			for {
				select {
				case fn := <-p.tasks:
					fn()
					p.advance()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues fn to run on the pipe-writer goroutine and returns
// its task id immediately; it does not wait for fn to execute. After
// Close the task is dropped and id 0 is returned.
func (p *pipeWriterExec) Submit(fn func()) int64 {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	p.submitted++
	id := p.submitted
	p.mu.Unlock()
	select {
	case p.tasks <- fn:
	case <-p.quit:
		// teardown raced the submission; the task is dropped along
		// with any waiter still expecting its id, which advance's
		// catch-up wake on the next completed task would satisfy.
	}
	return id
}

func (p *pipeWriterExec) advance() {
	p.mu.Lock()
	p.completed++
	n := p.completed
	waiters := p.waiters[n]
	delete(p.waiters, n)
	// Earlier ids than n are necessarily also satisfied now; wake any
	// waiter still registered under a stale key (can only happen if a
	// WaitFor call raced the advance that satisfied it).
	for id, chans := range p.waiters {
		if id > n {
			continue
		}
		waiters = append(waiters, chans...)
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// WaitFor blocks until every task up to and including id has executed.
// id <= 0 (no ordering constraint recorded) returns immediately.
func (p *pipeWriterExec) WaitFor(id int64) {
	if id <= 0 {
		return
	}
	p.mu.Lock()
	if p.completed >= id || p.closed {
		p.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	p.waiters[id] = append(p.waiters[id], ch)
	p.mu.Unlock()
	<-ch
}

// Close stops accepting new submissions, waits for the goroutine to
// drain already-submitted tasks, and wakes every WaitFor caller still
// parked on an id that will now never execute.
func (p *pipeWriterExec) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.quit)
	<-p.done

	p.mu.Lock()
	var stranded []chan struct{}
	for id, chans := range p.waiters {
		stranded = append(stranded, chans...)
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	for _, ch := range stranded {
		close(ch)
	}
}
