// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"errors"
	"fmt"
)

// suppressor is implemented by errors that carry a secondary error
// list (this package's own convention; Go has no standard "suppressed
// exceptions" concept the way the JVM does).
type suppressor interface {
	Suppressed() []error
}

// RemoteException is the structured, cycle-safe, host-language-agnostic
// capture of an exception thrown by a user callable. It preserves class
// name, message, stack, and cause/suppressed chains without
// reconstructing a Go error type that the receiving side might not
// have.
type RemoteException struct {
	ClassName  string
	Message    string
	Stack      []string
	Cause      *RemoteException
	Suppressed []*RemoteException
}

func (e *RemoteException) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return e.ClassName
	}
	return e.ClassName + ": " + e.Message
}

// maxCauseDepth bounds the cause chain walked by NewRemoteException;
// it is cycle-safety by construction rather than by cycle detection,
// since Go's error-wrapping chains are singly linked and acyclic in
// practice but a misbehaving Unwrap implementation could still loop.
const maxCauseDepth = 32

// NewRemoteException captures err (already produced, typically via
// trace.Wrap at the throw site) into a RemoteException ready to cross
// the wire. className is the caller-supplied logical class name for
// err since Go has no reflection-visible "exception class".
func NewRemoteException(className string, err error) *RemoteException {
	return newRemoteExceptionDepth(className, err, 0)
}

func newRemoteExceptionDepth(className string, err error, depth int) *RemoteException {
	if err == nil {
		return nil
	}
	re := &RemoteException{
		ClassName: className,
		Message:   err.Error(),
		Stack:     traceFrames(err),
	}
	if depth >= maxCauseDepth {
		return re
	}
	if cause := errors.Unwrap(err); cause != nil {
		re.Cause = newRemoteExceptionDepth(classNameOf(cause), cause, depth+1)
	}
	if agg, ok := err.(suppressor); ok {
		for _, s := range agg.Suppressed() {
			re.Suppressed = append(re.Suppressed, newRemoteExceptionDepth(classNameOf(s), s, depth+1))
		}
	}
	return re
}

func classNameOf(err error) string {
	if named, ok := err.(interface{ ClassName() string }); ok {
		return named.ClassName()
	}
	return fmt.Sprintf("%T", err)
}

// traceFrames renders a stack for err. trace.Wrap-produced errors
// implement fmt.Formatter and print their captured stack under %+v;
// plain errors fall back to their message only.
func traceFrames(err error) []string {
	s := fmt.Sprintf("%+v", err)
	if s == err.Error() {
		return nil
	}
	return []string{s}
}
