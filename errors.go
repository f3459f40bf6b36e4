// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import "github.com/duplexio/remoting/internal/wire"

// ErrChannelClosed is returned by any operation attempted after the
// channel has begun or finished tearing down.
type ErrChannelClosed struct {
	Reason string
}

func (e *ErrChannelClosed) Error() string {
	if e.Reason == "" {
		return "remoting: channel closed"
	}
	return "remoting: channel closed: " + e.Reason
}

// ErrRequestAborted reports a call accepted before the channel began
// tearing down, then abandoned mid-flight.
type ErrRequestAborted struct{ Reason string }

func (e *ErrRequestAborted) Error() string {
	return "remoting: request aborted: " + e.Reason
}

// ErrCancelled reports a request the caller cancelled.
type ErrCancelled struct{ ID int64 }

func (e *ErrCancelled) Error() string { return "remoting: request cancelled" }

// ErrTimeout reports a local deadline that elapsed before a Response
// arrived.
type ErrTimeout struct{ ID int64 }

func (e *ErrTimeout) Error() string { return "remoting: request timed out" }

// ErrClassFiltered reports a safelist rejection. It aliases the wire
// codec's type: the codec is where denial happens, and the alias keeps
// one concrete type for callers to match wherever the error surfaces.
type ErrClassFiltered = wire.ErrClassFiltered

// RemoteError wraps a *wire.RemoteException surfaced from a failed
// remote call.
type RemoteError struct {
	*wire.RemoteException
}

func remoteErrorOf(re *wire.RemoteException) error {
	if re == nil {
		return nil
	}
	return &RemoteError{re}
}

// captureException builds the RemoteException for an outbound error
// response. Without the mimic-exception capability negotiated, only
// the flat class name and message cross the wire; the structured
// stack/cause/suppressed capture rides only when both sides support
// it.
func (c *Channel) captureException(className string, err error) *wire.RemoteException {
	re := wire.NewRemoteException(className, err)
	if re != nil && !c.caps.Mask.Has(wire.CapMimicException) {
		re.Stack, re.Cause, re.Suppressed = nil, nil, nil
	}
	return re
}
