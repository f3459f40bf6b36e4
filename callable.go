// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting

import "context"

// Callable is a unit of user work submitted across a Channel. Go has
// no serializable closures, so a value crossing the wire as a Callable
// must be a concrete type registered with RegisterType on both peers;
// Channel.Call accepts any value implementing this interface.
type Callable interface {
	Invoke(ctx context.Context) (any, error)
}

// CallableFunc adapts a plain function to Callable, for local
// submission and for decorator-wrapped inbound execution. It is not
// itself meant to cross the wire (functions are not gob-encodable);
// application Callables are concrete registered structs.
type CallableFunc func(ctx context.Context) (any, error)

// Invoke calls f.
func (f CallableFunc) Invoke(ctx context.Context) (any, error) { return f(ctx) }

// Decorator wraps the execution of a Callable. Outbound runs on the
// calling side against the original, not-yet-serialized callable and
// may derive a new context
// (e.g. to attach tracing fields consumed by Inbound on the far side
// out-of-band, such as a request id already present in ctx). Inbound
// wraps execution on the side that runs the call, for setup/teardown
// around it.
type Decorator interface {
	Outbound(ctx context.Context, callable Callable) context.Context
	Inbound(next Callable) Callable
}

// applyOutbound threads ctx through every decorator's Outbound hook in
// order.
func applyOutbound(ctx context.Context, callable Callable, decorators []Decorator) context.Context {
	for _, d := range decorators {
		ctx = d.Outbound(ctx, callable)
	}
	return ctx
}

// applyInbound wraps callable with every decorator's Inbound hook,
// innermost-first, so the first decorator in the list is the
// outermost wrapper and runs its setup/teardown around all the others.
func applyInbound(callable Callable, decorators []Decorator) Callable {
	for i := len(decorators) - 1; i >= 0; i-- {
		callable = decorators[i].Inbound(callable)
	}
	return callable
}
