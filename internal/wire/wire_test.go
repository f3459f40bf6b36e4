// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"context"
	"reflect"
	"testing"
)

func TestCapability_ExchangeIsCommutative(t *testing.T) {
	a := Capabilities{Mask: CapMultiClassLoader | CapChunkedFraming | CapPipeWindow, DigestID: 0}
	b := Capabilities{Mask: CapMultiClassLoader | CapClassPrefetch, DigestID: 0}

	ab := Effective(a, b)
	ba := Effective(b, a)
	if ab.Mask != ba.Mask {
		t.Fatalf("capability exchange not commutative: %v vs %v", ab.Mask, ba.Mask)
	}
	if ab.Mask != CapMultiClassLoader {
		t.Fatalf("got %v, want only CapMultiClassLoader", ab.Mask)
	}
}

func TestCapability_PreambleRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Capabilities{Mask: CapChunkedFraming | CapClassPrefetch, DigestID: DigestSHA256Truncated128}
	if err := WritePreamble(&buf, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadPreamble(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestCapability_BadPreambleRejected(t *testing.T) {
	_, err := ReadPreamble(bytes.NewReader(bytes.Repeat([]byte("x"), 64)))
	if err == nil {
		t.Fatal("expected error for bad preamble")
	}
}

func TestCodec_CommandRoundTrip(t *testing.T) {
	c := NewCodec()
	ctx := WithChannel(context.Background(), "test-channel")

	cmd := &UserRequest{ID: 7, Async: false}
	block, err := c.Encode(ctx, cmd)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Decode(ctx, block)
	if err != nil {
		t.Fatal(err)
	}
	ur, ok := got.(*UserRequest)
	if !ok || ur.ID != 7 {
		t.Fatalf("got %#v", got)
	}
}

type payloadThing struct {
	N int
	S string
}

func TestCodec_PayloadRoundTrip(t *testing.T) {
	c := NewCodec()
	c.Payloads.Register("test.payloadThing", payloadThing{})

	p, err := c.EncodePayload(payloadThing{N: 42, S: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	v, err := c.DecodePayload(p)
	if err != nil {
		t.Fatal(err)
	}
	got := v.(payloadThing)
	if got.N != 42 || got.S != "hi" {
		t.Fatalf("got %+v", got)
	}
}

func TestCodec_PrimitivePayloadsNeedNoRegistration(t *testing.T) {
	c := NewCodec()
	for _, want := range []any{"hello", 42, int64(7), true, 3.5, []byte("raw")} {
		p, err := c.EncodePayload(want)
		if err != nil {
			t.Fatalf("encode %T: %v", want, err)
		}
		got, err := c.DecodePayload(p)
		if err != nil {
			t.Fatalf("decode %T: %v", want, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip %T: got %v, want %v", want, got, want)
		}
	}
}

func TestCodec_NilPayloadRoundTripsToNil(t *testing.T) {
	c := NewCodec()
	p, err := c.EncodePayload(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsZero() {
		t.Fatalf("nil should encode as the zero Payload, got %+v", p)
	}
	got, err := c.DecodePayload(p)
	if err != nil || got != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", got, err)
	}
}

func TestCodec_UnknownPayloadType(t *testing.T) {
	c := NewCodec()
	_, err := c.DecodePayload(Payload{TypeName: "never.Registered", Data: []byte{1}})
	if _, ok := err.(*ErrUnknownType); !ok {
		t.Fatalf("got %v, want ErrUnknownType", err)
	}
}

func TestCodec_SafelistDeniesKnownBadType(t *testing.T) {
	c := NewCodec()
	// the safelist is consulted before the registry, so the denied
	// name never needs to resolve to a registered type
	_, err := c.DecodePayload(Payload{TypeName: "plugin.Evil", Data: []byte{}})
	if _, ok := err.(*ErrClassFiltered); !ok {
		t.Fatalf("got err %v (%T), want *ErrClassFiltered", err, err)
	}
}

type loaderAThing struct{ N int }

func TestCodec_MultiLoaderPayloadsCarryTheirLoaderTag(t *testing.T) {
	c := NewCodec()
	c.MultiLoader = true
	c.RegistryFor("import-7").Register("acme.Thing", loaderAThing{})

	p, err := c.EncodePayload(loaderAThing{N: 9})
	if err != nil {
		t.Fatal(err)
	}
	if p.Loader != "import-7" {
		t.Fatalf("got loader %q, want %q", p.Loader, "import-7")
	}

	v, err := c.DecodePayload(p)
	if err != nil {
		t.Fatal(err)
	}
	if got := v.(loaderAThing); got.N != 9 {
		t.Fatalf("got %+v", got)
	}

	// the same name in a different loader is a different namespace
	_, err = c.DecodePayload(Payload{TypeName: "acme.Thing", Loader: "import-8", Data: p.Data})
	if _, ok := err.(*ErrUnknownType); !ok {
		t.Fatalf("got %v (%T), want *ErrUnknownType", err, err)
	}
}

func TestCodec_LoaderTagRejectedWithoutMultiLoader(t *testing.T) {
	c := NewCodec()
	_, err := c.DecodePayload(Payload{TypeName: "acme.Thing", Loader: "import-7", Data: []byte{1}})
	unknown, ok := err.(*ErrUnknownType)
	if !ok {
		t.Fatalf("got %v (%T), want *ErrUnknownType", err, err)
	}
	if unknown.Loader != "import-7" {
		t.Fatalf("error should carry the loader tag, got %q", unknown.Loader)
	}
}

func TestRemoteException_CapturesCauseChain(t *testing.T) {
	cause := &testNamedErr{name: "java.io.IOException", msg: "disk full"}
	wrapped := &testWrapErr{cause: cause, msg: "upload failed"}

	re := NewRemoteException("java.lang.RuntimeException", wrapped)
	if re.ClassName != "java.lang.RuntimeException" {
		t.Fatalf("got %s", re.ClassName)
	}
	if re.Cause == nil || re.Cause.ClassName != "java.io.IOException" {
		t.Fatalf("got cause %+v", re.Cause)
	}
}

type testNamedErr struct {
	name string
	msg  string
}

func (e *testNamedErr) Error() string     { return e.msg }
func (e *testNamedErr) ClassName() string { return e.name }

type testWrapErr struct {
	cause error
	msg   string
}

func (e *testWrapErr) Error() string { return e.msg }
func (e *testWrapErr) Unwrap() error { return e.cause }
