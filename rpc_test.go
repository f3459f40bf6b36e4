// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package remoting_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"

	"github.com/duplexio/remoting"
	"github.com/duplexio/remoting/classload"
)

// calculator is a minimal exported object: a dispatcher from method
// name to behavior, the shape every export takes.
type calculator struct{}

func (calculator) Invoke(ctx context.Context, method string, args []any) (any, error) {
	switch method {
	case "Add":
		return args[0].(int) + args[1].(int), nil
	case "Fail":
		return nil, trace.BadParameter("arithmetic overflow")
	default:
		return nil, trace.NotFound("no such method %s", method)
	}
}

func TestImportProxyInvokesExportedObject(t *testing.T) {
	t.Parallel()
	client, server := openPair(t)

	handle := server.Export(calculator{}, []string{"Calculator"})
	proxy, err := client.Import(handle, false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := proxy.Call(ctx, "Add", []any{40, 2}, false)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != 42 {
		t.Fatalf("got %v, want 42", result)
	}
}

func TestImportProxySurfacesRemoteError(t *testing.T) {
	t.Parallel()
	client, server := openPair(t)

	handle := server.Export(calculator{}, []string{"Calculator"})
	proxy, err := client.Import(handle, false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = proxy.Call(ctx, "Fail", nil, false)
	re, ok := err.(*remoting.RemoteError)
	if !ok {
		t.Fatalf("got err %v (%T), want *RemoteError", err, err)
	}
	if re.ClassName == "" {
		t.Fatal("expected the remote exception to carry a class name")
	}
}

func TestImportProxyCallToUnknownOIDFails(t *testing.T) {
	t.Parallel()
	client, _ := openPair(t)

	proxy, err := client.Import(remoting.ExportHandle{OID: 9999}, false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := proxy.Call(ctx, "Anything", nil, false); err == nil {
		t.Fatal("expected an error invoking a never-exported oid")
	}
}

func TestImportRejectsConflictingLoaderInterfaceSet(t *testing.T) {
	t.Parallel()
	client, _ := openPair(t)

	_, err := client.Import(remoting.ExportHandle{
		OID:          1,
		InterfaceSet: []string{"acme.secretSink@loaderA", "acme.hiddenSource@loaderB"},
	}, false)
	if _, ok := err.(*classload.ErrIncompatibleClassLoader); !ok {
		t.Fatalf("got err %v (%T), want *ErrIncompatibleClassLoader", err, err)
	}

	// public interfaces resolve anywhere, so mixed loaders among them
	// are fine as long as the non-public ones agree
	_, err = client.Import(remoting.ExportHandle{
		OID:          2,
		InterfaceSet: []string{"acme.Sink@loaderA", "acme.hiddenSource@loaderB", "acme.hiddenSink@loaderB"},
	}, false)
	if err != nil {
		t.Fatalf("Import with consistent non-public loaders: %v", err)
	}
}

// handleCallable returns a pre-arranged export handle from the side it
// executes on, so each response re-serializes the handle outbound.
// Both test peers share this process, hence the package-level slot.
var (
	sharedHandleMu sync.Mutex
	sharedHandle   remoting.ExportHandle
)

type handleCallable struct{}

func (handleCallable) Invoke(ctx context.Context) (any, error) {
	sharedHandleMu.Lock()
	defer sharedHandleMu.Unlock()
	return sharedHandle, nil
}

func TestReserializedHandleNeedsMatchingReleases(t *testing.T) {
	client, server := openPair(t)
	for _, ch := range []*remoting.Channel{client, server} {
		ch.RegisterType("getHandle", handleCallable{})
		ch.RegisterType("handle", remoting.ExportHandle{})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handle := server.Export(calculator{}, []string{"Calculator"})
	sharedHandleMu.Lock()
	sharedHandle = handle
	sharedHandleMu.Unlock()

	// fetch the handle twice: each Response serializes it outbound on
	// the server, so its reference count reaches two
	var got remoting.ExportHandle
	for i := 0; i < 2; i++ {
		v, err := client.Call(ctx, handleCallable{}, 0)
		if err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
		got = v.(remoting.ExportHandle)
	}

	first, err := client.Import(got, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.ReleaseImport(first); err != nil {
		t.Fatal(err)
	}

	// one of two references released: the export must stay invocable
	second, err := client.Import(got, false)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := second.Call(ctx, "Add", []any{1, 1}, false); err != nil {
			t.Fatalf("call after first of two releases failed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := client.ReleaseImport(second); err != nil {
		t.Fatal(err)
	}

	// both references gone: calls must start failing once the final
	// Release is processed
	third, err := client.Import(got, false)
	if err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for {
		if _, err := third.Call(ctx, "Add", []any{1, 1}, false); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("export still invocable after both releases")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReleasedImportRejectsFurtherCalls(t *testing.T) {
	t.Parallel()
	client, server := openPair(t)

	handle := server.Export(calculator{}, []string{"Calculator"})
	proxy, err := client.Import(handle, false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if err := client.ReleaseImport(proxy); err != nil {
		t.Fatalf("ReleaseImport: %v", err)
	}
	if _, err := proxy.Call(context.Background(), "Add", []any{1, 2}, false); err == nil {
		t.Fatal("expected calls on a released proxy to fail")
	}
}
