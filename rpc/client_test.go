// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
)

// TestClientError verifies that client errors are handled appropriately.
func TestClientError(t *testing.T) {
	srv := NewServer()
	if err := srv.Register("Test", new(TestService)); err != nil {
		t.Fatal(err)
	}
	client, url, shutdown := newTestClient(t, srv)
	defer shutdown()
	// Cause a (client) error by using an int instead of a string argument.
	// This is a bad request that is not a temporary condition (i.e. should
	// not be retried).
	var notAString int
	err := client.Call(context.Background(), url, "Test.Echo", notAString, nil)
	if err == nil {
		t.Error("expected error")
	} else if errors.IsTemporary(err) {
		t.Errorf("error %v is temporary", err)
	}
}

// TestUnreachable verifies that transport failures are reported as
// temporary network errors.
func TestUnreachable(t *testing.T) {
	srv := NewServer()
	if err := srv.Register("Test", new(TestService)); err != nil {
		t.Fatal(err)
	}
	client, _, shutdown := newTestClient(t, srv)
	shutdown()
	err := client.Call(context.Background(), "http://localhost:1", "Test.Echo", "x", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(errors.Net, err) {
		t.Errorf("error %v is not a network error", err)
	}
}
