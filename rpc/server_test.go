// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/grailbio/base/errors"
)

const testPrefix = "/"

type TestService struct{}

func (s *TestService) Echo(ctx context.Context, arg string, reply *string) error {
	*reply = arg
	return nil
}

func (s *TestService) Error(ctx context.Context, message string, reply *string) error {
	return errors.E(message)
}

func (s *TestService) ErrorError(ctx context.Context, err *errors.Error, reply *string) error {
	return err
}

func newTestClient(t *testing.T, srv *Server) (*Client, string, func()) {
	t.Helper()
	httpsrv := httptest.NewServer(srv)
	client, err := NewClient(func() *http.Client { return httpsrv.Client() }, testPrefix)
	if err != nil {
		httpsrv.Close()
		t.Fatal(err)
	}
	return client, httpsrv.URL, httpsrv.Close
}

func TestServer(t *testing.T) {
	srv := NewServer()
	if err := srv.Register("Test", new(TestService)); err != nil {
		t.Fatal(err)
	}
	client, url, shutdown := newTestClient(t, srv)
	defer shutdown()
	ctx := context.Background()

	var reply string
	if err := client.Call(ctx, url, "Test.Echo", "hello world", &reply); err != nil {
		t.Fatal(err)
	}
	if got, want := reply, "hello world"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	err := client.Call(ctx, url, "Test.Error", "the error message", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(errors.Remote, err) {
		t.Errorf("expected remote error")
	}
	cause := errors.Recover(err).Err
	if cause == nil {
		t.Fatalf("expected remote error to have a cause")
	}
	if got, want := cause.Error(), "the error message"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Just test that nil replies just discard the result.
	if err := client.Call(ctx, url, "Test.Echo", "hello world", nil); err != nil {
		t.Error(err)
	}
	_, err = os.Open("/dev/notexist")
	e := errors.E(errors.Precondition, "xyz", err)
	err = client.Call(ctx, url, "Test.ErrorError", e, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(errors.Remote, err) {
		t.Errorf("expected remote error")
	}
	if !errors.Match(e, errors.Recover(err).Err) {
		t.Errorf("error %v does not match expected error %v", err, e)
	}
}

func TestNoSuchMethod(t *testing.T) {
	srv := NewServer()
	if err := srv.Register("Test", new(TestService)); err != nil {
		t.Fatal(err)
	}
	client, url, shutdown := newTestClient(t, srv)
	defer shutdown()
	err := client.Call(context.Background(), url, "Test.Nonexistent", "x", nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRegisterEmpty(t *testing.T) {
	srv := NewServer()
	if err := srv.Register("Empty", new(struct{ X int })); err == nil {
		t.Error("expected error registering service with no methods")
	}
}
