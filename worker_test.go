// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package courier

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/courier/lazy"
)

// startTestWorker starts a server and returns a worker connected to
// it.
func startTestWorker(t *testing.T, opts ...WorkerOption) (*Worker, *PrefetchServer) {
	t.Helper()
	s, _ := startTestServer(t)
	w := NewWorker(s.Addr(), opts...)
	t.Cleanup(w.Close)
	return w, s
}

func TestWorkerCall(t *testing.T) {
	w, _ := startTestWorker(t)
	ctx := context.Background()

	v, err := w.Call(ctx, lazy.Func("add", 1, 2)).Result(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	v, err = w.Call(ctx, lazy.Func("echo", "hello")).Result(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, "hello"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Nested objects resolve remotely.
	v, err = w.Call(ctx, lazy.Func("add", lazy.Func("add", 1, 2), 3)).Result(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, 6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := w.Pending(), 0; got != want {
		t.Errorf("got %v pending, want %v", got, want)
	}
}

func TestWorkerCallError(t *testing.T) {
	w, _ := startTestWorker(t)
	ctx := context.Background()

	_, err := w.Call(ctx, lazy.Func("fail")).Result(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	// Wire errors arrive marked remote, with the original error as
	// the cause.
	if !errors.Is(errors.Remote, err) {
		t.Errorf("got %v, want remote error", err)
	}
	cause := errors.Recover(err).Err
	if cause == nil || !errors.Is(errors.Invalid, cause) {
		t.Errorf("got cause %v, want invalid error", cause)
	}

	_, err = w.Call(ctx, lazy.Func("nosuch")).Result(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestWorkerReturnError(t *testing.T) {
	w, _ := startTestWorker(t)
	ctx := context.Background()

	// With errors-as-values the call succeeds and the failure is the
	// result.
	v, err := w.Call(ctx, lazy.Func("fail"), ReturnError()).Result(ctx)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := v.(*errors.Error)
	if !ok {
		t.Fatalf("got %T, want *errors.Error", v)
	}
	if !errors.Is(errors.Remote, e) {
		t.Errorf("got %v, want remote error", e)
	}
	if cause := errors.Recover(e).Err; cause == nil || !errors.Is(errors.Invalid, cause) {
		t.Errorf("got cause %v, want invalid error", cause)
	}
}

func TestWorkerCallTimeout(t *testing.T) {
	w, _ := startTestWorker(t)
	ctx := context.Background()

	w.SetTimeout(50 * time.Millisecond)
	_, err := w.Call(ctx, lazy.Func("sleepms", 2000)).Result(ctx)
	if !errors.Is(errors.Timeout, err) {
		t.Fatalf("got %v, want timeout error", err)
	}
	// The timeout applies per call, not to the worker.
	w.SetTimeout(0)
	if _, err := w.Call(ctx, lazy.Func("add", 1, 1)).Result(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerCapacity(t *testing.T) {
	w, _ := startTestWorker(t, MaxParallelism(2))
	ctx := context.Background()

	if !w.HasCapacity() {
		t.Fatal("fresh worker has no capacity")
	}
	s1 := w.Call(ctx, lazy.Func("sleepms", 200))
	s2 := w.Call(ctx, lazy.Func("sleepms", 200))
	if got, want := w.Pending(), 2; got != want {
		t.Errorf("got %v pending, want %v", got, want)
	}
	if w.HasCapacity() {
		t.Error("worker at capacity still accepts calls")
	}
	if s1.Err() != nil || s2.Err() != nil {
		t.Errorf("pending call already failed: %v, %v", s1.Err(), s2.Err())
	}
	if _, err := s1.Result(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Result(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := w.Pending(), 0; got != want {
		t.Errorf("got %v pending, want %v", got, want)
	}
	if !w.HasCapacity() {
		t.Error("drained worker has no capacity")
	}
}

func TestWorkerRunTask(t *testing.T) {
	w, _ := startTestWorker(t)
	ctx := context.Background()

	parent := NewTask(lazy.Func("add", 1, 2))
	child := parent.Then(lazy.Func("add", lazy.Func("add", 1, 2), 10), true)
	w.RunTask(ctx, child)
	if parent.State == nil {
		t.Fatal("parent not run")
	}
	v, err := parent.State.Result(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	v, err = child.State.Result(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, 13; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWorkerIsAlive(t *testing.T) {
	w, _ := startTestWorker(t)
	ctx := context.Background()

	if !w.IsAlive(ctx) {
		t.Error("running server reported dead")
	}
	if err := w.WaitUntilAlive(ctx, 5*time.Second); err != nil {
		t.Fatal(err)
	}

	dead := NewWorker("http://localhost:1", HeartbeatThreshold(100*time.Millisecond))
	defer dead.Close()
	if dead.IsAlive(ctx) {
		t.Error("unreachable server reported alive")
	}
	if err := dead.WaitUntilAlive(ctx, 200*time.Millisecond); err == nil {
		t.Error("expected error")
	}
}

func TestWorkerStatus(t *testing.T) {
	w, s := startTestWorker(t)
	ctx := context.Background()

	status, err := w.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := status.Addr, s.Addr(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := status.State, "RUNNING"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if status.Maxprocs < 1 {
		t.Errorf("got %v maxprocs", status.Maxprocs)
	}
}

func TestWorkerCache(t *testing.T) {
	w, _ := startTestWorker(t)
	ctx := context.Background()

	o := lazy.Func("add", 40, 2).Cache()
	for i := 0; i < 3; i++ {
		v, err := w.Call(ctx, o).Result(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := v, 42; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	info, err := w.CacheInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := info.Hits, int64(2); got != want {
		t.Errorf("got %v hits, want %v", got, want)
	}
	if err := w.ClearCache(ctx); err != nil {
		t.Fatal(err)
	}
	info, err = w.CacheInfo(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := info.Entries, 0; got != want {
		t.Errorf("got %v entries, want %v", got, want)
	}
}

func TestWorkerGenerator(t *testing.T) {
	w, _ := startTestWorker(t)
	ctx := context.Background()

	// Fetching before init is a usage error.
	_, err := w.NextBatch(ctx, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if cause := errors.Recover(err).Err; cause == nil || !errors.Is(errors.Precondition, cause) {
		t.Errorf("got cause %v, want precondition error", cause)
	}

	if err := w.InitGenerator(ctx, lazy.Func("seq", 7)); err != nil {
		t.Fatal(err)
	}
	var items []interface{}
	var value interface{}
loop:
	for {
		entries, err := w.NextBatch(ctx, 3)
		if err != nil {
			t.Fatal(err)
		}
		for _, entry := range entries {
			switch entry.Tag {
			case StreamItem:
				v, err := lazy.Unmarshal(entry.Item)
				if err != nil {
					t.Fatal(err)
				}
				items = append(items, v)
			case StreamEnd:
				value, err = lazy.Unmarshal(entry.Value)
				if err != nil {
					t.Fatal(err)
				}
				break loop
			case StreamError:
				t.Fatal(entry.Err)
			}
		}
	}
	if got, want := len(items), 7; got != want {
		t.Fatalf("got %v items, want %v", got, want)
	}
	for i, v := range items {
		if got, want := v, i; got != want {
			t.Errorf("item %d: got %v, want %v", i, got, want)
		}
	}
	if got, want := value, 7; got != want {
		t.Errorf("got return value %v, want %v", got, want)
	}
}

func TestWorkerGeneratorNext(t *testing.T) {
	w, _ := startTestWorker(t)
	ctx := context.Background()

	if err := w.InitGenerator(ctx, lazy.Func("seq", 2)); err != nil {
		t.Fatal(err)
	}
	var items []interface{}
	for {
		entry, err := w.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if entry.Tag != StreamItem {
			if got, want := entry.Tag, StreamEnd; got != want {
				t.Fatalf("got %v, want %v", got, want)
			}
			break
		}
		v, err := lazy.Unmarshal(entry.Item)
		if err != nil {
			t.Fatal(err)
		}
		items = append(items, v)
	}
	if got, want := len(items), 2; got != want {
		t.Errorf("got %v items, want %v", got, want)
	}
}

func TestWorkerShutdown(t *testing.T) {
	s, done := startTestServer(t)
	w := NewWorker(s.Addr())
	defer w.Close()
	ctx := context.Background()

	if err := w.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	if got, want := s.State(), Stopped; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
