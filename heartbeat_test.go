// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package courier

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func TestHeartbeatRegistry(t *testing.T) {
	r := NewHeartbeatRegistry()
	if got, want := r.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	t0 := time.Now()
	r.Register("client1", t0)
	r.Register("client2", t0)
	if got, want := r.Len(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	seen, ok := r.Get("client1")
	if !ok || !seen.Equal(t0) {
		t.Errorf("got %v, %v; want %v", seen, ok, t0)
	}

	// Updates are monotone: an older timestamp is ignored.
	if err := r.Update("client1", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := r.Update("client1", t0.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	seen, _ = r.Get("client1")
	if want := t0.Add(time.Second); !seen.Equal(want) {
		t.Errorf("got %v, want %v", seen, want)
	}

	err := r.Update("unknown", t0)
	if !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want precondition error", err)
	}

	r.Unregister("client2")
	r.Unregister("client2") // no-op
	if got, want := r.Len(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, ok := r.Get("client2"); ok {
		t.Error("client2 still registered")
	}
}

func TestState(t *testing.T) {
	s := newState()
	if s.Err() != nil {
		t.Errorf("got %v, want nil", s.Err())
	}
	select {
	case <-s.Done():
		t.Fatal("unresolved state done")
	default:
	}
	go s.resolve(42, nil)
	v, err := s.Result(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, 42; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Only the first resolution takes effect.
	s.resolve(nil, errors.New("late"))
	if s.Err() != nil {
		t.Errorf("got %v, want nil", s.Err())
	}
}

func TestStateContext(t *testing.T) {
	s := newState()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Result(ctx); err != context.DeadlineExceeded {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestTaskChain(t *testing.T) {
	parent := NewTask(nil)
	child := parent.Then(nil, true)
	if child.Parent != parent {
		t.Error("wrong parent")
	}
	if !child.Blocking {
		t.Error("child not blocking")
	}
	grandchild := child.Then(nil, false)
	if grandchild.Parent != child || grandchild.Blocking {
		t.Error("wrong chain")
	}
}
