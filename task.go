// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package courier

import (
	"context"
	"sync"

	"github.com/grailbio/courier/lazy"
)

// A State is the future result of a call submitted to a worker. It is
// resolved exactly once, to a value or to an error.
type State struct {
	donec chan struct{}

	mu    sync.Mutex
	done  bool
	value interface{}
	err   error
}

func newState() *State {
	return &State{donec: make(chan struct{})}
}

func (s *State) resolve(value interface{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.value, s.err = value, err
	close(s.donec)
}

// Done returns a channel that is closed when the state has resolved.
func (s *State) Done() <-chan struct{} {
	return s.donec
}

// Result returns the state's value, blocking until the state has
// resolved or the context is done.
func (s *State) Result(ctx context.Context) (interface{}, error) {
	select {
	case <-s.donec:
		return s.value, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the state's error without blocking. It is nil while the
// state is unresolved.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// A Task is a unit of work for a worker: a lazy object together with
// submission policy. Tasks form a forest through parent links; a
// child's execution is ordered after its parent's, and a blocking
// child does not start until the parent's state has resolved.
type Task struct {
	// Object is the deferred computation this task executes.
	Object *lazy.Object
	// Blocking orders this task strictly after its parent's result.
	Blocking bool
	// Parent is the task this task is chained to, if any.
	Parent *Task
	// State is the task's resolved future; nil until the task is run.
	State *State
}

// NewTask returns a task executing the provided object.
func NewTask(o *lazy.Object) *Task {
	return &Task{Object: o}
}

// Then returns a new task chained to t. If blocking is true, the new
// task will not run until t's result is available.
func (t *Task) Then(o *lazy.Object, blocking bool) *Task {
	return &Task{Object: o, Blocking: blocking, Parent: t}
}
