// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iterq

import (
	"context"
	"sync/atomic"
)

// A Pipe runs a transform between an input queue and an output queue
// on a background goroutine. Pipes come in three shapes: a source has
// no input queue (the transform is itself the stream's source), a
// sink has no output queue (the transform consumes without
// producing), and a full pipe has both. Stalled enqueues or dequeues
// fail with the queues' configured timeout; the failure resolves the
// pipe's state.
type Pipe[I, O any] struct {
	// In is the pipe's input queue; nil for sources.
	In *Queue[I]
	// Out is the pipe's output queue; nil for sinks.
	Out *Queue[O]

	run       func() error
	processed int64
	done      chan struct{}
	err       error
}

// NewPipe returns a pipe running transform between freshly created
// input and output queues of the provided size.
func NewPipe[I, O any](transform func(Next[I]) Next[O], qsize int, opts ...Option) *Pipe[I, O] {
	p := &Pipe[I, O]{
		In:   NewQueue[I](qsize, opts...),
		Out:  NewQueue[O](qsize, opts...),
		done: make(chan struct{}),
	}
	p.run = func() error {
		return p.Out.EnqueueFrom(p.count(transform(p.In.Dequeue)))
	}
	return p
}

// NewSource returns a source-shaped pipe feeding items from src into
// a fresh output queue.
func NewSource[O any](src Next[O], qsize int, opts ...Option) *Pipe[struct{}, O] {
	p := &Pipe[struct{}, O]{
		Out:  NewQueue[O](qsize, opts...),
		done: make(chan struct{}),
	}
	p.run = func() error {
		return p.Out.EnqueueFrom(p.count(src))
	}
	return p
}

// NewSink returns a sink-shaped pipe draining a fresh input queue
// into consume.
func NewSink[I any](consume func(Next[I]) error, qsize int, opts ...Option) *Pipe[I, struct{}] {
	p := &Pipe[I, struct{}]{
		In:   NewQueue[I](qsize, opts...),
		done: make(chan struct{}),
	}
	p.run = func() error {
		err := consume(func() (I, error) {
			v, err := p.In.Dequeue()
			if err == nil {
				atomic.AddInt64(&p.processed, 1)
			}
			return v, err
		})
		return err
	}
	return p
}

func (p *Pipe[I, O]) count(next Next[O]) Next[O] {
	return func() (O, error) {
		v, err := next()
		if err == nil {
			atomic.AddInt64(&p.processed, 1)
		}
		return v, err
	}
}

// Start runs the pipe's transform on a new goroutine. It must be
// called exactly once.
func (p *Pipe[I, O]) Start() *Pipe[I, O] {
	go func() {
		p.err = p.run()
		close(p.done)
	}()
	return p
}

// Wait blocks until the transform has returned or the context is
// done, and reports the transform's error, if any. Wait is the pipe's
// state future.
func (p *Pipe[I, O]) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Processed returns the number of items that have passed through the
// pipe so far.
func (p *Pipe[I, O]) Processed() int64 {
	return atomic.LoadInt64(&p.processed)
}
