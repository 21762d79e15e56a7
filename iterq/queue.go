// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package iterq implements bounded, thread-safe iterator queues with
// explicit end-of-stream and error signaling, pipes that run a
// transform between queues, and a columnar rebatching engine. These
// are the primitives used to bridge remote generators onto courier's
// RPC protocol.
package iterq

import (
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
)

// A Next is a pull iterator: it returns successive values until the
// stream ends, at which point it returns a *EndOfStream error
// (carrying the stream's final value, if any) or the error that
// terminated the stream.
type Next[T any] func() (T, error)

// EndOfStream is the error returned by a Next when the stream is
// exhausted. It carries the stream's return value, the analog of a
// generator's final result.
type EndOfStream struct {
	Value interface{}
}

func (e *EndOfStream) Error() string {
	return fmt.Sprintf("end of stream (value: %v)", e.Value)
}

// End returns an EndOfStream error carrying the provided value.
func End(value interface{}) error {
	return &EndOfStream{Value: value}
}

// IsEnd tells whether err marks a normal end of stream, returning the
// stream's final value if so.
func IsEnd(err error) (interface{}, bool) {
	if eos, ok := err.(*EndOfStream); ok {
		return eos.Value, true
	}
	return nil, false
}

// FromSlice returns a Next that yields the provided items in order.
func FromSlice[T any](items []T) Next[T] {
	var i int
	return func() (T, error) {
		if i == len(items) {
			var zero T
			return zero, End(nil)
		}
		v := items[i]
		i++
		return v, nil
	}
}

// ErrStopped is returned by Enqueue after StopEnqueue has been called.
var ErrStopped = errors.New("iterq: enqueue stopped")

// A Terminal is the contents of a queue's terminal slot: the stream's
// return value on normal completion, or the error that ended it.
type Terminal struct {
	Value interface{}
	Err   error
}

type config struct {
	timeout   time.Duration
	ignoreErr bool
}

// An Option configures a Queue or a Pipe.
type Option func(*config)

// WithTimeout bounds every blocking enqueue or dequeue by d. An
// operation exceeding the bound fails with a Timeout error instead of
// blocking forever.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// IgnoreError configures EnqueueFrom to capture iterator errors into
// the terminal slot without re-raising them to the producer.
func IgnoreError() Option {
	return func(c *config) { c.ignoreErr = true }
}

// A Queue is a bounded FIFO of items plus a terminal slot. Producers
// enqueue until the source is exhausted or fails, at which point the
// terminal slot is set; consumers drain buffered items and then
// observe the terminal. After the terminal slot is set, no further
// items are accepted.
type Queue[T any] struct {
	items chan T
	conf  config

	mu       sync.Mutex
	terminal *Terminal
	termc    chan struct{}

	stopOnce sync.Once
	stopc    chan struct{}
}

// NewQueue returns a queue buffering at most max items. max must be
// at least 1.
func NewQueue[T any](max int, opts ...Option) *Queue[T] {
	if max < 1 {
		panic(fmt.Sprintf("iterq.NewQueue: invalid size %d", max))
	}
	q := &Queue[T]{
		items: make(chan T, max),
		termc: make(chan struct{}),
		stopc: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&q.conf)
	}
	return q
}

// SetTerminal sets the queue's terminal slot. Only the first call has
// any effect.
func (q *Queue[T]) SetTerminal(value interface{}, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.terminal != nil {
		return
	}
	q.terminal = &Terminal{Value: value, Err: err}
	close(q.termc)
}

// Terminal returns the queue's terminal slot, if set.
func (q *Queue[T]) Terminal() (Terminal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.terminal == nil {
		return Terminal{}, false
	}
	return *q.terminal, true
}

func (q *Queue[T]) terminated() bool {
	_, ok := q.Terminal()
	return ok
}

// Exhausted tells whether the terminal slot has been set and all
// buffered items have been drained.
func (q *Queue[T]) Exhausted() bool {
	return q.terminated() && len(q.items) == 0
}

// StopEnqueue signals producers to stop: subsequent or blocked
// Enqueue calls fail with ErrStopped. It is the cancellation
// primitive used to supersede an active producer.
func (q *Queue[T]) StopEnqueue() {
	q.stopOnce.Do(func() { close(q.stopc) })
}

// Enqueue appends v to the queue, blocking while the queue is full.
// It fails with a Timeout error if the configured timeout elapses,
// with ErrStopped after StopEnqueue, and with a Precondition error if
// the terminal slot has already been set.
func (q *Queue[T]) Enqueue(v T) error {
	select {
	case <-q.stopc:
		return ErrStopped
	default:
	}
	if q.terminated() {
		return errors.E(errors.Precondition, "iterq: enqueue after terminal")
	}
	var timeout <-chan time.Time
	if q.conf.timeout > 0 {
		t := time.NewTimer(q.conf.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case q.items <- v:
		return nil
	case <-q.stopc:
		return ErrStopped
	case <-timeout:
		return errors.E(errors.Timeout, fmt.Sprintf("iterq: enqueue timeout after %s", q.conf.timeout))
	}
}

// EnqueueFrom drains the iterator next into the queue. On normal
// exhaustion the stream's return value is stored in the terminal
// slot; on an iterator error the error is stored in the terminal slot
// and, unless the queue was configured with IgnoreError, returned.
// Enqueue failures (timeout, stop) are stored in the terminal slot
// and always returned.
func (q *Queue[T]) EnqueueFrom(next Next[T]) error {
	for {
		v, err := next()
		if err != nil {
			if value, ok := IsEnd(err); ok {
				q.SetTerminal(value, nil)
				return nil
			}
			q.SetTerminal(nil, err)
			if q.conf.ignoreErr {
				return nil
			}
			return err
		}
		if err := q.Enqueue(v); err != nil {
			q.SetTerminal(nil, err)
			return err
		}
	}
}

// Flush dequeues up to max items, or all currently buffered items if
// max is 0. If block is true, Flush blocks until at least one item is
// buffered or the terminal slot is set, failing with a Timeout error
// if the configured timeout elapses first. The returned slice is
// empty only once the queue is terminated.
func (q *Queue[T]) Flush(max int, block bool) ([]T, error) {
	out := []T{}
	select {
	case v := <-q.items:
		out = append(out, v)
		return q.drain(out, max), nil
	default:
	}
	if q.terminated() || !block {
		return q.drain(out, max), nil
	}
	var timeout <-chan time.Time
	if q.conf.timeout > 0 {
		t := time.NewTimer(q.conf.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case v := <-q.items:
		out = append(out, v)
		return q.drain(out, max), nil
	case <-q.termc:
		return q.drain(out, max), nil
	case <-timeout:
		return nil, errors.E(errors.Timeout, fmt.Sprintf("iterq: dequeue timeout after %s", q.conf.timeout))
	}
}

func (q *Queue[T]) drain(out []T, max int) []T {
	for max == 0 || len(out) < max {
		select {
		case v := <-q.items:
			out = append(out, v)
		default:
			return out
		}
	}
	return out
}

// Dequeue removes and returns the next item, blocking while the queue
// is empty and not terminated. Once the queue is exhausted, Dequeue
// returns the terminal error, or an EndOfStream carrying the terminal
// value. Dequeue makes a *Queue usable as a Next.
func (q *Queue[T]) Dequeue() (T, error) {
	var zero T
	var timeout <-chan time.Time
	if q.conf.timeout > 0 {
		t := time.NewTimer(q.conf.timeout)
		defer t.Stop()
		timeout = t.C
	}
	for {
		select {
		case v := <-q.items:
			return v, nil
		default:
		}
		if term, ok := q.Terminal(); ok {
			// Items raced in before the terminal slot was set drain first.
			select {
			case v := <-q.items:
				return v, nil
			default:
			}
			if term.Err != nil {
				return zero, term.Err
			}
			return zero, End(term.Value)
		}
		select {
		case v := <-q.items:
			return v, nil
		case <-q.termc:
		case <-timeout:
			return zero, errors.E(errors.Timeout, fmt.Sprintf("iterq: dequeue timeout after %s", q.conf.timeout))
		}
	}
}
