// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package courier

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/courier/iterq"
	"github.com/grailbio/courier/lazy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// A WorkerPool fans work out over a fixed set of workers. Broadcast
// operations address every worker; scheduling operations address the
// first worker with spare capacity.
type WorkerPool struct {
	workers []*Worker
	limiter *rate.Limiter
}

// NewWorkerPool returns a pool of workers, one per address, in the
// given order.
func NewWorkerPool(addrs []string, opts ...WorkerOption) *WorkerPool {
	p := &WorkerPool{
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, addr := range addrs {
		p.workers = append(p.workers, NewWorker(addr, opts...))
	}
	return p
}

// Workers returns the pool's workers in address-submission order.
func (p *WorkerPool) Workers() []*Worker { return p.workers }

// IdleWorkers returns the workers currently able to accept a call.
func (p *WorkerPool) IdleWorkers() []*Worker {
	var idle []*Worker
	for _, w := range p.workers {
		if w.HasCapacity() {
			idle = append(idle, w)
		}
	}
	return idle
}

// NumAlive returns the number of workers whose servers answer
// heartbeats.
func (p *WorkerPool) NumAlive(ctx context.Context) int {
	var n int
	for _, w := range p.workers {
		if w.IsAlive(ctx) {
			n++
		}
	}
	return n
}

// WaitUntilAlive blocks until every worker's server answers a
// heartbeat, or the deadline is reached.
func (p *WorkerPool) WaitUntilAlive(ctx context.Context, deadline time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error { return w.WaitUntilAlive(ctx, deadline) })
	}
	return g.Wait()
}

// CallAndWait broadcasts the object to every worker and waits for all
// of the results. Results are returned in worker order. With
// ReturnError, individual execution failures arrive as error values
// in the result slice instead of failing the broadcast.
func (p *WorkerPool) CallAndWait(ctx context.Context, o *lazy.Object, opts ...CallOption) ([]interface{}, error) {
	results := make([]interface{}, len(p.workers))
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range p.workers {
		i, w := i, w
		g.Go(func() error {
			v, err := w.Call(ctx, o, opts...).Result(ctx)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// nextIdle blocks until some worker has spare capacity, polling below
// the heartbeat cadence so a slot freed by a completing call is
// picked up promptly.
func (p *WorkerPool) nextIdle(ctx context.Context) (*Worker, error) {
	for {
		for _, w := range p.workers {
			if w.HasCapacity() {
				return w, nil
			}
		}
		if p.limiter.Allow() {
			log.Debug.Printf("courier: all %d workers busy; waiting for capacity", len(p.workers))
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RunTasks schedules each task onto the first worker with spare
// capacity and returns once every task has been submitted. The
// returned tasks carry their states; callers wait on those to collect
// results.
func (p *WorkerPool) RunTasks(ctx context.Context, tasks []*Task) ([]*Task, error) {
	for _, t := range tasks {
		w, err := p.nextIdle(ctx)
		if err != nil {
			return nil, err
		}
		w.RunTask(ctx, t)
	}
	return tasks, nil
}

// activeStream is one worker's in-progress generator run.
type activeStream struct {
	worker *Worker
	done   bool
}

// startStream runs the task's parent chain on the worker and installs
// the task itself as the worker's generator.
func startStream(ctx context.Context, w *Worker, t *Task) error {
	if t.Parent != nil {
		w.RunTask(ctx, t.Parent)
		if t.Blocking {
			if _, err := t.Parent.State.Result(ctx); err != nil {
				return err
			}
		}
	}
	return w.InitGenerator(ctx, t.Object)
}

// RunAndIterate runs each task as a remote generator and returns an
// iterator interleaving the items of all the streams. A server hosts
// a single generator at a time, so each task occupies one worker for
// the lifetime of its stream; when there are more tasks than workers,
// the surplus is started as streams finish. Active streams are polled
// round-robin in submission order; each item is decoded before it is
// yielded. The iterator ends when every stream has ended. On a stream
// failure, items already fetched are yielded first and the error ends
// the iteration.
func (p *WorkerPool) RunAndIterate(ctx context.Context, tasks []*Task) Iter {
	var (
		streams  []*activeStream
		queued   = tasks
		buffered []interface{}
		active   int
		next     int
		fail     error
	)
	// One stream per worker to start; the rest wait for a freed
	// worker.
	for _, w := range p.workers {
		if len(queued) == 0 {
			break
		}
		if err := startStream(ctx, w, queued[0]); err != nil {
			fail = err
			break
		}
		queued = queued[1:]
		streams = append(streams, &activeStream{worker: w})
		active++
	}
	return func() (interface{}, error) {
		for {
			// Items fetched ahead of a failure are still delivered;
			// the error surfaces once they are drained.
			if len(buffered) > 0 {
				item := buffered[0]
				buffered = buffered[1:]
				return item, nil
			}
			if fail != nil {
				return nil, fail
			}
			if active == 0 {
				return nil, iterq.End(nil)
			}
			for streams[next].done {
				next = (next + 1) % len(streams)
			}
			s := streams[next]
			next = (next + 1) % len(streams)
			entries, err := s.worker.NextBatch(ctx, 0)
			if err != nil {
				return nil, err
			}
			for _, entry := range entries {
				switch entry.Tag {
				case StreamItem:
					item, err := lazy.Unmarshal(entry.Item)
					if err != nil {
						fail = err
					} else {
						buffered = append(buffered, item)
					}
				case StreamEnd:
					s.done = true
					active--
					if len(queued) > 0 {
						// The worker is free again; move the next
						// queued task onto it.
						if err := startStream(ctx, s.worker, queued[0]); err != nil {
							fail = err
							break
						}
						queued = queued[1:]
						s.done = false
						active++
					}
				case StreamError:
					fail = errors.E(errors.Remote, fmt.Sprintf("courier: %s: generator failed", s.worker.Addr()), entry.Err)
				}
				if fail != nil {
					break
				}
			}
		}
	}
}

// Shutdown asks every worker's server to shut down and closes the
// workers.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, w := range p.workers {
		if err := w.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		w.Close()
	}
	return firstErr
}

// Close closes the pool's workers without shutting down their
// servers.
func (p *WorkerPool) Close() {
	for _, w := range p.workers {
		w.Close()
	}
}
