// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package courier

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/courier/lazy"
	"github.com/grailbio/courier/rpc"
)

// retryPolicy is the policy used to wait between liveness probes.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

const (
	// DefaultHeartbeatThreshold is the duration without a successful
	// heartbeat after which a worker's server is considered dead.
	DefaultHeartbeatThreshold = 2 * time.Minute
	// DefaultMaxParallelism is the default number of in-flight calls a
	// worker accepts before reporting no capacity.
	DefaultMaxParallelism = 1

	heartbeatRPCTimeout = 10 * time.Second
)

// A WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// HeartbeatThreshold sets the liveness threshold: a heartbeat RPC
// must succeed within d for the worker to be considered alive.
func HeartbeatThreshold(d time.Duration) WorkerOption {
	return func(w *Worker) { w.heartbeatThreshold = d }
}

// MaxParallelism sets the worker's in-flight call capacity.
func MaxParallelism(n int) WorkerOption {
	return func(w *Worker) { w.maxParallelism = n }
}

// CallTimeout bounds each call submitted through the worker; a call
// exceeding the bound resolves to a timeout error.
func CallTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.timeout = d }
}

// Sender sets the identity under which the worker registers itself in
// the remote server's liveness registry. It defaults to the local
// hostname and pid.
func Sender(name string) WorkerOption {
	return func(w *Worker) { w.sender = name }
}

// A Worker is a client-side handle to one remote courier server. It
// tracks in-flight calls against a capacity limit, applies a per-call
// timeout, and maintains the remote server's idle deadline with
// periodic heartbeats for as long as the worker is open.
type Worker struct {
	addr   string
	sender string
	client *rpc.Client

	heartbeatThreshold time.Duration
	maxParallelism     int

	mu        sync.Mutex
	timeout   time.Duration
	pending   map[*State]struct{}
	lastAlive time.Time

	cancel context.CancelFunc
}

// NewWorker returns a worker for the server at the provided address
// and starts its heartbeat maintenance loop. The caller must Close
// the worker to release it.
func NewWorker(addr string, opts ...WorkerOption) *Worker {
	client, _ := rpc.NewClient(func() *http.Client { return &http.Client{} }, RpcPrefix)
	hostname, _ := os.Hostname()
	w := &Worker{
		addr:               addr,
		sender:             fmt.Sprintf("%s:%d", hostname, os.Getpid()),
		client:             client,
		heartbeatThreshold: DefaultHeartbeatThreshold,
		maxParallelism:     DefaultMaxParallelism,
		pending:            make(map[*State]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.maintain(ctx)
	return w
}

// Addr returns the address of the worker's server.
func (w *Worker) Addr() string { return w.addr }

// Pending returns the number of in-flight calls.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// HasCapacity tells whether the worker can accept another call.
func (w *Worker) HasCapacity() bool {
	return w.Pending() < w.maxParallelism
}

// SetTimeout bounds subsequent calls by d. A call exceeding the bound
// resolves its state to a timeout error rather than blocking its
// caller forever.
func (w *Worker) SetTimeout(d time.Duration) {
	w.mu.Lock()
	w.timeout = d
	w.mu.Unlock()
}

// A CallOption configures a single call.
type CallOption func(*callConfig)

type callConfig struct {
	returnError bool
}

// ReturnError requests that an execution failure resolve the call's
// state to the error as a value rather than as a failure, so that the
// caller can distinguish failed computations without the call itself
// failing.
func ReturnError() CallOption {
	return func(c *callConfig) { c.returnError = true }
}

// Call submits the lazy object for remote execution and returns the
// call's state immediately. The call is tracked in the worker's
// pending set until the state resolves.
func (w *Worker) Call(ctx context.Context, o *lazy.Object, opts ...CallOption) *State {
	var conf callConfig
	for _, opt := range opts {
		opt(&conf)
	}
	s := newState()
	object, err := lazy.MarshalObject(o)
	if err != nil {
		s.resolve(nil, err)
		return s
	}
	w.mu.Lock()
	w.pending[s] = struct{}{}
	timeout := w.timeout
	w.mu.Unlock()
	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.pending, s)
			w.mu.Unlock()
		}()
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()
		var reply []byte
		err := w.client.Call(callCtx, w.addr, "Courier.MaybeMake", maybeMakeRequest{object, conf.returnError}, &reply)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				err = errors.E(errors.Timeout, fmt.Sprintf("%s: %s timed out after %s", w.addr, o, timeout), err)
			}
			s.resolve(nil, err)
			return
		}
		s.resolve(lazy.Unmarshal(reply))
	}()
	return s
}

// RunTask runs the task on this worker, first running its parent
// chain. A blocking task waits for its parent's state to resolve
// before it is submitted; a non-blocking task is submitted
// immediately after its parent. The task is returned with its State
// attached.
func (w *Worker) RunTask(ctx context.Context, t *Task) *Task {
	if t.Parent != nil {
		if t.Parent.State == nil {
			w.RunTask(ctx, t.Parent)
		}
		if t.Blocking {
			select {
			case <-t.Parent.State.Done():
			case <-ctx.Done():
				t.State = newState()
				t.State.resolve(nil, ctx.Err())
				return t
			}
		}
	}
	t.State = w.Call(ctx, t.Object)
	return t
}

// heartbeat issues one heartbeat RPC.
func (w *Worker) heartbeat(ctx context.Context, timeout time.Duration, alive bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return w.client.Call(ctx, w.addr, "Courier.Heartbeat", heartbeatRequest{w.sender, alive}, nil)
}

// maintain keeps the remote server's idle deadline refreshed for as
// long as the worker is open.
func (w *Worker) maintain(ctx context.Context) {
	period := w.heartbeatThreshold / 3
	if period <= 0 {
		period = heartbeatRPCTimeout
	}
	for {
		if err := w.heartbeat(ctx, heartbeatRPCTimeout, true); err == nil {
			w.mu.Lock()
			w.lastAlive = time.Now()
			w.mu.Unlock()
		} else if ctx.Err() == nil {
			log.Debug.Printf("courier: %s: heartbeat: %v", w.addr, err)
		}
		select {
		case <-time.After(period):
		case <-ctx.Done():
			return
		}
	}
}

// IsAlive tells whether the worker's server answered a heartbeat
// within the worker's heartbeat threshold.
func (w *Worker) IsAlive(ctx context.Context) bool {
	w.mu.Lock()
	lastAlive := w.lastAlive
	w.mu.Unlock()
	if !lastAlive.IsZero() && time.Since(lastAlive) < w.heartbeatThreshold {
		return true
	}
	if err := w.heartbeat(ctx, w.heartbeatThreshold, true); err != nil {
		return false
	}
	w.mu.Lock()
	w.lastAlive = time.Now()
	w.mu.Unlock()
	return true
}

// WaitUntilAlive blocks until the worker's server answers a
// heartbeat, retrying with backoff until the deadline.
func (w *Worker) WaitUntilAlive(ctx context.Context, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	for retries := 0; ; retries++ {
		if w.IsAlive(ctx) {
			return nil
		}
		if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
			return errors.E(errors.Unavailable, fmt.Sprintf("courier: %s: not alive after %s", w.addr, deadline), err)
		}
	}
}

// Status fetches the server's status report.
func (w *Worker) Status(ctx context.Context) (ServerStatus, error) {
	var status ServerStatus
	err := w.client.Call(ctx, w.addr, "Courier.Status", struct{}{}, &status)
	return status, err
}

// CacheInfo fetches the server's lazy-result cache statistics.
func (w *Worker) CacheInfo(ctx context.Context) (lazy.CacheInfo, error) {
	var info lazy.CacheInfo
	err := w.client.Call(ctx, w.addr, "Courier.CacheInfo", struct{}{}, &info)
	return info, err
}

// ClearCache discards the server's lazy-result cache.
func (w *Worker) ClearCache(ctx context.Context) error {
	return w.client.Call(ctx, w.addr, "Courier.ClearCache", struct{}{}, nil)
}

// InitGenerator installs the lazy object, which must resolve to an
// iterator on the remote side, as the server's active generator.
func (w *Worker) InitGenerator(ctx context.Context, o *lazy.Object) error {
	object, err := lazy.MarshalObject(o)
	if err != nil {
		return err
	}
	return w.client.Call(ctx, w.addr, "Generator.Init", object, nil)
}

// NextBatch fetches up to batchSize generator items (0 = all
// currently buffered), blocking until at least one item or the
// terminal condition is available.
func (w *Worker) NextBatch(ctx context.Context, batchSize int) ([]StreamEntry, error) {
	var entries []StreamEntry
	err := w.client.Call(ctx, w.addr, "Generator.NextBatch", nextBatchRequest{batchSize}, &entries)
	return entries, err
}

// Next fetches the generator's next stream entry.
func (w *Worker) Next(ctx context.Context) (StreamEntry, error) {
	var entry StreamEntry
	err := w.client.Call(ctx, w.addr, "Generator.Next", struct{}{}, &entry)
	return entry, err
}

// Shutdown asks the remote server to shut down. It does not wait for
// the remote process to terminate.
func (w *Worker) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, heartbeatRPCTimeout)
	defer cancel()
	return w.client.Call(ctx, w.addr, "Courier.Shutdown", struct{}{}, nil)
}

// Close stops the worker's heartbeat maintenance and unregisters it
// from the server's liveness registry. It does not affect in-flight
// calls.
func (w *Worker) Close() {
	w.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatRPCTimeout)
	defer cancel()
	if err := w.heartbeat(ctx, heartbeatRPCTimeout, false); err != nil {
		log.Debug.Printf("courier: %s: unregister: %v", w.addr, err)
	}
}
