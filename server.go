// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package courier

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/courier/lazy"
	"github.com/grailbio/courier/rpc"
)

// RpcPrefix is the path prefix used to serve RPC requests.
const RpcPrefix = "/courier/"

const (
	// DefaultMaxIdle is the duration after the last heartbeat at which
	// an unattended server shuts itself down.
	DefaultMaxIdle = 170 * time.Minute
	// DefaultPollInterval is the cadence at which the lifecycle loop
	// re-checks the heartbeat deadline.
	DefaultPollInterval = 30 * time.Second
	// DefaultPrefetchSize is the default capacity of a prefetching
	// server's generator queue.
	DefaultPrefetchSize = 2
)

// ServerState enumerates the lifecycle states of a Server.
type ServerState int32

const (
	// Unbuilt indicates the server's endpoint has not been constructed.
	Unbuilt ServerState = iota
	// Built indicates the endpoint is constructed and bound but not
	// yet serving.
	Built
	// Running indicates the server is serving requests and its
	// lifecycle loop is active.
	Running
	// Stopping indicates shutdown has been requested and the server is
	// draining.
	Stopping
	// Stopped indicates the endpoint has been torn down. A stopped
	// server may be rebuilt.
	Stopped
)

// String returns a ServerState's string.
func (s ServerState) String() string {
	switch s {
	case Unbuilt:
		return "UNBUILT"
	case Built:
		return "BUILT"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	default:
		panic(fmt.Sprintf("invalid server state %d", s))
	}
}

// wakeReason tags the lifecycle loop's wakeups so that the cause of
// each wake is inspectable.
type wakeReason int

const (
	heartbeatReceived wakeReason = iota
	shutdownRequested
	generatorReset
)

type stateWaiter struct {
	c     chan struct{}
	state ServerState
}

// A ServerOption configures a Server.
type ServerOption func(*Server)

// Named gives the server a logical name, distinct from its bound
// network address. An empty name is rejected at build time.
func Named(name string) ServerOption {
	return func(s *Server) {
		s.name = name
		s.named = true
	}
}

// Port binds the server to the provided TCP port. Port 0 (the
// default) selects an ephemeral port.
func Port(port int) ServerOption {
	return func(s *Server) { s.port = port }
}

// Host sets the host the server binds and advertises. It defaults to
// localhost.
func Host(host string) ServerOption {
	return func(s *Server) { s.host = host }
}

// MaxIdle sets the duration after the last heartbeat at which the
// server shuts itself down.
func MaxIdle(d time.Duration) ServerOption {
	return func(s *Server) { s.maxIdle = d }
}

// PollInterval overrides the lifecycle loop's poll interval.
func PollInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.poll = d }
}

// PrefetchSize sets the generator queue capacity of a prefetching
// server.
func PrefetchSize(n int) ServerOption {
	return func(s *Server) { s.prefetch = n }
}

// A Server executes lazy objects on behalf of remote workers. It
// serves the Courier RPC service over a single HTTP endpoint and runs
// a heartbeat-driven lifecycle loop: if no heartbeat arrives within
// the configured idle duration, the server shuts itself down and
// releases its endpoint. A stopped server may be rebuilt.
//
// A server is identified logically by its name, or physically by its
// bound address; when no name is configured, the address is the sole
// identity key.
type Server struct {
	name     string
	named    bool
	host     string
	port     int
	maxIdle  time.Duration
	poll     time.Duration
	prefetch int

	registry   *lazy.Registry
	heartbeats *HeartbeatRegistry

	// bindExtra registers additional services at build time; it is set
	// by the prefetching variant.
	bindExtra func(*rpc.Server) error
	// onStop releases variant-owned resources at teardown.
	onStop func()

	events   chan wakeReason
	shutdown int32

	mu            sync.Mutex
	state         int64
	waiters       []stateWaiter
	lastHeartbeat time.Time
	addr          string
	listener      net.Listener
	httpsrv       *http.Server
	done          chan struct{}
}

// NewServer returns an unbuilt server executing objects against the
// provided lazy registry.
func NewServer(registry *lazy.Registry, opts ...ServerOption) *Server {
	s := &Server{
		host:       "localhost",
		maxIdle:    DefaultMaxIdle,
		poll:       DefaultPollInterval,
		prefetch:   DefaultPrefetchSize,
		registry:   registry,
		heartbeats: NewHeartbeatRegistry(),
		events:     make(chan wakeReason, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the server's current lifecycle state.
func (s *Server) State() ServerState {
	return ServerState(atomic.LoadInt64(&s.state))
}

// Wait returns a channel that is closed once the server reaches the
// provided state or greater.
func (s *Server) Wait(state ServerState) <-chan struct{} {
	c := make(chan struct{})
	s.mu.Lock()
	if state <= s.State() {
		close(c)
	} else {
		s.waiters = append(s.waiters, stateWaiter{c, state})
	}
	s.mu.Unlock()
	return c
}

func (s *Server) setState(state ServerState) {
	s.mu.Lock()
	var triggered []chan struct{}
	ws := s.waiters
	s.waiters = nil
	for _, w := range ws {
		if w.state <= state {
			triggered = append(triggered, w.c)
		} else {
			s.waiters = append(s.waiters, w)
		}
	}
	atomic.StoreInt64(&s.state, int64(state))
	s.mu.Unlock()
	for _, c := range triggered {
		close(c)
	}
}

// Name returns the server's logical name, if any.
func (s *Server) Name() string { return s.name }

// Addr returns the server's bound address in URL form. It is empty
// until the server has been built.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ident returns the server's identity: its logical name when one is
// configured, else its bound address. The mapping from names to
// addresses is the caller's concern; unnamed servers are keyed by
// address alone.
func (s *Server) Ident() string {
	if s.named {
		return s.name
	}
	return s.Addr()
}

// Equal tells whether the two server handles denote the same
// endpoint: the same resolved address with the same idle timeout.
func (s *Server) Equal(t *Server) bool {
	return s.Addr() == t.Addr() && s.maxIdle == t.maxIdle
}

// Heartbeats returns the server's client liveness registry.
func (s *Server) Heartbeats() *HeartbeatRegistry { return s.heartbeats }

// String returns a diagnostic description of the server.
func (s *Server) String() string {
	return fmt.Sprintf("CourierServer(%q@%s)", s.name, s.Addr())
}

// Build constructs the server's RPC endpoint and registers its
// service bindings. Build is idempotent; it fails if the server was
// configured with an empty logical name.
func (s *Server) Build() error {
	// A server mid-teardown settles before it is rebuilt; otherwise a
	// freshly bound endpoint could be marked stopped by the concurrent
	// teardown. While the lock is held, a running server always has a
	// listener, so the rebind below cannot race a teardown.
	s.mu.Lock()
	for s.State() == Stopping {
		s.mu.Unlock()
		<-s.Wait(Stopped)
		s.mu.Lock()
	}
	if s.listener != nil {
		s.mu.Unlock()
		return nil
	}
	if s.named && s.name == "" {
		s.mu.Unlock()
		return errors.E(errors.Invalid, "courier: empty server name")
	}
	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	rpcsrv := rpc.NewServer()
	if err := rpcsrv.Register("Courier", &courierService{s}); err != nil {
		l.Close()
		s.mu.Unlock()
		return err
	}
	if s.bindExtra != nil {
		if err := s.bindExtra(rpcsrv); err != nil {
			l.Close()
			s.mu.Unlock()
			return err
		}
	}
	mux := http.NewServeMux()
	mux.Handle(RpcPrefix, rpcsrv)
	s.listener = l
	s.httpsrv = &http.Server{Handler: mux}
	s.addr = fmt.Sprintf("http://%s", l.Addr().String())
	atomic.StoreInt32(&s.shutdown, 0)
	s.mu.Unlock()
	s.setState(Built)
	log.Printf("courier: constructed server %s", s)
	return nil
}

// Start builds the server if necessary, begins serving requests, and
// launches the lifecycle loop. Start is idempotent: a running
// server's existing lifecycle handle is returned. The returned
// channel is closed when the lifecycle loop has exited and the
// endpoint is released.
func (s *Server) Start() (<-chan struct{}, error) {
	if err := s.Build(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.done != nil && s.State() == Running {
		done := s.done
		s.mu.Unlock()
		return done, nil
	}
	done := make(chan struct{})
	s.done = done
	listener, httpsrv := s.listener, s.httpsrv
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
	// Running is published before the loop starts so that a Stop racing
	// this Start tears down from a state the loop has already seen.
	s.setState(Running)
	go func() {
		if err := httpsrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error.Printf("courier: %s: serve: %v", s.Ident(), err)
		}
	}()
	go s.loop(done)
	return done, nil
}

// Started tells whether the server is currently serving requests.
func (s *Server) Started() bool {
	return s.State() == Running
}

// Stop requests a cooperative shutdown and wakes the lifecycle loop.
// It is safe to call from any goroutine, including from within an RPC
// handler: in-flight handlers respond before the endpoint is torn
// down.
func (s *Server) Stop() {
	atomic.StoreInt32(&s.shutdown, 1)
	s.notify(shutdownRequested)
}

func (s *Server) notify(reason wakeReason) {
	select {
	case s.events <- reason:
	default:
		// The loop is awake and will observe the state change on its
		// next poll.
	}
}

func (s *Server) heartbeat(sender string, alive bool) {
	now := time.Now()
	s.mu.Lock()
	if now.After(s.lastHeartbeat) {
		s.lastHeartbeat = now
	}
	s.mu.Unlock()
	if sender != "" {
		if alive {
			s.heartbeats.Register(sender, now)
		} else {
			s.heartbeats.Unregister(sender)
		}
	}
	s.notify(heartbeatReceived)
}

// loop is the server's lifecycle loop: it waits for tagged wakeups
// and polls the heartbeat deadline, tearing the endpoint down on
// shutdown or when the server has been idle too long.
func (s *Server) loop(done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(s.poll)
	defer tick.Stop()
	for {
		if atomic.LoadInt32(&s.shutdown) != 0 {
			log.Printf("courier: shutting down server %s", s)
			break
		}
		s.mu.Lock()
		last := s.lastHeartbeat
		s.mu.Unlock()
		if idle := time.Since(last); idle > s.maxIdle {
			log.Printf("courier: %s: no heartbeat in %s; shutting down", s.Ident(), idle)
			break
		}
		select {
		case <-tick.C:
		case reason := <-s.events:
			if reason == shutdownRequested {
				log.Printf("courier: shutting down server %s", s)
				s.teardown()
				return
			}
		}
	}
	s.teardown()
}

func (s *Server) teardown() {
	s.setState(Stopping)
	if s.onStop != nil {
		s.onStop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.mu.Lock()
	httpsrv := s.httpsrv
	s.httpsrv = nil
	s.listener = nil
	s.addr = ""
	s.mu.Unlock()
	if httpsrv != nil {
		if err := httpsrv.Shutdown(ctx); err != nil {
			log.Error.Printf("courier: %s: shutdown: %v", s.Ident(), err)
		}
	}
	s.setState(Stopped)
}
