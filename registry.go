// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package courier

import (
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/courier/lazy"
)

// A ServerRegistry lazily constructs and caches prefetch servers by
// key, so that callers in one process can share servers without
// coordinating construction. Servers are built and started on first
// use.
type ServerRegistry struct {
	registry *lazy.Registry
	opts     []ServerOption

	mu      sync.Mutex
	servers map[string]*PrefetchServer
}

// NewServerRegistry returns a registry whose servers resolve lazy
// objects against the provided function registry. The options are
// applied to every server; per-server naming is derived from the key.
func NewServerRegistry(registry *lazy.Registry, opts ...ServerOption) *ServerRegistry {
	return &ServerRegistry{
		registry: registry,
		opts:     opts,
		servers:  make(map[string]*PrefetchServer),
	}
}

// Server returns the server registered under the key, building and
// starting it on first use.
func (r *ServerRegistry) Server(key string) (*PrefetchServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.servers[key]; ok {
		return s, nil
	}
	opts := append([]ServerOption{Named(key)}, r.opts...)
	s := NewPrefetchServer(r.registry, opts...)
	if _, err := s.Start(); err != nil {
		return nil, err
	}
	r.servers[key] = s
	return s, nil
}

// Get returns the server registered under the key, if any.
func (r *ServerRegistry) Get(key string) (*PrefetchServer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[key]
	return s, ok
}

// Len returns the number of servers in the registry.
func (r *ServerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Shutdown stops every server in the registry and waits for each to
// reach the stopped state.
func (r *ServerRegistry) Shutdown() {
	r.mu.Lock()
	servers := make([]*PrefetchServer, 0, len(r.servers))
	for _, s := range r.servers {
		servers = append(servers, s)
	}
	r.servers = make(map[string]*PrefetchServer)
	r.mu.Unlock()
	for _, s := range servers {
		s.Stop()
	}
	for _, s := range servers {
		<-s.Wait(Stopped)
		log.Debug.Printf("courier: %s: stopped", s.Ident())
	}
}
