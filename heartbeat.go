// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package courier

import (
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
)

// A HeartbeatRegistry tracks the last time each connected client
// address was seen. Clients register themselves on their first
// heartbeat and unregister by sending a heartbeat with Alive set to
// false.
type HeartbeatRegistry struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewHeartbeatRegistry returns an empty registry.
func NewHeartbeatRegistry() *HeartbeatRegistry {
	return &HeartbeatRegistry{seen: make(map[string]time.Time)}
}

// Register records addr as last seen at time t, overwriting any
// previous entry.
func (r *HeartbeatRegistry) Register(addr string, t time.Time) {
	r.mu.Lock()
	r.seen[addr] = t
	r.mu.Unlock()
}

// Unregister removes addr from the registry. Unregistering an unknown
// address is a no-op.
func (r *HeartbeatRegistry) Unregister(addr string) {
	r.mu.Lock()
	delete(r.seen, addr)
	r.mu.Unlock()
}

// Get returns the time addr was last seen.
func (r *HeartbeatRegistry) Get(addr string) (time.Time, bool) {
	r.mu.Lock()
	t, ok := r.seen[addr]
	r.mu.Unlock()
	return t, ok
}

// Update advances the last-seen time of an already registered
// address. Updates are monotone: an earlier t than the recorded one
// is ignored. Updating an unregistered address is a usage error.
func (r *HeartbeatRegistry) Update(addr string, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.seen[addr]
	if !ok {
		return errors.E(errors.Precondition, fmt.Sprintf("courier: update of unregistered address %s", addr))
	}
	if t.After(prev) {
		r.seen[addr] = t
	}
	return nil
}

// Len returns the number of registered addresses.
func (r *HeartbeatRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
