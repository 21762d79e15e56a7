// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"expvar"
	"sync"
	"time"
)

var serverstats, clientstats rpcstats

func init() {
	expvar.Publish("rpcserver", &serverstats.Map)
	expvar.Publish("rpcclient", &clientstats.Map)
}

// rpcstats maintains simple RPC statistics, aggregated by method and,
// for clients, by address. Counters are exported through expvar.
type rpcstats struct {
	expvar.Map
	once sync.Once
}

func (r *rpcstats) path(names ...string) *expvar.Map {
	r.once.Do(func() { r.Init() })
	m := &r.Map
	for _, name := range names {
		child, ok := m.Get(name).(*expvar.Map)
		if !ok {
			child = new(expvar.Map)
			child.Init()
			m.Set(name, child)
		}
		m = child
	}
	return m
}

// Start starts an RPC stat with the provided address and method. It
// returns a function that records the status and latency of the RPC;
// the caller must run the function after the RPC finishes.
func (r *rpcstats) Start(addr, method string) (done func(err error)) {
	r.path("method", method).Add("count", 1)
	if addr != "" {
		r.path("addr", addr, "method", method).Add("count", 1)
	}
	now := time.Now()
	return func(err error) {
		elapsed := time.Since(now).Nanoseconds() / 1e6
		m := r.path("method", method)
		m.Add("time", elapsed)
		if err != nil {
			m.Add("errors", 1)
		}
	}
}
