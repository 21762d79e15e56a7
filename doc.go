// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package courier implements a small substrate for distributed lazy
execution. A courier deployment comprises a number of servers, each
hosting a registry of named functions, and any number of clients
that submit lazy computations to them. Computations are described as
lazy objects (package github.com/grailbio/courier/lazy): a function
name together with its arguments, where the arguments may themselves
be lazy objects. Servers resolve objects against their registries
and return the results; clients never need the functions themselves,
only their names.

# Servers

A server is constructed from a function registry and then started:

	registry := lazy.NewRegistry(128)
	registry.Register("add", func(a, b int) int { return a + b })
	server := courier.NewServer(registry, courier.Port(8123))
	done, err := server.Start()
	...
	<-done

Started servers answer method calls over HTTP (see package
github.com/grailbio/courier/rpc) and keep track of client
heartbeats. A server that receives no heartbeat for its maximum
idle duration shuts itself down, so that orphaned servers do not
outlive the clients that launched them.

Prefetch servers additionally host a single remote generator: a
lazy object resolving to an iterator whose items are produced ahead
of consumption into a bounded buffer, and consumed in batches by
the client. Installing a new generator supersedes the previous one.

# Clients

A Worker is a handle to one remote server. It submits calls,
enforces a per-call timeout and a parallelism limit, and maintains
the server's idle deadline with periodic heartbeats:

	w := courier.NewWorker(addr)
	defer w.Close()
	state := w.Call(ctx, lazy.Func("add", 1, 2))
	v, err := state.Result(ctx)

A WorkerPool coordinates a set of workers: broadcasting a call to
all of them (CallAndWait), scheduling tasks onto the first idle
worker (RunTasks), or running generators across the pool and
interleaving their items into a single iterator (RunAndIterate).

Values are exchanged by gob. Argument and result types beyond the
gob builtins must be registered with encoding/gob on both sides.
*/
package courier
