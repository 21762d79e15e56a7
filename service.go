// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package courier

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/courier/lazy"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

type maybeMakeRequest struct {
	// Object is the encoded lazy object to materialize.
	Object []byte
	// ReturnError requests that an execution failure be marshaled as
	// the call's result rather than failing the call.
	ReturnError bool
}

type heartbeatRequest struct {
	// Sender is the caller's address, registered in the server's
	// liveness registry; it may be empty.
	Sender string
	// Alive is false when the sender is disconnecting.
	Alive bool
}

// ServerStatus describes a server's identity and the host resources
// backing it.
type ServerStatus struct {
	Addr     string
	Name     string
	State    string
	Maxprocs int
	Mem      mem.VirtualMemoryStat
	Disk     disk.UsageStat
	Load     load.AvgStat
}

// courierService is the RPC service bound on every courier server.
// Each method has a fixed request/response schema; the dispatch table
// is registered at build time.
type courierService struct {
	s *Server
}

// MaybeMake materializes an encoded lazy object and returns the
// encoded result. If the computation fails and the request asked for
// errors as values, the error itself is marshaled as the result; a
// marshaling failure of the result always fails the call.
func (c *courierService) MaybeMake(ctx context.Context, req maybeMakeRequest, reply *[]byte) error {
	result, err := c.s.registry.MakeBytes(req.Object)
	if err != nil {
		if !req.ReturnError {
			return err
		}
		log.Error.Printf("courier: %s: maybe_make: %v", c.s.Ident(), err)
		result = errors.Recover(errors.E(errors.Remote, err))
	}
	b, merr := lazy.Marshal(result)
	if merr != nil {
		log.Error.Printf("courier: %s: cannot marshal result type %T: %v", c.s.Ident(), result, merr)
		return merr
	}
	*reply = b
	return nil
}

// Heartbeat refreshes the server's idle deadline and updates the
// sender's liveness registration.
func (c *courierService) Heartbeat(ctx context.Context, req heartbeatRequest, _ *struct{}) error {
	c.s.heartbeat(req.Sender, req.Alive)
	return nil
}

// Shutdown requests a cooperative teardown. The reply is sent before
// the endpoint stops.
func (c *courierService) Shutdown(ctx context.Context, _ struct{}, _ *struct{}) error {
	c.s.Stop()
	return nil
}

// ClearCache discards the server's lazy-result cache.
func (c *courierService) ClearCache(ctx context.Context, _ struct{}, _ *struct{}) error {
	c.s.registry.ClearCache()
	return nil
}

// CacheInfo returns the server's lazy-result cache statistics.
func (c *courierService) CacheInfo(ctx context.Context, _ struct{}, reply *lazy.CacheInfo) error {
	*reply = c.s.registry.CacheInfo()
	return nil
}

// Status returns the server's identity and host resource usage.
func (c *courierService) Status(ctx context.Context, _ struct{}, reply *ServerStatus) error {
	reply.Addr = c.s.Addr()
	reply.Name = c.s.Name()
	reply.State = c.s.State().String()
	reply.Maxprocs = runtime.GOMAXPROCS(0)
	if vm, err := mem.VirtualMemory(); err == nil {
		reply.Mem = *vm
	}
	if du, err := disk.Usage("/"); err == nil {
		reply.Disk = *du
	}
	if avg, err := load.Avg(); err == nil {
		reply.Load = *avg
	}
	return nil
}

// generatorService is the additional RPC service bound on prefetching
// servers: the remote generator protocol.
type generatorService struct {
	p *PrefetchServer
}

type nextBatchRequest struct {
	// BatchSize bounds the number of items returned; 0 returns all
	// currently buffered items.
	BatchSize int
}

// Init materializes an encoded lazy object that must resolve to an
// iterator and installs it as the server's active generator,
// superseding any previous one.
func (g *generatorService) Init(ctx context.Context, object []byte, _ *struct{}) error {
	return g.p.initGenerator(object)
}

// Next returns the generator's next stream entry, blocking until an
// item or the terminal condition is available.
func (g *generatorService) Next(ctx context.Context, _ struct{}, reply *StreamEntry) error {
	entries, err := g.p.nextBatch(1)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("courier: %s: empty generator batch", g.p.Ident()))
	}
	*reply = entries[0]
	return nil
}

// NextBatch flushes up to the requested number of buffered generator
// items. The returned sequence ends with a terminal entry once the
// generator is exhausted; callers must inspect the final entry's tag.
func (g *generatorService) NextBatch(ctx context.Context, req nextBatchRequest, reply *[]StreamEntry) error {
	entries, err := g.p.nextBatch(req.BatchSize)
	if err != nil {
		return err
	}
	*reply = entries
	return nil
}
