// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package courier

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/courier/iterq"
	"github.com/grailbio/courier/lazy"
	"github.com/grailbio/courier/rpc"
)

// An Iter is the iterator type produced by generator-shaped lazy
// objects: a pull function yielding successive values until it
// returns an *iterq.EndOfStream (or the error that terminated the
// stream). Registered generator functions return an Iter.
type Iter = iterq.Next[interface{}]

// End returns the error an Iter yields to signal normal completion,
// carrying the iterator's return value.
func End(value interface{}) error { return iterq.End(value) }

// IsEnd tells whether the error signals normal iterator completion
// and, if so, extracts the return value it carries.
func IsEnd(err error) (interface{}, bool) { return iterq.IsEnd(err) }

// A StreamTag discriminates the entries of a remote generator stream.
type StreamTag int

const (
	// StreamItem tags an ordinary stream item.
	StreamItem StreamTag = iota
	// StreamEnd tags the terminal entry of a normally exhausted
	// stream; it carries the stream's return value.
	StreamEnd
	// StreamError tags the terminal entry of a crashed stream.
	StreamError
)

// A StreamEntry is one element of a remote generator response. The
// last entry of a batch may be terminal (StreamEnd or StreamError);
// consumers must dispatch on the tag.
type StreamEntry struct {
	Tag StreamTag
	// Item is the encoded item of a StreamItem entry.
	Item []byte
	// Value is the encoded return value of a StreamEnd entry.
	Value []byte
	// Err is the failure of a StreamError entry.
	Err *errors.Error
}

// generator is the owned resource backing one active remote
// generator: its prefetch queue and the producer goroutine draining
// the source iterator into it.
type generator struct {
	queue *iterq.Queue[interface{}]
	done  chan struct{}
}

// stop cancels the producer and sets the queue's terminal slot so
// that consumers blocked on the queue wake up. The terminal is a
// no-op if the producer already terminated the stream. stop does not
// wait for the producer; callers that need it joined wait on done.
func (g *generator) stop() {
	g.queue.StopEnqueue()
	g.queue.SetTerminal(nil, iterq.ErrStopped)
}

// A PrefetchServer is a Server that additionally exposes the remote
// generator protocol: a lazy object resolving to an iterator is
// installed as the server's single active generator, drained by a
// background producer into a bounded prefetch queue, and consumed by
// the client through Generator.Next/NextBatch calls.
type PrefetchServer struct {
	*Server

	gmu sync.Mutex
	gen *generator
}

// NewPrefetchServer returns an unbuilt prefetching server.
func NewPrefetchServer(registry *lazy.Registry, opts ...ServerOption) *PrefetchServer {
	p := &PrefetchServer{Server: NewServer(registry, opts...)}
	p.bindExtra = func(srv *rpc.Server) error {
		return srv.Register("Generator", &generatorService{p})
	}
	p.onStop = p.stopGenerator
	return p
}

// swap installs g as the active generator and returns the previous
// one, if any, for the caller to cancel and join.
func (p *PrefetchServer) swap(g *generator) *generator {
	p.gmu.Lock()
	old := p.gen
	p.gen = g
	p.gmu.Unlock()
	return old
}

func (p *PrefetchServer) active() *generator {
	p.gmu.Lock()
	defer p.gmu.Unlock()
	return p.gen
}

func (p *PrefetchServer) initGenerator(object []byte) error {
	result, err := p.registry.MakeBytes(object)
	if err != nil {
		return err
	}
	it, ok := result.(Iter)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("courier: %s: %T is not an iterator", p.Ident(), result))
	}
	g := &generator{
		queue: iterq.NewQueue[interface{}](p.prefetch, iterq.IgnoreError()),
		done:  make(chan struct{}),
	}
	// Only one active generator per server: the old producer is
	// stop-signaled and joined before the new one starts.
	if old := p.swap(g); old != nil {
		if !old.queue.Exhausted() {
			log.Printf("courier: %s: new generator initialized while the previous one is not exhausted", p.Ident())
		}
		old.stop()
		<-old.done
	}
	go func() {
		defer close(g.done)
		if err := g.queue.EnqueueFrom(it); err != nil && err != iterq.ErrStopped {
			log.Error.Printf("courier: %s: generator: %v", p.Ident(), err)
		}
	}()
	p.notify(generatorReset)
	return nil
}

// stopGenerator cancels the active producer, if any, waking any
// consumer blocked on its queue. It is invoked at server teardown,
// ahead of the HTTP shutdown drain, so in-flight fetch handlers
// return promptly.
func (p *PrefetchServer) stopGenerator() {
	if old := p.swap(nil); old != nil {
		old.stop()
	}
}

func (p *PrefetchServer) nextBatch(batchSize int) ([]StreamEntry, error) {
	g := p.active()
	if g == nil {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("courier: %s: generator fetch before init", p.Ident()))
	}
	items, err := g.queue.Flush(batchSize, true)
	if err != nil {
		return nil, err
	}
	entries := make([]StreamEntry, 0, len(items)+1)
	for _, item := range items {
		b, err := lazy.Marshal(item)
		if err != nil {
			log.Error.Printf("courier: %s: cannot marshal generator item type %T: %v", p.Ident(), item, err)
			return nil, err
		}
		entries = append(entries, StreamEntry{Tag: StreamItem, Item: b})
	}
	if g.queue.Exhausted() {
		term, _ := g.queue.Terminal()
		if term.Err != nil {
			entries = append(entries, StreamEntry{Tag: StreamError, Err: errors.Recover(term.Err)})
		} else {
			b, err := lazy.Marshal(term.Value)
			if err != nil {
				return nil, err
			}
			entries = append(entries, StreamEntry{Tag: StreamEnd, Value: b})
		}
	}
	return entries, nil
}
