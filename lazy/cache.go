// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lazy

import (
	"crypto"
	_ "crypto/sha256" // we use its implementation for object digests
	"sync/atomic"

	"github.com/grailbio/base/digest"
	lru "github.com/hashicorp/golang-lru"
)

var digester = digest.Digester(crypto.SHA256)

// CacheInfo describes the state of a registry's result cache.
type CacheInfo struct {
	Hits, Misses int64
	Entries      int
	Capacity     int
}

// A cache memoizes materialized results keyed by the digest of the
// encoded Object.
type Cache struct {
	lru          *lru.Cache
	capacity     int
	hits, misses int64
}

func newCache(capacity int) *Cache {
	c, err := lru.New(capacity)
	if err != nil {
		panic(err)
	}
	return &Cache{lru: c, capacity: capacity}
}

func (c *Cache) getOrMake(o *Object, call func(*Object) (interface{}, error)) (interface{}, error) {
	b, err := MarshalObject(o)
	if err != nil {
		// An unencodable object cannot be keyed; fall through to a
		// plain call.
		return call(o)
	}
	key := digester.FromBytes(b)
	if v, ok := c.lru.Get(key); ok {
		atomic.AddInt64(&c.hits, 1)
		return v, nil
	}
	atomic.AddInt64(&c.misses, 1)
	v, err := call(o)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, v)
	return v, nil
}

// Info returns the cache's statistics.
func (c *Cache) Info() CacheInfo {
	return CacheInfo{
		Hits:     atomic.LoadInt64(&c.hits),
		Misses:   atomic.LoadInt64(&c.misses),
		Entries:  c.lru.Len(),
		Capacity: c.capacity,
	}
}

// Clear discards all cached results and resets the counters.
func (c *Cache) Clear() {
	c.lru.Purge()
	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
}
