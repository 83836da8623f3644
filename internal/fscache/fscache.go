// Package fscache provides two advisory, in-memory LRUs: a
// byte-budgeted content cache keyed by block hash, and an
// entry-budgeted attribute-snapshot cache keyed by inode. Both are
// built on github.com/hashicorp/golang-lru/v2, which doesn't do
// byte-weighted eviction natively, so BlockCache adds a thin byte
// accountant on top.
package fscache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kvfs-project/kvfs/internal/attrengine"
)

// BlockCache holds immutable block payloads keyed by their content hash.
// Safe to share across every reader because HashData is never mutated in
// place (spec.md §4.8); only ever replaced by eviction.
type BlockCache struct {
	mu        sync.Mutex
	lru       *lru.Cache[string, []byte]
	byteLimit int64
	curBytes  int64
}

// NewBlockCache builds a cache that evicts oldest entries once curBytes
// exceeds byteLimit, and also holds at most entryCeiling entries (1<<20
// when entryCeiling <= 0), which guards against degenerate
// all-zero-length-value workloads pinning unbounded map overhead.
func NewBlockCache(byteLimit int64, entryCeiling int) (*BlockCache, error) {
	if entryCeiling <= 0 {
		entryCeiling = 1 << 20
	}
	inner, err := lru.New[string, []byte](entryCeiling)
	if err != nil {
		return nil, err
	}
	return &BlockCache{lru: inner, byteLimit: byteLimit}, nil
}

// Get returns the cached payload for hash, if present.
func (c *BlockCache) Get(hash []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(string(hash))
}

// Put inserts or refreshes hash's payload, then evicts the least-recently
// used entries until curBytes is back within byteLimit.
func (c *BlockCache) Put(hash []byte, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := string(hash)
	if old, ok := c.lru.Peek(key); ok {
		c.curBytes -= int64(len(old))
	}
	c.lru.Add(key, data)
	c.curBytes += int64(len(data))

	for c.byteLimit > 0 && c.curBytes > c.byteLimit {
		_, v, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.curBytes -= int64(len(v))
	}
}

// Invalidate drops hash from the cache; callers do this on reclamation so
// a reused hash value can never serve stale bytes (it never will, since
// hashes are content-addressed, but this keeps memory bounded promptly
// rather than waiting for LRU pressure).
func (c *BlockCache) Invalidate(hash []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.lru.Peek(string(hash)); ok {
		c.curBytes -= int64(len(old))
	}
	c.lru.Remove(string(hash))
}

// AttrSnapshot is one cached attribute read, versioned against
// attrengine's InoAttr.Version so a stale snapshot is never served after
// a concurrent SetAll (spec.md §4.8).
type AttrSnapshot struct {
	Attrs   attrengine.AllAttrs
	Version uint64
	SeenAt  time.Time
}

// AttrCache holds the most recent attribute snapshot per inode, bounded
// by entry count.
type AttrCache struct {
	lru *lru.Cache[uint64, AttrSnapshot]
}

func NewAttrCache(entries int) (*AttrCache, error) {
	inner, err := lru.New[uint64, AttrSnapshot](entries)
	if err != nil {
		return nil, err
	}
	return &AttrCache{lru: inner}, nil
}

// Get returns the cached snapshot only if its version matches
// currentVersion; a mismatch means a writer has since bumped
// InoAttr.Version and the caller must fall through to a transaction.
func (c *AttrCache) Get(ino uint64, currentVersion uint64) (AttrSnapshot, bool) {
	snap, ok := c.lru.Get(ino)
	if !ok || snap.Version != currentVersion {
		return AttrSnapshot{}, false
	}
	return snap, true
}

func (c *AttrCache) Put(ino uint64, snap AttrSnapshot) {
	c.lru.Add(ino, snap)
}

func (c *AttrCache) Invalidate(ino uint64) {
	c.lru.Remove(ino)
}
