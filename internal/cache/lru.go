// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

// Package cache provides bounded in-memory data structures used by the
// pipeline for time-limited retention of audit records.
package cache

import (
	"sync"
	"time"
)

type lruEntry struct {
	key       string
	value     any
	prev      *lruEntry
	next      *lruEntry
	expiresAt time.Time
}

// LRUCache is a thread-safe least-recently-used cache with TTL support.
// Get, Add, Remove, and eviction are all O(1). Expired entries are dropped
// lazily on access and eagerly when capacity is reached.
type LRUCache struct {
	mu sync.Mutex

	capacity int
	ttl      time.Duration

	items map[string]*lruEntry

	// head.next is most recently used, tail.prev least recently used
	head *lruEntry
	tail *lruEntry

	hits   int64
	misses int64
}

// NewLRUCache creates a cache holding at most capacity entries, each
// expiring ttl after insertion.
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c := &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruEntry, capacity),
		head:     &lruEntry{},
		tail:     &lruEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get retrieves a value and marks it most recently used.
func (c *LRUCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.unlink(entry)
		delete(c.items, key)
		c.misses++
		return nil, false
	}

	c.moveToFront(entry)
	c.hits++
	return entry.value, true
}

// Add inserts or replaces a value. When at capacity, the least recently
// used entry is evicted.
func (c *LRUCache) Add(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.items[key]; ok {
		entry.value = value
		entry.expiresAt = now.Add(c.ttl)
		c.moveToFront(entry)
		return
	}

	if len(c.items) >= c.capacity {
		lru := c.tail.prev
		if lru != c.head {
			c.unlink(lru)
			delete(c.items, lru.key)
		}
	}

	entry := &lruEntry{key: key, value: value, expiresAt: now.Add(c.ttl)}
	c.items[key] = entry
	c.linkFront(entry)
}

// Remove deletes an entry if present.
func (c *LRUCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok {
		c.unlink(entry)
		delete(c.items, key)
	}
}

// Len returns the number of non-expired entries.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	n := 0
	for e := c.head.next; e != c.tail; e = e.next {
		if !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}

// Values returns all non-expired values in most-recently-used order.
func (c *LRUCache) Values() []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	out := make([]any, 0, len(c.items))
	for e := c.head.next; e != c.tail; e = e.next {
		if !now.After(e.expiresAt) {
			out = append(out, e.value)
		}
	}
	return out
}

// Stats returns hit and miss counts.
func (c *LRUCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *LRUCache) moveToFront(e *lruEntry) {
	c.unlink(e)
	c.linkFront(e)
}

func (c *LRUCache) linkFront(e *lruEntry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *LRUCache) unlink(e *lruEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}
