// Keystream - Ordered Per-User Activity Event Pipeline
// Copyright 2026 Syed Umer Tariq (syedumertariq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syedumertariq/keystream

package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestLRUCache_AddGet(t *testing.T) {
	c := NewLRUCache(10, time.Minute)

	c.Add("a", 1)
	c.Add("b", 2)

	v, ok := c.Get("a")
	if !ok || v.(int) != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get(missing) returned ok")
	}
}

func TestLRUCache_Eviction(t *testing.T) {
	c := NewLRUCache(3, time.Minute)

	for i := 0; i < 3; i++ {
		c.Add(fmt.Sprintf("k%d", i), i)
	}

	// Touch k0 so k1 becomes least recently used.
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("k0 missing before eviction")
	}

	c.Add("k3", 3)

	if _, ok := c.Get("k1"); ok {
		t.Fatal("k1 should have been evicted")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("%s should still be present", k)
		}
	}
}

func TestLRUCache_TTLExpiry(t *testing.T) {
	c := NewLRUCache(10, 20*time.Millisecond)

	c.Add("a", 1)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("entry expired immediately")
	}

	time.Sleep(40 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Fatal("entry should have expired")
	}
	if n := c.Len(); n != 0 {
		t.Fatalf("Len() = %d after expiry, want 0", n)
	}
}

func TestLRUCache_ValuesOrder(t *testing.T) {
	c := NewLRUCache(10, time.Minute)

	c.Add("a", "first")
	c.Add("b", "second")
	c.Add("c", "third")

	vals := c.Values()
	if len(vals) != 3 {
		t.Fatalf("Values() returned %d entries, want 3", len(vals))
	}
	if vals[0].(string) != "third" {
		t.Fatalf("Values()[0] = %v, want most recent first", vals[0])
	}
}

func TestLRUCache_Remove(t *testing.T) {
	c := NewLRUCache(10, time.Minute)

	c.Add("a", 1)
	c.Remove("a")
	c.Remove("never-existed")

	if _, ok := c.Get("a"); ok {
		t.Fatal("removed entry still present")
	}
}
