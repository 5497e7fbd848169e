package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/halofi/walletcore/internal/metrics"
)

// Call is a shared in-flight request. Every caller that hit the dedup window
// observes the same result. Purely an optimization: duplicate unmerged calls
// remain safe.
type Call struct {
	done   chan struct{}
	result any
	err    error
}

func newCall() *Call {
	return &Call{done: make(chan struct{})}
}

// complete publishes the result and wakes all waiters. Must be called
// exactly once.
func (c *Call) complete(result any, err error) {
	c.result = result
	c.err = err
	close(c.done)
}

// Wait blocks until the shared call completes or the caller's context ends.
// A canceled waiter does not cancel the shared call.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DedupCache coalesces identical concurrent reads into one network round
// trip. Entries expire after a short TTL.
type DedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*dedupEntry
}

type dedupEntry struct {
	call      *Call
	createdAt time.Time
}

// NewDedupCache creates a cache with the given entry TTL.
func NewDedupCache(ttl time.Duration) *DedupCache {
	return &DedupCache{
		ttl:     ttl,
		entries: make(map[string]*dedupEntry),
	}
}

// dedupKey builds the cache key from the method and its serialized params.
// JSON-RPC params are positional, so plain JSON serialization is canonical
// enough.
func dedupKey(scope, method string, params any) string {
	data, err := json.Marshal(params)
	if err != nil {
		// Unserializable params simply never coalesce.
		return ""
	}
	return scope + ":" + method + ":" + string(data)
}

// Get returns the in-flight call registered for key within the TTL, or nil.
func (d *DedupCache) Get(key string) *Call {
	if key == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[key]
	if !ok {
		return nil
	}
	if time.Since(e.createdAt) > d.ttl {
		delete(d.entries, key)
		return nil
	}
	metrics.DedupHitsTotal.Inc()
	return e.call
}

// Register stores a new in-flight call under key and schedules its eviction.
func (d *DedupCache) Register(key string, call *Call) {
	if key == "" {
		return
	}
	d.mu.Lock()
	d.entries[key] = &dedupEntry{call: call, createdAt: time.Now()}
	d.mu.Unlock()

	time.AfterFunc(d.ttl, func() {
		d.mu.Lock()
		if e, ok := d.entries[key]; ok && e.call == call {
			delete(d.entries, key)
		}
		d.mu.Unlock()
	})
}

// GetOrRegister returns the live in-flight call for key, or atomically
// registers a fresh one. The boolean reports whether the returned call is
// new and therefore owned by the caller, who must complete it.
func (d *DedupCache) GetOrRegister(key string) (*Call, bool) {
	if key == "" {
		return newCall(), true
	}
	d.mu.Lock()
	if e, ok := d.entries[key]; ok && time.Since(e.createdAt) <= d.ttl {
		d.mu.Unlock()
		metrics.DedupHitsTotal.Inc()
		return e.call, false
	}
	call := newCall()
	d.entries[key] = &dedupEntry{call: call, createdAt: time.Now()}
	d.mu.Unlock()

	time.AfterFunc(d.ttl, func() {
		d.mu.Lock()
		if e, ok := d.entries[key]; ok && e.call == call {
			delete(d.entries, key)
		}
		d.mu.Unlock()
	})
	return call, true
}

// Len reports the number of live entries, for tests.
func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
