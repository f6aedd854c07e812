package coalesce

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// Keyed coalesces calls per key, keeping one Coalescer for each key.
//
// At most size keys are tracked. When a new key pushes out the least recently
// used one, the evicted Coalescer is flushed so its pending call is not lost.
// Errors from that flush go to the evicted Coalescer's error handler. The
// flush runs on the caller of Call, so wrapped functions must not call back
// into the Keyed.
type Keyed[K comparable, A, R any] struct {
	build func(K) (*Coalescer[A, R], error)

	mu        sync.Mutex // serializes get-or-build and removal
	cache     *lru.Cache[K, *Coalescer[A, R]]
	detaching bool // set under mu while Cancel removes entries; skips the eviction flush
}

// NewKeyed returns a Keyed that creates coalescers with build on first use of
// a key.
func NewKeyed[K comparable, A, R any](size int, build func(K) (*Coalescer[A, R], error)) (*Keyed[K, A, R], error) {
	if build == nil {
		return nil, ErrNilFunc
	}
	k := &Keyed[K, A, R]{build: build}
	cache, err := lru.NewWithEvict(size, func(_ K, c *Coalescer[A, R]) {
		if k.detaching {
			return
		}
		if _, err := c.Flush(); err != nil {
			c.report(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "keyed coalescer of size %d", size)
	}
	k.cache = cache
	return k, nil
}

// Call records a call with arg on the Coalescer for key.
func (k *Keyed[K, A, R]) Call(key K, arg A) (R, error) {
	c, err := k.get(key)
	if err != nil {
		var zero R
		return zero, err
	}
	return c.Call(arg)
}

// Flush flushes the Coalescer for key. Unknown keys return the zero result.
func (k *Keyed[K, A, R]) Flush(key K) (R, error) {
	c, ok := k.cache.Peek(key)
	if !ok {
		var zero R
		return zero, nil
	}
	return c.Flush()
}

// Cancel cancels and forgets the Coalescer for key.
func (k *Keyed[K, A, R]) Cancel(key K) {
	k.mu.Lock()
	defer k.mu.Unlock()

	c, ok := k.cache.Peek(key)
	if !ok {
		return
	}
	k.detaching = true
	k.cache.Remove(key)
	k.detaching = false
	c.Cancel()
}

// FlushAll flushes every tracked Coalescer and returns the first error.
func (k *Keyed[K, A, R]) FlushAll() error {
	var first error
	for _, key := range k.cache.Keys() {
		c, ok := k.cache.Peek(key)
		if !ok {
			continue
		}
		if _, err := c.Flush(); err != nil && first == nil {
			first = errors.WithMessagef(err, "flush %v", key)
		}
	}
	return first
}

// CancelAll cancels and forgets every tracked Coalescer.
func (k *Keyed[K, A, R]) CancelAll() {
	k.mu.Lock()
	defer k.mu.Unlock()

	values := k.cache.Values()
	k.detaching = true
	k.cache.Purge()
	k.detaching = false
	for _, c := range values {
		c.Cancel()
	}
}

// Len returns the number of tracked keys.
func (k *Keyed[K, A, R]) Len() int {
	return k.cache.Len()
}

func (k *Keyed[K, A, R]) get(key K) (*Coalescer[A, R], error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if c, ok := k.cache.Get(key); ok {
		return c, nil
	}
	c, err := k.build(key)
	if err != nil {
		return nil, errors.WithMessagef(err, "build coalescer for %v", key)
	}
	k.cache.Add(key, c)
	return c, nil
}
