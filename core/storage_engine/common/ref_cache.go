package common

import (
	"fmt"
	"sync"
)

// RefCache shares one loaded value per key between concurrent users. Every
// Get must be paired with a Release; the value is handed to the release
// function once the last reference is dropped. Loads run outside the cache
// lock, concurrent Gets of a key being loaded wait for the first load.
type RefCache[K comparable, V any] struct {
	mu      sync.Mutex
	values  map[K]V
	refs    map[K]int
	loading map[K]chan struct{}

	load    func(K) (V, error)
	release func(V)
}

// NewRefCache creates a cache using load to materialize missing keys and
// release to hand a value back once it is no longer referenced.
func NewRefCache[K comparable, V any](load func(K) (V, error), release func(V)) *RefCache[K, V] {
	return &RefCache[K, V]{
		values:  make(map[K]V),
		refs:    make(map[K]int),
		loading: make(map[K]chan struct{}),
		load:    load,
		release: release,
	}
}

// Get returns the value for key, loading it if necessary, and takes a reference.
func (c *RefCache[K, V]) Get(key K) (V, error) {
	for {
		c.mu.Lock()
		if ch, ok := c.loading[key]; ok {
			c.mu.Unlock()
			<-ch
			continue
		}
		if v, ok := c.values[key]; ok {
			c.refs[key]++
			c.mu.Unlock()
			return v, nil
		}
		ch := make(chan struct{})
		c.loading[key] = ch
		c.mu.Unlock()

		v, err := c.load(key)

		c.mu.Lock()
		delete(c.loading, key)
		close(ch)
		if err != nil {
			c.mu.Unlock()
			var zero V
			return zero, err
		}
		c.values[key] = v
		c.refs[key] = 1
		c.mu.Unlock()
		return v, nil
	}
}

// Release drops one reference to key.
func (c *RefCache[K, V]) Release(key K) {
	c.mu.Lock()
	n, ok := c.refs[key]
	if !ok {
		c.mu.Unlock()
		panic(fmt.Sprintf("refcache: release of unreferenced key %v", key))
	}
	if n > 1 {
		c.refs[key] = n - 1
		c.mu.Unlock()
		return
	}
	v := c.values[key]
	delete(c.refs, key)
	delete(c.values, key)
	c.mu.Unlock()
	c.release(v)
}

// Len returns the number of referenced keys.
func (c *RefCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

// Close releases every cached value regardless of its reference count.
func (c *RefCache[K, V]) Close() {
	c.mu.Lock()
	values := make([]V, 0, len(c.values))
	for k, v := range c.values {
		values = append(values, v)
		delete(c.values, k)
		delete(c.refs, k)
	}
	c.mu.Unlock()
	for _, v := range values {
		c.release(v)
	}
}
