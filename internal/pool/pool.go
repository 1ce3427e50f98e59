// Package pool provides a keyed free list for recycling native GPU objects
// between frames.
//
// Objects are returned with Put and taken back with Take. When the pool
// holds more than its soft limit, the least recently returned objects are
// handed to the release callback and dropped.
//
//	p := pool.New[key, framegraph.Image](32, dev.DestroyImage)
//	p.Put(k, img)
//	img, ok := p.Take(k)
package pool

import "sync"

// Pool is a thread-safe keyed free list with a soft limit.
// Pool must not be copied after creation (has mutex).
type Pool[K comparable, V any] struct {
	mu        sync.Mutex
	entries   map[K][]*entry[V]
	size      int
	softLimit int
	tick      int64 // Monotonic put counter
	release   func(V)
	stats     Stats
}

type entry[V any] struct {
	value V
	atime int64
}

// Stats contains pool statistics.
type Stats struct {
	// Len is the number of idle objects.
	Len int
	// Capacity is the soft limit.
	Capacity int
	// Hits counts Take calls that returned an object.
	Hits uint64
	// Misses counts Take calls that found nothing.
	Misses uint64
	// Evictions counts objects handed to the release callback.
	Evictions uint64
}

// New creates a pool with the given soft limit. A softLimit of 0 means
// unlimited. release may be nil.
func New[K comparable, V any](softLimit int, release func(V)) *Pool[K, V] {
	return &Pool[K, V]{
		entries:   make(map[K][]*entry[V]),
		softLimit: softLimit,
		release:   release,
	}
}

// Take removes and returns the most recently returned object for key.
func (p *Pool[K, V]) Take(key K) (V, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.entries[key]
	if len(list) == 0 {
		p.stats.Misses++
		var zero V
		return zero, false
	}
	e := list[len(list)-1]
	list[len(list)-1] = nil
	if len(list) == 1 {
		delete(p.entries, key)
	} else {
		p.entries[key] = list[:len(list)-1]
	}
	p.size--
	p.stats.Hits++
	return e.value, true
}

// Put returns an object to the pool.
// If the pool exceeds its soft limit, the oldest objects are released.
func (p *Pool[K, V]) Put(key K, value V) {
	p.mu.Lock()
	var evicted []V
	p.tick++
	p.entries[key] = append(p.entries[key], &entry[V]{value: value, atime: p.tick})
	p.size++
	if p.softLimit > 0 && p.size > p.softLimit {
		evicted = p.evictOldest()
	}
	p.mu.Unlock()

	p.releaseAll(evicted)
}

// Len returns the number of idle objects.
func (p *Pool[K, V]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Stats returns pool statistics.
func (p *Pool[K, V]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Len = p.size
	s.Capacity = p.softLimit
	return s
}

// Drain releases every idle object.
func (p *Pool[K, V]) Drain() {
	p.mu.Lock()
	var all []V
	for _, list := range p.entries {
		for _, e := range list {
			all = append(all, e.value)
		}
	}
	p.entries = make(map[K][]*entry[V])
	p.size = 0
	p.tick = 0
	p.mu.Unlock()

	p.releaseAll(all)
}

func (p *Pool[K, V]) releaseAll(values []V) {
	if p.release == nil {
		return
	}
	for _, v := range values {
		p.release(v)
	}
}

// evictOldest removes objects until the pool is at 3/4 of its soft limit
// and returns them. Caller must hold p.mu.
func (p *Pool[K, V]) evictOldest() []V {
	targetSize := p.softLimit * 3 / 4
	if targetSize < 1 {
		targetSize = 1
	}
	toEvict := p.size - targetSize
	if toEvict <= 0 {
		return nil
	}

	evicted := make([]V, 0, toEvict)
	for ; toEvict > 0; toEvict-- {
		var (
			oldestKey K
			oldestIdx = -1
			oldest    int64
		)
		for key, list := range p.entries {
			// Lists are ordered by atime, so the head is the oldest.
			if oldestIdx < 0 || list[0].atime < oldest {
				oldestKey, oldestIdx, oldest = key, 0, list[0].atime
			}
		}
		if oldestIdx < 0 {
			break
		}
		list := p.entries[oldestKey]
		evicted = append(evicted, list[0].value)
		if len(list) == 1 {
			delete(p.entries, oldestKey)
		} else {
			p.entries[oldestKey] = list[1:]
		}
		p.size--
		p.stats.Evictions++
	}
	return evicted
}
