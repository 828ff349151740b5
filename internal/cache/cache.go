package cache

import (
	"container/list"
	"errors"
	"fmt"
	"time"

	"authgate/internal/scheduler"
)

var (
	ErrEmptyCache           = errors.New("cache is empty")
	ErrInvalidConfiguration = errors.New("invalid cache configuration")
)

// Scheduler delivers deferred callbacks on the goroutine that owns the cache.
// Cancel must accept nil and timers that already fired.
type Scheduler interface {
	After(d time.Duration, fn func()) *scheduler.Timer
	Cancel(t *scheduler.Timer)
}

// EvictReason tells an eviction hook why an entry left the cache.
type EvictReason int

const (
	Expired EvictReason = iota + 1
	Capacity
	Removed
)

func (r EvictReason) String() string {
	switch r {
	case Expired:
		return "expired"
	case Capacity:
		return "capacity"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("EvictReason(%d)", int(r))
	}
}

// Stats counts cache activity since construction.
type Stats struct {
	Hits              uint64 `json:"hits"`
	Misses            uint64 `json:"misses"`
	Expirations       uint64 `json:"expirations"`
	CapacityEvictions uint64 `json:"capacity_evictions"`
	Removals          uint64 `json:"removals"`
	Size              int    `json:"size"`
	MaxSize           int    `json:"max_size"`
}

type entry[K comparable, V any] struct {
	key   K
	value V
	timer *scheduler.Timer
}

// Cache is an LRU cache with a per-entry idle timeout.
type Cache[K comparable, V any] struct {
	maxSize int
	timeout time.Duration
	sched   Scheduler

	items map[K]*list.Element
	lru   *list.List // Front = most recently used, Back = least recently used

	onEvict func(key K, value V, reason EvictReason)
	stats   Stats
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithOnEvict registers fn to be called whenever an entry leaves the cache
// through expiry, capacity eviction or explicit removal. Replacing the value
// of an existing key does not call it.
func WithOnEvict[K comparable, V any](fn func(key K, value V, reason EvictReason)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onEvict = fn
	}
}

// New builds a cache holding at most maxSize entries, each dropped after
// timeout without access. maxSize must be positive. A timeout <= 0 expires
// entries on the scheduler's next tick.
func New[K comparable, V any](maxSize int, timeout time.Duration, s Scheduler, opts ...Option[K, V]) (*Cache[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("%w: max size must be positive, got %d", ErrInvalidConfiguration, maxSize)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: scheduler is required", ErrInvalidConfiguration)
	}
	if timeout < 0 {
		timeout = 0
	}

	c := &Cache[K, V]{
		maxSize: maxSize,
		timeout: timeout,
		sched:   s,
		items:   make(map[K]*list.Element),
		lru:     list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Has reports whether key is cached. It neither refreshes recency nor the
// idle timer.
func (c *Cache[K, V]) Has(key K) bool {
	_, ok := c.items[key]
	return ok
}

// Get returns the value for key and marks it most recently used, granting it
// a fresh idle timeout. The bool is false on a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++

	e := el.Value.(*entry[K, V])
	c.lru.MoveToFront(el)
	c.arm(e)
	return e.value, true
}

// Put stores value under key as the most recently used entry with a fresh
// idle timeout. When a new key pushes the cache over capacity the least
// recently used entry is evicted and its value returned with true.
func (c *Cache[K, V]) Put(key K, value V) (V, bool) {
	var zero V

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		c.lru.MoveToFront(el)
		c.arm(e)
		return zero, false
	}

	e := &entry[K, V]{key: key, value: value}
	c.items[key] = c.lru.PushFront(e)
	c.arm(e)

	if c.lru.Len() <= c.maxSize {
		return zero, false
	}
	victim := c.lru.Back().Value.(*entry[K, V])
	c.remove(victim, Capacity)
	return victim.value, true
}

// Delete removes key, returning its value when it was present.
func (c *Cache[K, V]) Delete(key K) (V, bool) {
	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	c.remove(e, Removed)
	return e.value, true
}

// PopMostRecentlyUsed removes and returns the most recently used value.
func (c *Cache[K, V]) PopMostRecentlyUsed() (V, error) {
	el := c.lru.Front()
	if el == nil {
		var zero V
		return zero, ErrEmptyCache
	}
	e := el.Value.(*entry[K, V])
	c.remove(e, Removed)
	return e.value, nil
}

// Clear removes every entry and returns how many were dropped.
func (c *Cache[K, V]) Clear() int {
	n := c.lru.Len()
	for el := c.lru.Back(); el != nil; el = c.lru.Back() {
		c.remove(el.Value.(*entry[K, V]), Removed)
	}
	return n
}

// Snapshot copies the current contents. Entries may expire right after.
func (c *Cache[K, V]) Snapshot() map[K]V {
	out := make(map[K]V, len(c.items))
	for k, el := range c.items {
		out[k] = el.Value.(*entry[K, V]).value
	}
	return out
}

// Keys returns keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	out := make([]K, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry[K, V]).key)
	}
	return out
}

func (c *Cache[K, V]) Len() int { return c.lru.Len() }

func (c *Cache[K, V]) MaxSize() int { return c.maxSize }

func (c *Cache[K, V]) Timeout() time.Duration { return c.timeout }

func (c *Cache[K, V]) Stats() Stats {
	s := c.stats
	s.Size = c.lru.Len()
	s.MaxSize = c.maxSize
	return s
}

// arm replaces the entry's pending timer with one for the full timeout.
func (c *Cache[K, V]) arm(e *entry[K, V]) {
	c.sched.Cancel(e.timer)
	var t *scheduler.Timer
	t = c.sched.After(c.timeout, func() { c.expire(e, t) })
	e.timer = t
}

// expire runs from the scheduler. It only removes e if t is still the live
// timer of the live entry for e.key.
func (c *Cache[K, V]) expire(e *entry[K, V], t *scheduler.Timer) {
	if e.timer != t {
		return
	}
	el, ok := c.items[e.key]
	if !ok || el.Value.(*entry[K, V]) != e {
		return
	}
	c.remove(e, Expired)
}

func (c *Cache[K, V]) remove(e *entry[K, V], reason EvictReason) {
	el, ok := c.items[e.key]
	if !ok {
		return
	}
	delete(c.items, e.key)
	c.lru.Remove(el)
	c.sched.Cancel(e.timer)
	e.timer = nil

	switch reason {
	case Expired:
		c.stats.Expirations++
	case Capacity:
		c.stats.CapacityEvictions++
	case Removed:
		c.stats.Removals++
	}
	if c.onEvict != nil {
		c.onEvict(e.key, e.value, reason)
	}
}
