package cache

import "sync"

// LRU is a size-bounded least-recently-used map. The analyzers use it to
// memoize materialized function CFGs when running without a snapshot.
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]*lruItem[K, V]
	head    *lruItem[K, V] // most recently used
	tail    *lruItem[K, V] // least recently used
	maxSize int
	onEvict func(key K, value V)
}

type lruItem[K comparable, V any] struct {
	key   K
	value V
	prev  *lruItem[K, V]
	next  *lruItem[K, V]
}

// NewLRU creates an LRU holding at most maxSize entries. 0 means unbounded.
func NewLRU[K comparable, V any](maxSize int, onEvict func(K, V)) *LRU[K, V] {
	return &LRU[K, V]{
		items:   make(map[K]*lruItem[K, V]),
		maxSize: maxSize,
		onEvict: onEvict,
	}
}

// Get retrieves a value and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, found := c.items[key]
	if !found {
		var zero V
		return zero, false
	}
	c.moveToFront(item)
	return item.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		item.value = value
		c.moveToFront(item)
		return
	}

	item := &lruItem[K, V]{key: key, value: value}
	c.items[key] = item
	c.pushFront(item)

	for c.maxSize > 0 && len(c.items) > c.maxSize {
		evicted := c.removeBack()
		delete(c.items, evicted.key)
		if c.onEvict != nil {
			c.onEvict(evicted.key, evicted.value)
		}
	}
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear removes all entries without calling the eviction callback.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*lruItem[K, V])
	c.head = nil
	c.tail = nil
}

func (c *LRU[K, V]) moveToFront(item *lruItem[K, V]) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.pushFront(item)
}

func (c *LRU[K, V]) pushFront(item *lruItem[K, V]) {
	item.prev = nil
	item.next = c.head
	if c.head != nil {
		c.head.prev = item
	}
	c.head = item
	if c.tail == nil {
		c.tail = item
	}
}

func (c *LRU[K, V]) unlink(item *lruItem[K, V]) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev = nil
	item.next = nil
}

func (c *LRU[K, V]) removeBack() *lruItem[K, V] {
	item := c.tail
	c.unlink(item)
	return item
}
