package dedupe

import (
	"container/list"
	"sync"
)

// DefaultSize is the number of fingerprints remembered per socket manager.
const DefaultSize = 200

// Cache remembers the most recently inserted keys up to a fixed capacity.
// Once full, the oldest inserted key is evicted. Looking a key up does not
// refresh its position.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // oldest at front
	maxSize int
}

// New creates a cache holding at most maxSize keys. A non-positive size falls
// back to DefaultSize.
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	return &Cache{
		seen:    make(map[string]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Contains reports whether key is currently remembered.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[key]
	return ok
}

// CheckAndMark atomically checks whether key was already seen and records it
// if not. Returns true for a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[key]; ok {
		return true
	}

	c.seen[key] = c.order.PushBack(key)
	for len(c.seen) > c.maxSize {
		c.evictOldest()
	}
	return false
}

// Len returns the number of remembered keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Reset forgets every key.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]*list.Element, c.maxSize)
	c.order.Init()
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
