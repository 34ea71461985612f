package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
)

// Bytes is a byte-budget cache for file content. Eviction is by insertion
// order, which approximates LRU closely enough for a read-mostly content
// cache and keeps Set O(1).
type Bytes struct {
	mu     sync.Mutex
	budget int64
	size   int64
	order  *list.List // front = oldest
	items  map[string]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type bytesEntry struct {
	key string
	val []byte
}

// NewBytes returns a cache that evicts once stored values exceed budget
// bytes.
func NewBytes(budget int64) *Bytes {
	return &Bytes{
		budget: budget,
		order:  list.New(),
		items:  make(map[string]*list.Element),
	}
}

// Key builds a cache key from its parts. Parts never contain NUL, so the
// separator is unambiguous.
func Key(parts ...string) string { return strings.Join(parts, "\x00") }

func (c *Bytes) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	c.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return el.Value.(*bytesEntry).val, true
}

func (c *Bytes) Set(key string, val []byte) {
	if int64(len(val)) > c.budget {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		old := el.Value.(*bytesEntry)
		c.size += int64(len(val)) - int64(len(old.val))
		old.val = val
		c.order.MoveToBack(el)
	} else {
		c.items[key] = c.order.PushBack(&bytesEntry{key: key, val: val})
		c.size += int64(len(val))
	}
	for c.size > c.budget {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.evict(front)
	}
}

func (c *Bytes) evict(el *list.Element) {
	e := el.Value.(*bytesEntry)
	c.order.Remove(el)
	delete(c.items, e.key)
	c.size -= int64(len(e.val))
}

// DeletePrefix drops every entry whose key starts with prefix. Used to
// invalidate all cached content of one site after ingestion.
func (c *Bytes) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if strings.HasPrefix(el.Value.(*bytesEntry).key, prefix) {
			c.evict(el)
		}
		el = next
	}
}

// Purge empties the cache.
func (c *Bytes) Purge() {
	c.mu.Lock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
	c.size = 0
	c.mu.Unlock()
}

// Stats describes the cache for the observability surface.
type Stats struct {
	Entries  int     `json:"entries"`
	Bytes    int64   `json:"bytes"`
	Budget   int64   `json:"budget"`
	HitRatio float64 `json:"hitRatio"`
}

func (c *Bytes) Stats() Stats {
	c.mu.Lock()
	entries, size := len(c.items), c.size
	c.mu.Unlock()
	h, m := c.hits.Load(), c.misses.Load()
	ratio := 0.0
	if h+m > 0 {
		ratio = float64(h) / float64(h+m)
	}
	return Stats{Entries: entries, Bytes: size, Budget: c.budget, HitRatio: ratio}
}
