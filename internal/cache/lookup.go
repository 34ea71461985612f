package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DomainTTL is how long a domain lookup result stays valid.
const DomainTTL = 5 * time.Minute

// Lookup is a TTL'd LRU for database lookup results. Misses are cached
// too, so a flood of requests for an unmapped hostname does not hammer the
// database.
type Lookup[V any] struct {
	lru *expirable.LRU[string, lookupEntry[V]]
}

type lookupEntry[V any] struct {
	val   V
	found bool
}

// NewLookup returns a Lookup holding up to size entries for ttl.
func NewLookup[V any](size int, ttl time.Duration) *Lookup[V] {
	return &Lookup[V]{lru: expirable.NewLRU[string, lookupEntry[V]](size, nil, ttl)}
}

// Get returns the cached value and whether the underlying lookup had found
// anything. The second return distinguishes "cached miss" from "not cached".
func (l *Lookup[V]) Get(key string) (val V, found, cached bool) {
	e, ok := l.lru.Get(key)
	if !ok {
		return val, false, false
	}
	return e.val, e.found, true
}

// Put caches a successful lookup.
func (l *Lookup[V]) Put(key string, val V) {
	l.lru.Add(key, lookupEntry[V]{val: val, found: true})
}

// PutMiss caches a lookup that found nothing.
func (l *Lookup[V]) PutMiss(key string) {
	l.lru.Add(key, lookupEntry[V]{})
}

// Delete drops one entry.
func (l *Lookup[V]) Delete(key string) { l.lru.Remove(key) }

// DeletePrefix drops every entry whose key starts with prefix.
func (l *Lookup[V]) DeletePrefix(prefix string) {
	for _, k := range l.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			l.lru.Remove(k)
		}
	}
}

// Purge drops everything.
func (l *Lookup[V]) Purge() { l.lru.Purge() }

// Len reports the live entry count (expired entries are reaped lazily by
// the underlying LRU and by the periodic sweep).
func (l *Lookup[V]) Len() int { return l.lru.Len() }
