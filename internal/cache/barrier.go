// Package cache holds the process-local content caches, the TTL domain
// lookup caches, and the being-cached barrier that hides the gap in the
// snapshot rename pair from readers.
package cache

import "sync"

// Barrier is the set of (did, site) pairs currently being re-materialized.
// Readers that observe a marked pair must answer 503 instead of touching
// the site directory.
type Barrier struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func NewBarrier() *Barrier {
	return &Barrier{set: make(map[string]struct{})}
}

func barrierKey(did, site string) string { return did + "\x00" + site }

// Mark records that the site's snapshot is being swapped.
func (b *Barrier) Mark(did, site string) {
	b.mu.Lock()
	b.set[barrierKey(did, site)] = struct{}{}
	b.mu.Unlock()
}

// TryMark marks the site and reports whether the mark was acquired. A
// false return means another goroutine is already materializing the pair.
func (b *Barrier) TryMark(did, site string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := barrierKey(did, site)
	if _, ok := b.set[k]; ok {
		return false
	}
	b.set[k] = struct{}{}
	return true
}

// Unmark clears the mark. Idempotent.
func (b *Barrier) Unmark(did, site string) {
	b.mu.Lock()
	delete(b.set, barrierKey(did, site))
	b.mu.Unlock()
}

// IsBeingCached reports whether the site is currently marked.
func (b *Barrier) IsBeingCached(did, site string) bool {
	b.mu.Lock()
	_, ok := b.set[barrierKey(did, site)]
	b.mu.Unlock()
	return ok
}
