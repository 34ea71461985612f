// Package pglock provides a non-blocking distributed lock backed by
// Postgres session advisory locks. A cluster of edges uses it to converge
// on a single database writer per ingestion event; if the holding process
// dies, the server releases the lock when the connection drops.
package pglock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker acquires and releases advisory locks. Each held lock pins one
// pooled connection, since session locks are scoped to the connection that
// took them.
type Locker struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[string]*pgxpool.Conn
}

func New(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool, held: make(map[string]*pgxpool.Conn)}
}

// KeyID maps a string key onto the 64-bit advisory lock space: the high 64
// bits of sha256(key), masked into the positive signed range.
func KeyID(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]) & 0x7fffffffffffffff)
}

// TryAcquire attempts to take the lock for key without blocking. It
// reports whether the lock was obtained. Acquiring a key this process
// already holds reports false.
func (l *Locker) TryAcquire(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	_, already := l.held[key]
	l.mu.Unlock()
	if already {
		return false, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("pglock: acquiring connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, KeyID(key)).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("pglock: pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	l.mu.Lock()
	if _, raced := l.held[key]; raced {
		// Another goroutine in this process got there first; give the
		// server-side lock back.
		l.mu.Unlock()
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, KeyID(key))
		conn.Release()
		return false, nil
	}
	l.held[key] = conn
	l.mu.Unlock()
	return true, nil
}

// Release frees the lock for key. Releasing a key that is not held is a
// no-op.
func (l *Locker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	conn, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, KeyID(key)); err != nil {
		return fmt.Errorf("pglock: pg_advisory_unlock: %w", err)
	}
	return nil
}

// Close releases every held lock. Called on shutdown.
func (l *Locker) Close(ctx context.Context) {
	l.mu.Lock()
	held := l.held
	l.held = make(map[string]*pgxpool.Conn)
	l.mu.Unlock()
	for key, conn := range held {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, KeyID(key))
		conn.Release()
	}
}
