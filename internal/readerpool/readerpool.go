// Package readerpool implements the reader pool (RP): a bounded set of
// read-only SQLite connections shared by Subscribe and ListTopics calls,
// so read traffic never contends with the single writer connection
// (spec.md §4.8).
package readerpool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/adred-codev/sluice/internal/store"
)

// Pool hands out bounded, context-cancellable checkouts of read-only
// *sql.DB handles. Checkout blocks FIFO once size connections are
// outstanding, rather than opening unbounded new connections under load.
type Pool struct {
	sem   *semaphore.Weighted
	mu    sync.Mutex
	conns []*sql.DB
	free  []*sql.DB
}

// Open creates size read-only connections against path and returns a
// ready Pool. Connections are opened eagerly so a later Get never pays
// connection-open latency under load.
func Open(path string, size int) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool{sem: semaphore.NewWeighted(int64(size))}
	for i := 0; i < size; i++ {
		db, err := store.OpenReader(path)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("readerpool: open connection %d/%d: %w", i+1, size, err)
		}
		p.conns = append(p.conns, db)
		p.free = append(p.free, db)
	}
	return p, nil
}

// Checkout is a leased connection. Callers must call Release exactly
// once, on every code path (mirrors the teacher's connection-pool
// put-back discipline).
type Checkout struct {
	pool *Pool
	db   *sql.DB
}

// DB returns the leased read-only handle.
func (c *Checkout) DB() *sql.DB { return c.db }

// Release returns the connection to the pool, making it available to the
// next blocked Get.
func (c *Checkout) Release() {
	c.pool.mu.Lock()
	c.pool.free = append(c.pool.free, c.db)
	c.pool.mu.Unlock()
	c.pool.sem.Release(1)
}

// Get blocks until a connection is available or ctx is done. Blocking is
// FIFO-fair via the underlying weighted semaphore, matching spec.md
// §4.8's "callers block, they are not rejected" requirement.
func (p *Pool) Get(ctx context.Context) (*Checkout, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("readerpool: acquire: %w", err)
	}
	p.mu.Lock()
	n := len(p.free)
	db := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()
	return &Checkout{pool: p, db: db}, nil
}

// TryGet attempts a non-blocking checkout. ok is false if the pool is
// fully checked out.
func (p *Pool) TryGet() (c *Checkout, ok bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	p.mu.Lock()
	n := len(p.free)
	db := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()
	return &Checkout{pool: p, db: db}, true
}

// Close closes every underlying connection. Not safe to call while
// checkouts are outstanding.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, db := range p.conns {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.conns = nil
	p.free = nil
	return firstErr
}
