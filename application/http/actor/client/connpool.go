package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"http-pool/lib/ds/queue"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// PoolStats is a snapshot of one destination's connections.
type PoolStats struct {
	Live   int
	Idle   int
	OnLoan int

	LastActivity time.Time
}

// connPool bounds and recycles the connections of one destination.
type connPool struct {
	key     destinationKey
	max     uint
	permits *semaphore.Weighted
	newConn func() *conn

	idleTimeout time.Duration
	logger      *slog.Logger
	clock       clock.Clock

	idle         *queue.NaiveQueue[*conn]
	count        uint
	onLoan       uint
	lastActivity time.Time
	disposed     bool
	mu           sync.Mutex // guards the fields above
	drained      *sync.Cond
}

func newConnPool(
	key destinationKey,
	max uint,
	idleTimeout time.Duration,
	newConn func() *conn,
	logger *slog.Logger,
	clock clock.Clock,
) *connPool {
	pool := &connPool{
		key:          key,
		max:          max,
		permits:      semaphore.NewWeighted(int64(max)),
		newConn:      newConn,
		idleTimeout:  idleTimeout,
		logger:       logger,
		clock:        clock,
		idle:         queue.NewNaive[*conn](max),
		lastActivity: clock.Now(),
	}
	pool.drained = sync.NewCond(&pool.mu)

	return pool
}

// acquire loans out an idle connection or a new one, waiting for a permit.
func (pool *connPool) acquire(ctx context.Context) (*conn, error) {
	if pool.isDisposed() {
		return nil, errPoolDisposed
	}

	if err := pool.permits.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.disposed {
		pool.permits.Release(1)
		return nil, errPoolDisposed
	}

	if c, err := pool.idle.Dequeue(); err == nil {
		pool.onLoan++
		return c, nil
	}

	if pool.count < pool.max {
		pool.count++
		pool.onLoan++
		return pool.newConn(), nil
	}

	pool.permits.Release(1)
	err := errors.Wrapf(ErrPoolInvariant,
		"permit granted with %d live, %d on loan, max %d", pool.count, pool.onLoan, pool.max)
	pool.logger.Error("connection pool is inconsistent",
		slog.String("dst", pool.key.String()),
		slog.Any("error", err),
	)

	return nil, err
}

// release takes back a connection obtained by acquire.
func (pool *connPool) release(c *conn) {
	pool.mu.Lock()
	pool.idle.Enqueue(c)
	pool.onLoan--
	pool.lastActivity = pool.clock.Now()
	pool.drained.Broadcast()
	pool.mu.Unlock()

	pool.permits.Release(1)
}

// cleanup removes idle connections unused for the idle timeout.
// The caller closes the returned connections.
func (pool *connPool) cleanup() []*conn {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	var stale []*conn
	for _, c := range pool.idle.Drain() {
		if pool.disposed || c.isClosed() || c.idleFor() >= pool.idleTimeout {
			stale = append(stale, c)
			pool.count--
			continue
		}
		pool.idle.Enqueue(c)
	}

	return stale
}

// retire disposes the pool if it holds no live connection.
func (pool *connPool) retire() bool {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.disposed || pool.count > 0 {
		return false
	}
	pool.disposed = true
	return true
}

// close disposes the pool once every loan is back.
func (pool *connPool) close() {
	pool.mu.Lock()
	if pool.disposed {
		pool.mu.Unlock()
		return
	}
	pool.disposed = true

	for pool.onLoan > 0 {
		pool.drained.Wait()
	}

	idle := pool.idle.Drain()
	pool.count -= uint(len(idle))
	pool.mu.Unlock()

	for _, c := range idle {
		c.close()
	}
}

func (pool *connPool) stats() PoolStats {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	return PoolStats{
		Live:   int(pool.count),
		Idle:   int(pool.idle.Len()),
		OnLoan: int(pool.onLoan),

		LastActivity: pool.lastActivity,
	}
}

func (pool *connPool) isDisposed() bool {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.disposed
}

// len returns the number of live connections.
func (pool *connPool) len() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return int(pool.count)
}
