// Package client executes HTTP/1.1 requests over pooled connections.
package client

import (
	"context"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"http-pool/application/http/semantic"
	"http-pool/application/http/transfer"
	"http-pool/transport"
	"http-pool/transport/tcp"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Executor routes requests to a connection pool per destination.
type Executor struct {
	dialer   transport.ConnDialer
	transfer *transfer.CodingApplier
	logger   *slog.Logger
	clock    clock.Clock
	opts     Options

	pools       map[destinationKey]*connPool
	lastCleanup time.Time
	guard       *semaphore.Weighted // guards the fields above

	closing   context.Context
	cancel    context.CancelFunc
	sweepDone chan struct{}
	closeOnce sync.Once
	disposed  atomic.Bool
}

// New creates an executor and starts its background sweep.
// A nil dialer dials plain TCP.
func New(dialer transport.ConnDialer, logger *slog.Logger, clock clock.Clock, opts Options) (*Executor, error) {
	opts = opts.clone()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if dialer == nil {
		dialer = tcp.NewDialer(opts.Timeout.DialTimeout, opts.Hooks.OnDialerSetup)
	}

	e := &Executor{
		dialer:    dialer,
		transfer:  transfer.NewCodingApplier(opts.ExtraTransferCoders),
		logger:    logger,
		clock:     clock,
		opts:      opts,
		pools:     make(map[destinationKey]*connPool),
		guard:     semaphore.NewWeighted(1),
		sweepDone: make(chan struct{}),
	}
	e.closing, e.cancel = context.WithCancel(context.Background())

	go e.sweep()

	return e, nil
}

// Execute sends req to target through the proxy chosen by the configured resolver.
func (e *Executor) Execute(ctx context.Context, req *semantic.Request, target *url.URL) (*semantic.Response, error) {
	var proxy *url.URL
	if resolve := e.opts.Proxy.Resolve; resolve != nil {
		p, err := resolve(target)
		if err != nil {
			return nil, errors.Wrap(err, "resolving proxy")
		}
		if p != nil && !sameEndpoint(p, target) {
			proxy = p
		}
	}

	return e.ExecuteWithProxy(ctx, req, target, proxy)
}

// ExecuteWithProxy sends req to target, through proxy unless it is nil.
// req itself is left unchanged apart from its body, which is consumed.
// The returned response body is fully buffered.
func (e *Executor) ExecuteWithProxy(
	ctx context.Context,
	req *semantic.Request,
	target, proxy *url.URL,
) (*semantic.Response, error) {
	if e.disposed.Load() {
		return nil, ErrDisposed
	}

	key, err := newDestinationKey(target, proxy)
	if err != nil {
		return nil, errors.Wrap(err, "invalid destination")
	}

	req = cloneRequest(req)
	if req.URL == nil {
		req.URL = target
	}
	if _, ok := req.Headers.Get("Host"); !ok {
		req.Host = key.authority()
		req.Headers.Set("Host", req.Host)
	}

	if ctx.Done() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.closing, cancel)
	defer stop()

	for {
		pool, err := e.pool(ctx, key, proxy)
		if err != nil {
			return nil, err
		}

		c, err := pool.acquire(ctx)
		if errors.Is(err, errPoolDisposed) {
			// Retired by a sweep after lookup.
			continue
		}
		if err != nil {
			return nil, err
		}
		defer pool.release(c)

		return c.execute(ctx, req)
	}
}

// cloneRequest copies req deep enough that framing and header
// rewrites stay off the caller's value. The body is shared.
func cloneRequest(req *semantic.Request) *semantic.Request {
	clone := *req
	clone.Headers = semantic.NewHeaders(req.Headers.Fields())
	clone.TransferEncoding = slices.Clone(req.TransferEncoding)
	if req.ContentLength != nil {
		l := *req.ContentLength
		clone.ContentLength = &l
	}
	return &clone
}

// pool returns the pool for key, creating it on first use.
func (e *Executor) pool(ctx context.Context, key destinationKey, proxy *url.URL) (*connPool, error) {
	if err := e.guard.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.guard.Release(1)

	if e.disposed.Load() {
		return nil, ErrDisposed
	}

	if pool, ok := e.pools[key]; ok && !pool.isDisposed() {
		return pool, nil
	}

	auth, err := proxyAuthorization(proxy, e.opts.Proxy.Credentials)
	if err != nil {
		return nil, err
	}

	pool := newConnPool(
		key,
		e.opts.Conn.MaxConnsPerHost,
		e.opts.Timeout.IdleTimeout,
		func() *conn {
			return newConn(key, auth, e.dialer, e.transfer, e.logger, e.clock, e.opts)
		},
		e.logger,
		e.clock,
	)
	e.pools[key] = pool
	e.logger.Debug("connection pool created", slog.String("dst", key.String()))

	return pool, nil
}

// Cleanup closes connections idle for longer than the idle timeout
// and forgets destinations left without connections.
// It does nothing when the previous cleanup was too recent.
func (e *Executor) Cleanup(ctx context.Context) error {
	if e.disposed.Load() {
		return ErrDisposed
	}

	if err := e.guard.Acquire(ctx, 1); err != nil {
		return err
	}

	now := e.clock.Now()
	if !e.lastCleanup.IsZero() && now.Sub(e.lastCleanup) < e.opts.Timeout.MinCleanupInterval {
		e.guard.Release(1)
		return nil
	}
	e.lastCleanup = now

	var (
		stale   []*conn
		removed []destinationKey
		err     error
	)
	for key, pool := range e.pools {
		if err = ctx.Err(); err != nil {
			break
		}

		stale = append(stale, pool.cleanup()...)
		if pool.retire() {
			delete(e.pools, key)
			removed = append(removed, key)
		}
	}
	e.guard.Release(1)

	for _, c := range stale {
		c.close()
	}
	for _, key := range removed {
		e.logger.Debug("connection pool removed", slog.String("dst", key.String()))
	}
	e.logger.Debug("cleanup finished",
		slog.Int("closed", len(stale)),
		slog.Int("removed", len(removed)),
	)

	return err
}

// PoolStats returns connection counts per destination.
func (e *Executor) PoolStats() map[string]PoolStats {
	// Cannot fail with a background context.
	_ = e.guard.Acquire(context.Background(), 1)
	defer e.guard.Release(1)

	stats := make(map[string]PoolStats, len(e.pools))
	for key, pool := range e.pools {
		stats[key.String()] = pool.stats()
	}
	return stats
}

// Close cancels in-flight requests and closes every connection.
// It is safe to call more than once.
func (e *Executor) Close() error {
	e.closeOnce.Do(func() {
		e.disposed.Store(true)
		e.cancel()
		<-e.sweepDone

		_ = e.guard.Acquire(context.Background(), 1)
		pools := e.pools
		e.pools = nil
		e.guard.Release(1)

		for _, pool := range pools {
			pool.close()
		}
	})

	return nil
}

func (e *Executor) sweep() {
	defer close(e.sweepDone)

	ticker := e.clock.Ticker(e.opts.Timeout.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closing.Done():
			return
		case <-ticker.C:
			if err := e.Cleanup(e.closing); err != nil {
				if e.closing.Err() != nil {
					return
				}
				e.logger.Error("unexpected error when sweeping idle connections", slog.Any("error", err))
			}
		}
	}
}
