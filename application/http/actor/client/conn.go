package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"http-pool/application/http"
	"http-pool/application/http/semantic"
	"http-pool/application/http/semantic/status"
	"http-pool/application/http/transfer"
	iolib "http-pool/lib/io"
	"http-pool/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var (
	aLongTimeAgo = time.Unix(1, 0)
	noDeadline   = time.Time{}
)

type connState int32

const (
	stateNew connState = iota
	stateConnecting
	stateTunnelPending
	stateTunneling
	stateTLSHandshaking
	stateReady
	stateBusy
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateConnecting:
		return "connecting"
	case stateTunnelPending:
		return "tunnel-pending"
	case stateTunneling:
		return "tunneling"
	case stateTLSHandshaking:
		return "tls-handshaking"
	case stateReady:
		return "ready"
	case stateBusy:
		return "busy"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// conn is a reusable connection to one destination.
// The channel is established lazily and re-established after a teardown.
type conn struct {
	target transport.Addr
	proxy  transport.Addr

	viaProxy    bool
	secure      bool
	secureProxy bool
	proxyAuth   string

	dialer   transport.ConnDialer
	transfer *transfer.CodingApplier
	logger   *slog.Logger
	clock    clock.Clock
	opts     Options

	busy atomic.Bool

	state    connState
	pipe     *pipeline
	lastUsed time.Time
	mu       sync.Mutex // guards the fields above
}

func newConn(
	key destinationKey,
	proxyAuth string,
	dialer transport.ConnDialer,
	transfer *transfer.CodingApplier,
	logger *slog.Logger,
	clock clock.Clock,
	opts Options,
) *conn {
	c := &conn{
		target:    key.target(),
		secure:    key.scheme == "https",
		proxyAuth: proxyAuth,
		dialer:    dialer,
		transfer:  transfer,
		logger:    logger,
		clock:     clock,
		opts:      opts,
		lastUsed:  clock.Now(),
	}
	c.proxy, c.viaProxy = key.proxy()
	c.secureProxy = c.viaProxy && key.proxyScheme == "https"

	return c
}

type exchangeResult struct {
	res *semantic.Response
	err error
}

// execute sends req and returns the fully read response.
// Only one exchange may be in flight at a time.
func (c *conn) execute(ctx context.Context, req *semantic.Request) (*semantic.Response, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrConnBusy
	}
	defer c.busy.Store(false)

	if c.currentState() == stateClosed {
		return nil, ErrDisposed
	}

	done := make(chan exchangeResult, 1)
	go func() {
		res, err := c.exchange(ctx, req)
		done <- exchangeResult{res: res, err: err}
	}()

	select {
	case result := <-done:
		if result.err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return result.res, result.err
	case <-ctx.Done():
		c.abort()
		<-done
		return nil, ctx.Err()
	}
}

func (c *conn) exchange(ctx context.Context, req *semantic.Request) (*semantic.Response, error) {
	p, err := c.ready(ctx)
	if err != nil {
		return nil, err
	}
	c.transition(p, stateBusy)

	form := semantic.OriginForm
	if c.viaProxy && !c.secure {
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2.2
		form = semantic.AbsoluteForm
		if c.proxyAuth != "" {
			req.Headers.Set("Proxy-Authorization", c.proxyAuth)
		}
	}

	if err := c.frameBody(req); err != nil {
		c.transition(p, stateReady)
		return nil, errors.Wrap(err, "framing request body")
	}

	if err := p.enc.Encode(req.RawRequest(form)); err != nil {
		c.teardown(p)
		return nil, transportError("write", c.target.String(), err)
	}

	res, err := c.readResponse(p)
	if err != nil {
		c.teardown(p)
		return nil, err
	}

	keepAlive, err := c.aggregate(res, req.Method)
	if err != nil {
		c.teardown(p)
		return nil, err
	}

	if !keepAlive || req.Headers.Has("Connection", "close") {
		c.teardown(p)
	} else {
		c.transition(p, stateReady)
	}
	c.touch()

	return res, nil
}

// ready returns a usable channel, establishing one when needed.
func (c *conn) ready(ctx context.Context) (*pipeline, error) {
	c.mu.Lock()
	p := c.pipe
	c.mu.Unlock()

	if p != nil {
		if p.alive() {
			return p, nil
		}
		c.logger.Debug("reconnecting stale channel", slog.String("dst", c.target.String()))
		c.teardown(p)
	}

	return c.establish(ctx)
}

func (c *conn) establish(ctx context.Context) (*pipeline, error) {
	addr := c.target
	if c.viaProxy {
		addr = c.proxy
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}
	c.state = stateConnecting
	c.mu.Unlock()

	raw, err := c.dialer.Dial(ctx, addr)
	if err != nil {
		c.mu.Lock()
		if c.state == stateConnecting {
			c.state = stateNew
		}
		c.mu.Unlock()
		return nil, transportError("dial", addr.String(), err)
	}

	if c.opts.Hooks.OnPipelineSetup != nil {
		c.opts.Hooks.OnPipelineSetup(raw)
	}

	p := newPipeline(raw)
	if err := c.register(ctx, p); err != nil {
		return nil, err
	}

	if err := c.handshake(ctx, p); err != nil {
		c.teardown(p)
		return nil, err
	}

	c.transition(p, stateReady)
	c.logger.Debug("channel established",
		slog.String("dst", c.target.String()),
		slog.Any("layers", p.layers),
	)

	return p, nil
}

// register publishes p so that abort can reach it.
func (c *conn) register(ctx context.Context, p *pipeline) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosed {
		p.raw.Close()
		return ErrDisposed
	}
	if err := ctx.Err(); err != nil {
		p.raw.Close()
		c.state = stateNew
		return err
	}

	c.pipe = p
	return nil
}

func (c *conn) handshake(ctx context.Context, p *pipeline) error {
	if c.secureProxy {
		if err := p.installTLS(ctx, layerProxyTLS, newTLSConfig(c.proxy.Host, c.opts.TLS)); err != nil {
			return transportError("proxy tls handshake", c.proxy.String(), err)
		}
	}

	if c.viaProxy && c.secure {
		c.transition(p, stateTunnelPending)
		p.installCodec(c.opts)
		p.push(layerTunnel)

		if err := c.tunnel(p); err != nil {
			return err
		}

		c.transition(p, stateTunneling)
		p.remove(layerTunnel)
		p.uninstallCodec()
		c.logger.Debug("tunnel established", slog.String("dst", c.target.String()))
	}

	if c.secure {
		c.transition(p, stateTLSHandshaking)
		if err := p.installTLS(ctx, layerTLS, newTLSConfig(c.target.Host, c.opts.TLS)); err != nil {
			return transportError("tls handshake", c.target.String(), err)
		}
	}

	p.installCodec(c.opts)
	return nil
}

func (c *conn) readResponse(p *pipeline) (*semantic.Response, error) {
	for {
		var raw http.Response
		if err := p.dec.Decode(&raw); err != nil {
			return nil, transportError("read", c.target.String(), err)
		}

		res, err := semantic.ResponseFrom(&raw, c.opts.Receive.Parse)
		if err != nil {
			return nil, transportError("read", c.target.String(), err)
		}

		// Interim responses carry no content and precede the final one.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.2
		if res.Status.Code/100 == 1 && res.Status.Code != status.SwitchingProtocols.Code {
			continue
		}
		return res, nil
	}
}

// aggregate replaces the body of res with its fully read content
// and reports whether the channel can carry another exchange.
func (c *conn) aggregate(res *semantic.Response, method semantic.Method) (keepAlive bool, err error) {
	keepAlive = res.KeepAlive() && res.Status.Code != status.SwitchingProtocols.Code

	var body io.Reader
	switch {
	case !res.HasBody(method):
	case len(res.TransferEncoding) > 0:
		if !res.IsChunked() {
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.4.2
			keepAlive = false
		}
		body, err = c.transfer.Decode(res.Body, res.TransferEncoding, func(f []http.Field) {
			trailers := semantic.HeadersFrom(f, true)
			res.Trailers = &trailers
		})
		if err != nil {
			return false, transportError("read", c.target.String(), err)
		}
	case res.ContentLength != nil:
		body = res.Body
	default:
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.8
		keepAlive = false
		body = res.Body
	}

	if body == nil {
		res.Body = bytes.NewReader(nil)
		if res.ContentLength == nil {
			res.ContentLength = new(uint)
		}
	} else {
		data, err := iolib.ReadAtMost(body, c.opts.Receive.MaxResponseSize)
		if errors.Is(err, iolib.ErrLimitExceeded) {
			return false, transportError("read", c.target.String(),
				errors.Wrapf(ErrResponseTooLarge, "more than %d bytes", c.opts.Receive.MaxResponseSize))
		}
		if err != nil {
			return false, transportError("read", c.target.String(), err)
		}

		l := uint(len(data))
		res.Body = bytes.NewReader(data)
		res.ContentLength = &l
	}

	res.TransferEncoding = nil
	res.Headers.Del("Transfer-Encoding")
	res.Headers.Set("Content-Length", strconv.FormatUint(uint64(*res.ContentLength), 10))

	return keepAlive, nil
}

// frameBody makes the request body self-delimiting.
func (c *conn) frameBody(req *semantic.Request) error {
	switch {
	case len(req.TransferEncoding) > 0:
		var buf bytes.Buffer
		w, err := c.transfer.Encode(nopWriteCloser{&buf}, req.TransferEncoding, nil)
		if err != nil {
			return err
		}
		if req.Body != nil {
			if _, err := io.Copy(w, req.Body); err != nil {
				return err
			}
		}
		if err := w.Close(); err != nil {
			return err
		}
		req.Body = &buf
	case req.ContentLength != nil:
		if req.Body == nil {
			req.Body = bytes.NewReader(nil)
		}
		req.Body = iolib.LimitReader(req.Body, *req.ContentLength)
	case req.Body != nil:
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		l := uint(len(data))
		req.ContentLength = &l
		req.Body = bytes.NewReader(data)
	}

	req.EnsureHeadersSet()
	return nil
}

// transition moves to s unless p has been torn down meanwhile.
func (c *conn) transition(p *pipeline, s connState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipe == p && c.state != stateClosed {
		c.state = s
	}
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastUsed = c.clock.Now()
	c.mu.Unlock()
}

// teardown drops p and returns to the initial state.
func (c *conn) teardown(p *pipeline) {
	c.mu.Lock()
	if c.pipe == p {
		c.pipe = nil
		if c.state != stateClosed {
			c.state = stateNew
		}
	}
	c.mu.Unlock()

	p.close()
}

// abort force-closes the channel under an in-flight exchange.
func (c *conn) abort() {
	c.mu.Lock()
	p := c.pipe
	c.pipe = nil
	if c.state != stateClosed {
		c.state = stateNew
	}
	c.mu.Unlock()

	if p != nil {
		p.raw.Close()
	}
}

// close is terminal and idempotent.
func (c *conn) close() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	p := c.pipe
	c.pipe = nil
	c.mu.Unlock()

	if p != nil {
		p.close()
	}
}

func (c *conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) isClosed() bool { return c.currentState() == stateClosed }

// idleFor reports how long the connection has not been used.
func (c *conn) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Since(c.lastUsed)
}

// layers returns the current layer stack, bottom first.
func (c *conn) layers() []layer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipe == nil {
		return nil
	}
	return slices.Clone(c.pipe.layers)
}

func (c *conn) connectionState() *tls.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipe == nil {
		return nil
	}
	return c.pipe.tls
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
