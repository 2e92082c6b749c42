package client

import (
	"context"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"http-pool/application/http"
	"http-pool/application/http/semantic"
	"http-pool/application/http/transfer"
	"http-pool/transport/tcp"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type ConnTestSuite struct {
	suite.Suite

	opts    Options
	cleanup []func()
	leaks   goleak.Option
}

func TestConnTestSuite(t *testing.T) {
	suite.Run(t, new(ConnTestSuite))
}

func (s *ConnTestSuite) SetupTest() {
	s.leaks = goleak.IgnoreCurrent()
	s.opts = DefaultOptions()
	s.opts.Proxy.Resolve = nil
	s.cleanup = nil
}

func (s *ConnTestSuite) TearDownTest() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	goleak.VerifyNone(s.T(), s.leaks)
}

func (s *ConnTestSuite) onTearDown(f func()) { s.cleanup = append(s.cleanup, f) }

func (s *ConnTestSuite) server(handler nethttp.HandlerFunc, secure bool) *countingServer {
	srv := newCountingServer(handler, secure)
	s.onTearDown(srv.Close)
	return srv
}

func (s *ConnTestSuite) proxy(respond func(req *http.Request) http.Response) *testProxy {
	p := startProxy(s.T(), respond)
	s.onTearDown(p.Close)
	return p
}

func (s *ConnTestSuite) newConn(target, proxy *url.URL) *conn {
	key, err := newDestinationKey(target, proxy)
	s.Require().NoError(err)
	auth, err := proxyAuthorization(proxy, s.opts.Proxy.Credentials)
	s.Require().NoError(err)

	c := newConn(key, auth,
		tcp.NewDialer(time.Second, nil),
		transfer.NewCodingApplier(nil),
		discardLogger, clock.New(), s.opts,
	)
	s.onTearDown(c.close)
	return c
}

func hello(w nethttp.ResponseWriter, r *nethttp.Request) {
	fmt.Fprintf(w, "hello %s", r.URL.Path)
}

func (s *ConnTestSuite) TestPlainExchange() {
	srv := s.server(hello, false)
	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/a"), nil)

	c := s.newConn(target, nil)
	s.Equal(stateNew, c.currentState())

	res, err := c.execute(context.Background(), req)
	s.Require().NoError(err)

	s.Equal(uint(200), res.Status.Code)
	s.Equal("hello /a", readBody(s.T(), res))
	s.Require().NotNil(res.ContentLength)
	s.Equal(uint(8), *res.ContentLength)
	s.Equal(stateReady, c.currentState())
	s.Equal([]layer{layerCodec}, c.layers())
}

func (s *ConnTestSuite) TestReuse() {
	srv := s.server(hello, false)
	_, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, nil)

	for i := range 3 {
		req, _ := newTestRequest(s.T(), semantic.MethodGet, srv.url(fmt.Sprintf("/%d", i)), nil)
		res, err := c.execute(context.Background(), req)
		s.Require().NoError(err)
		s.Equal(fmt.Sprintf("hello /%d", i), readBody(s.T(), res))
	}

	s.Equal(int32(1), srv.dialed.Load())
}

func (s *ConnTestSuite) TestReconnectAfterClose() {
	srv := s.server(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Connection", "close")
		hello(w, r)
	}, false)
	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, nil)

	_, err := c.execute(context.Background(), req)
	s.Require().NoError(err)
	s.Equal(stateNew, c.currentState())
	s.Nil(c.layers())

	req, _ = newTestRequest(s.T(), semantic.MethodGet, srv.url("/again"), nil)
	res, err := c.execute(context.Background(), req)
	s.Require().NoError(err)
	s.Equal("hello /again", readBody(s.T(), res))
	s.Equal(int32(2), srv.dialed.Load())
}

func (s *ConnTestSuite) TestReconnectAfterIdleClose() {
	srv := s.server(hello, false)
	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, nil)

	_, err := c.execute(context.Background(), req)
	s.Require().NoError(err)

	// Server drops the idle keep-alive connection.
	srv.CloseClientConnections()
	s.Eventually(func() bool { return srv.open.Load() == 0 }, time.Second, 10*time.Millisecond)

	req, _ = newTestRequest(s.T(), semantic.MethodGet, srv.url("/b"), nil)
	res, err := c.execute(context.Background(), req)
	s.Require().NoError(err)
	s.Equal("hello /b", readBody(s.T(), res))
	s.Equal(int32(2), srv.dialed.Load())
}

func (s *ConnTestSuite) TestRequestBody() {
	srv := s.server(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%d:%s", r.ContentLength, b)
	}, false)
	req, target := newTestRequest(s.T(), semantic.MethodPost, srv.url("/"), strings.NewReader("payload"))
	c := s.newConn(target, nil)

	res, err := c.execute(context.Background(), req)
	s.Require().NoError(err)
	s.Equal("7:payload", readBody(s.T(), res))
}

func (s *ConnTestSuite) TestChunkedRequestBody() {
	srv := s.server(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%v:%s", r.TransferEncoding, b)
	}, false)
	req, target := newTestRequest(s.T(), semantic.MethodPost, srv.url("/"), strings.NewReader("payload"))
	req.TransferEncoding = []transfer.Coding{transfer.CodingChunked}
	c := s.newConn(target, nil)

	res, err := c.execute(context.Background(), req)
	s.Require().NoError(err)
	s.Equal("[chunked]:payload", readBody(s.T(), res))
}

func (s *ConnTestSuite) TestChunkedResponse() {
	srv := s.server(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Trailer", "X-Sum")
		io.WriteString(w, "part1,")
		w.(nethttp.Flusher).Flush()
		io.WriteString(w, "part2")
		w.Header().Set("X-Sum", "42")
	}, false)
	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, nil)

	res, err := c.execute(context.Background(), req)
	s.Require().NoError(err)

	s.Equal("part1,part2", readBody(s.T(), res))
	s.Empty(res.TransferEncoding)
	_, chunked := res.Headers.Get("Transfer-Encoding")
	s.False(chunked)
	cl, _ := res.Headers.Get("Content-Length")
	s.Equal("11", cl)
	s.Require().NotNil(res.Trailers)
	sum, _ := res.Trailers.Get("X-Sum")
	s.Equal("42", sum)
	s.Equal(stateReady, c.currentState())
}

func (s *ConnTestSuite) TestHeadResponse() {
	srv := s.server(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Length", "1234")
	}, false)
	req, target := newTestRequest(s.T(), semantic.MethodHead, srv.url("/"), nil)
	c := s.newConn(target, nil)

	res, err := c.execute(context.Background(), req)
	s.Require().NoError(err)
	s.Empty(readBody(s.T(), res))
	s.Equal(uint(1234), *res.ContentLength)
	s.Equal(stateReady, c.currentState())
}

func (s *ConnTestSuite) TestResponseTooLarge() {
	srv := s.server(hello, false)
	s.opts.Receive.MaxResponseSize = 4
	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, nil)

	_, err := c.execute(context.Background(), req)
	s.ErrorIs(err, ErrResponseTooLarge)

	var te *TransportError
	s.True(errors.As(err, &te))
	s.Equal(stateNew, c.currentState())
}

func (s *ConnTestSuite) TestDialFailure() {
	srv := s.server(hello, false)
	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	srv.Close()

	c := s.newConn(target, nil)

	_, err := c.execute(context.Background(), req)
	var te *TransportError
	s.Require().True(errors.As(err, &te))
	s.Equal("dial", te.Op)
	s.Equal(stateNew, c.currentState())
}

func (s *ConnTestSuite) TestDirectTLS() {
	srv := s.server(hello, true)
	s.opts.TLS.RootCAs = srv.roots()
	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/secure"), nil)
	c := s.newConn(target, nil)

	res, err := c.execute(context.Background(), req)
	s.Require().NoError(err)
	s.Equal("hello /secure", readBody(s.T(), res))

	// TLS sits below the codec.
	s.Equal([]layer{layerTLS, layerCodec}, c.layers())
	s.Require().NotNil(c.connectionState())
	s.True(c.connectionState().HandshakeComplete)
}

func (s *ConnTestSuite) TestDirectTLSRejected() {
	srv := s.server(hello, true)
	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.execute(context.Background(), req)
		done <- err
	}()

	select {
	case err := <-done:
		s.ErrorIs(err, ErrCertificateRejected)
		var te *TransportError
		s.Require().True(errors.As(err, &te))
		s.Equal("tls handshake", te.Op)
	case <-time.After(5 * time.Second):
		s.FailNow("handshake hung on rejection")
	}
	s.Equal(stateNew, c.currentState())
}

func (s *ConnTestSuite) TestTLSPinnedRoot() {
	srv := s.server(hello, true)
	s.opts.TLS.Trust = TrustRootsByFingerprint(srv.Certificate())
	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, nil)

	_, err := c.execute(context.Background(), req)
	s.NoError(err)
}

func (s *ConnTestSuite) TestTunnel() {
	srv := s.server(hello, true)
	s.opts.TLS.RootCAs = srv.roots()
	s.opts.Proxy.Credentials = &Credentials{Username: "user", Password: "pass"}
	proxy := s.proxy(func(*http.Request) http.Response {
		return tunnelResponse(200, "Connection established")
	})

	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/tunneled"), nil)
	c := s.newConn(target, proxy.URL())

	res, err := c.execute(context.Background(), req)
	s.Require().NoError(err)
	s.Equal("hello /tunneled", readBody(s.T(), res))
	s.Equal([]layer{layerTLS, layerCodec}, c.layers())

	c.close()
	proxy.Close()

	records := proxy.Records()
	s.Require().Len(records, 1)
	s.Equal(http.RequestLine{Method: "CONNECT", Target: target.Host, Version: http.Version11}, records[0].line)
	s.Equal(target.Host, fieldValue(records[0].headers, "Host"))
	s.Equal("Basic dXNlcjpwYXNz", fieldValue(records[0].headers, "Proxy-Authorization"))
}

func (s *ConnTestSuite) TestTunnelNonStandardPhrase() {
	srv := s.server(hello, true)
	s.opts.TLS.RootCAs = srv.roots()
	proxy := s.proxy(func(*http.Request) http.Response {
		return tunnelResponse(200, "OK")
	})

	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, proxy.URL())

	_, err := c.execute(context.Background(), req)
	s.NoError(err)
}

func (s *ConnTestSuite) TestTunnelRejected() {
	srv := s.server(hello, true)
	s.opts.TLS.RootCAs = srv.roots()
	proxy := s.proxy(func(*http.Request) http.Response {
		return tunnelResponse(403, "Forbidden")
	})

	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, proxy.URL())

	_, err := c.execute(context.Background(), req)
	s.ErrorIs(err, ErrTunnelRejected)
	var te *TransportError
	s.Require().True(errors.As(err, &te))
	s.Equal("tunnel", te.Op)
	s.Equal(stateNew, c.currentState())

	proxy.Close()
	records := proxy.Records()
	s.Require().Len(records, 1)
	// No ClientHello followed the refusal.
	s.Zero(records[0].trailing)
	s.Zero(srv.dialed.Load())
}

func (s *ConnTestSuite) TestTunnelUnsupportedAuth() {
	srv := s.server(hello, true)
	proxy := s.proxy(func(*http.Request) http.Response {
		return tunnelResponse(407, "Proxy Authentication Required",
			http.Field{Name: []byte("Proxy-Authenticate"), Value: []byte("NTLM")},
		)
	})

	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, proxy.URL())

	_, err := c.execute(context.Background(), req)
	s.ErrorIs(err, ErrUnsupportedAuthScheme)
}

func (s *ConnTestSuite) TestTunnelBasicChallenge() {
	srv := s.server(hello, true)
	proxy := s.proxy(func(*http.Request) http.Response {
		return tunnelResponse(407, "Proxy Authentication Required",
			http.Field{Name: []byte("Proxy-Authenticate"), Value: []byte(`Basic realm="proxy"`)},
		)
	})

	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, proxy.URL())

	_, err := c.execute(context.Background(), req)
	s.ErrorIs(err, ErrTunnelRejected)
	s.NotErrorIs(err, ErrUnsupportedAuthScheme)
}

func (s *ConnTestSuite) TestPlainThroughProxy() {
	proxy := s.proxy(func(*http.Request) http.Response {
		return plainResponse("from proxy")
	})
	proxyURL := proxy.URL()
	proxyURL.User = url.UserPassword("alice", "s3cret")

	req, target := newTestRequest(s.T(), semantic.MethodGet, "http://origin.example/path?q=1#frag", nil)
	req.Headers.Set("Proxy-Authorization", "Basic forged")
	c := s.newConn(target, proxyURL)

	res, err := c.execute(context.Background(), req)
	s.Require().NoError(err)
	s.Equal("from proxy", readBody(s.T(), res))
	s.Equal([]layer{layerCodec}, c.layers())

	c.close()
	proxy.Close()

	records := proxy.Records()
	s.Require().Len(records, 1)
	s.Equal("http://origin.example/path?q=1", records[0].line.Target)
	s.Equal("Basic YWxpY2U6czNjcmV0", fieldValue(records[0].headers, "Proxy-Authorization"))
}

func (s *ConnTestSuite) TestCancelMidFlight() {
	release := make(chan struct{})
	arrived := make(chan struct{}, 1)
	srv := s.server(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		arrived <- struct{}{}
		<-release
	}, false)
	s.onTearDown(func() { close(release) })

	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/slow"), nil)
	c := s.newConn(target, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-arrived
		cancel()
	}()

	start := time.Now()
	_, err := c.execute(ctx, req)
	s.ErrorIs(err, context.Canceled)
	s.True(IsCanceled(err))
	var te *TransportError
	s.False(errors.As(err, &te))
	s.Less(time.Since(start), 2*time.Second)

	s.Equal(stateNew, c.currentState())
	s.Nil(c.layers())
}

func (s *ConnTestSuite) TestBusy() {
	srv := s.server(hello, false)
	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, nil)

	c.busy.Store(true)
	_, err := c.execute(context.Background(), req)
	s.ErrorIs(err, ErrConnBusy)

	c.busy.Store(false)
	_, err = c.execute(context.Background(), req)
	s.NoError(err)
}

func (s *ConnTestSuite) TestClosed() {
	srv := s.server(hello, false)
	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, nil)

	_, err := c.execute(context.Background(), req)
	s.Require().NoError(err)

	c.close()
	c.close()
	s.True(c.isClosed())

	_, err = c.execute(context.Background(), req)
	s.ErrorIs(err, ErrDisposed)
}

func (s *ConnTestSuite) TestPipelineHook() {
	srv := s.server(hello, false)
	var seen []string
	s.opts.Hooks.OnPipelineSetup = func(c net.Conn) {
		seen = append(seen, c.RemoteAddr().String())
	}
	req, target := newTestRequest(s.T(), semantic.MethodGet, srv.url("/"), nil)
	c := s.newConn(target, nil)

	_, err := c.execute(context.Background(), req)
	s.Require().NoError(err)
	s.Equal([]string{target.Host}, seen)
}

func TestConnStateString(t *testing.T) {
	for s := stateNew; s <= stateClosed; s++ {
		if s.String() == "unknown" {
			t.Errorf("state %d has no name", s)
		}
	}
}
