package client

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"http-pool/application/http"
	"http-pool/application/http/semantic"

	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.DiscardHandler)

func selfSigned(t *testing.T, names ...string) (tls.Certificate, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: names[0]},
		DNSNames:              names,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, leaf
}

func newTestRequest(t *testing.T, method semantic.Method, raw string, body io.Reader) (*semantic.Request, *url.URL) {
	t.Helper()
	u := mustURL(t, raw)
	req := semantic.NewRequest(method, u, body)
	req.Host = u.Host
	return req, u
}

func readBody(t *testing.T, res *semantic.Response) string {
	t.Helper()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

// countingServer tracks how many connections the client opened.
type countingServer struct {
	*httptest.Server

	dialed  atomic.Int32
	open    atomic.Int32
	maxOpen atomic.Int32
}

func newCountingServer(handler nethttp.Handler, secure bool) *countingServer {
	s := &countingServer{Server: httptest.NewUnstartedServer(handler)}
	s.Config.ConnState = func(_ net.Conn, state nethttp.ConnState) {
		switch state {
		case nethttp.StateNew:
			s.dialed.Add(1)
			n := s.open.Add(1)
			for {
				m := s.maxOpen.Load()
				if n <= m || s.maxOpen.CompareAndSwap(m, n) {
					break
				}
			}
		case nethttp.StateClosed, nethttp.StateHijacked:
			s.open.Add(-1)
		}
	}

	if secure {
		s.StartTLS()
	} else {
		s.Start()
	}
	return s
}

func (s *countingServer) url(path string) string { return s.URL + path }

func (s *countingServer) roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.Certificate())
	return pool
}

type proxyRecord struct {
	line    http.RequestLine
	headers []http.Field
	// trailing counts bytes the client sent after a refused CONNECT.
	trailing int64
}

// testProxy is a forward proxy speaking just enough HTTP/1.1 for the client.
// A successful CONNECT is relayed to the requested authority.
type testProxy struct {
	ln      net.Listener
	respond func(req *http.Request) http.Response
	wg      sync.WaitGroup

	mu      sync.Mutex
	records []proxyRecord
}

func startProxy(t *testing.T, respond func(req *http.Request) http.Response) *testProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &testProxy{ln: ln, respond: respond}
	p.wg.Add(1)
	go p.serve()

	return p
}

func (p *testProxy) URL() *url.URL {
	return &url.URL{Scheme: "http", Host: p.ln.Addr().String()}
}

// Close stops accepting and waits until every relay finishes.
func (p *testProxy) Close() {
	p.ln.Close()
	p.wg.Wait()
}

func (p *testProxy) Records() []proxyRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]proxyRecord(nil), p.records...)
}

func (p *testProxy) serve() {
	defer p.wg.Done()
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(c)
		}()
	}
}

func (p *testProxy) handle(c net.Conn) {
	defer c.Close()

	br := bufio.NewReader(c)
	dec := http.NewRequestDecoder(br, http.DefaultDecodeOptions)
	enc := http.NewResponseEncoder(c, http.DefaultEncodeOptions)

	var req http.Request
	if err := dec.Decode(&req); err != nil {
		return
	}
	req.Body = nil

	res := p.respond(&req)
	if err := enc.Encode(res); err != nil {
		return
	}

	p.mu.Lock()
	p.records = append(p.records, proxyRecord{line: req.RequestLine, headers: req.Headers})
	idx := len(p.records) - 1
	p.mu.Unlock()

	if req.Method != string(semantic.MethodConnect) {
		return
	}

	if res.StatusCode/100 != 2 {
		n, _ := io.Copy(io.Discard, br)
		p.mu.Lock()
		p.records[idx].trailing = n
		p.mu.Unlock()
		return
	}

	target, err := net.Dial("tcp", req.Target)
	if err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		io.Copy(target, br)
		target.Close()
	}()
	io.Copy(c, target)
	c.Close()
	<-done
}

func tunnelResponse(code uint, reason string, fields ...http.Field) http.Response {
	return http.Response{
		StatusLine: http.StatusLine{Version: http.Version11, StatusCode: code, ReasonPhrase: reason},
		Headers:    fields,
	}
}

func plainResponse(body string) http.Response {
	return http.Response{
		StatusLine: http.StatusLine{Version: http.Version11, StatusCode: 200, ReasonPhrase: "OK"},
		Headers: []http.Field{
			{Name: []byte("Content-Length"), Value: []byte(strconv.Itoa(len(body)))},
		},
		Body: strings.NewReader(body),
	}
}

func fieldValue(fields []http.Field, name string) string {
	for _, f := range fields {
		if strings.EqualFold(string(f.Name), name) {
			return string(f.Value)
		}
	}
	return ""
}
