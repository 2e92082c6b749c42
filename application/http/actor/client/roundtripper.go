package client

import (
	"bytes"
	"io"
	nethttp "net/http"

	"http-pool/application/http/semantic"

	"github.com/pkg/errors"
)

// RoundTripper adapts an [Executor] to [nethttp.RoundTripper].
type RoundTripper struct {
	executor *Executor
}

var _ nethttp.RoundTripper = (*RoundTripper)(nil)

func NewRoundTripper(e *Executor) *RoundTripper {
	return &RoundTripper{executor: e}
}

func (rt *RoundTripper) RoundTrip(r *nethttp.Request) (*nethttp.Response, error) {
	req, err := toWireRequest(r)
	if err != nil {
		return nil, err
	}

	res, err := rt.executor.Execute(r.Context(), req, r.URL)
	if err != nil {
		return nil, err
	}

	return toGenericResponse(res, r)
}

// toWireRequest buffers the body of r, closing it.
func toWireRequest(r *nethttp.Request) (*semantic.Request, error) {
	if r.URL == nil {
		if r.Body != nil {
			r.Body.Close()
		}
		return nil, errors.New("request has no url")
	}

	var body []byte
	if r.Body != nil && r.Body != nethttp.NoBody {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, "reading request body")
		}
	}

	method := semantic.Method(r.Method)
	if method == "" {
		method = semantic.MethodGet
	}

	u := *r.URL
	req := semantic.NewRequest(method, &u, nil)
	for name, values := range r.Header {
		for _, v := range values {
			req.Headers.Add(name, v)
		}
	}

	// net/http fills Host from the URL. Only an override is kept.
	if r.Host != "" && r.Host != r.URL.Host {
		req.Host = r.Host
		req.Headers.Set("Host", r.Host)
	}

	if body != nil || r.ContentLength > 0 {
		l := uint(len(body))
		req.ContentLength = &l
		req.Body = bytes.NewReader(body)
	}

	return req, nil
}

func toGenericResponse(res *semantic.Response, r *nethttp.Request) (*nethttp.Response, error) {
	l, err := semantic.ContentLengthOf(res.Headers)
	if err != nil {
		return nil, err
	}

	var body []byte
	if res.Body != nil {
		body, err = io.ReadAll(res.Body)
		if err != nil {
			return nil, errors.Wrap(err, "reading response body")
		}
	}

	generic := &nethttp.Response{
		Status:        res.Status.Text(),
		StatusCode:    int(res.Status.Code),
		Proto:         res.Version.String(),
		ProtoMajor:    int(res.Version[0]),
		ProtoMinor:    int(res.Version[1]),
		Header:        nethttp.Header(res.Headers.Fields()),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(l),
		Close:         !res.KeepAlive(),
		Request:       r,
	}
	if res.Trailers != nil {
		generic.Trailer = nethttp.Header(res.Trailers.Fields())
	}

	return generic, nil
}
