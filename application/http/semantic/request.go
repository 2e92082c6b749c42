package semantic

import (
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"http-pool/application/http"

	"github.com/pkg/errors"
)

type Request struct {
	Message

	Method Method
	URL    *url.URL

	Host string
}

// NewRequest builds an HTTP/1.1 request for u.
// A nil body means the request has no content.
func NewRequest(method Method, u *url.URL, body io.Reader) *Request {
	return &Request{
		Message: Message{
			Version: http.Version11,
			Headers: NewHeaders(nil),
			Body:    body,
		},
		Method: method,
		URL:    u,
	}
}

// TargetForm selects how the request target is written on the request line.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2
type TargetForm int

const (
	OriginForm TargetForm = iota
	AbsoluteForm
	AuthorityForm
)

// Target renders the request target in the given form.
func (r *Request) Target(form TargetForm) string {
	u := r.URL
	switch form {
	case AbsoluteForm:
		// userinfo and fragment never go on the wire.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-4.2.4
		clone := *u
		clone.User = nil
		clone.Fragment, clone.RawFragment = "", ""
		if clone.Path == "" {
			clone.Path = "/"
		}
		return clone.String()
	case AuthorityForm:
		return Authority(u)
	}

	if r.Method == MethodOptions && u.Path == "" && u.RawQuery == "" {
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2.4
		return "*"
	}
	return u.RequestURI()
}

// Authority returns host:port of u, filling the scheme's default port.
func Authority(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = strconv.FormatUint(uint64(DefaultPort(u.Scheme)), 10)
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func (r *Request) EnsureHeadersSet() {
	r.Message.EnsureHeadersSet()

	if r.Host != "" {
		r.Headers.Set("Host", r.Host)
	}
}

func (r *Request) RawRequest(form TargetForm) http.Request {
	return http.Request{
		RequestLine: http.RequestLine{
			Method:  string(r.Method),
			Target:  r.Target(form),
			Version: r.Version,
		},
		Headers: r.Headers.ToRawFields(),
		Body:    r.Body,
	}
}

type ParseRequestOptions struct {
	ParseMessageOptions

	IsForwardProxy bool
	MaxURILen      uint
}

// RequestFrom interprets a decoded request as a server would.
func RequestFrom(raw *http.Request, opts ParseRequestOptions) (*Request, error) {
	request := Request{
		Method: Method(raw.Method),
	}

	var err error
	request.Message, err = createMessage(
		raw.Version, raw.Headers, raw.Body, opts.ParseMessageOptions,
	)
	if err != nil {
		return nil, err
	}

	request.Host, _ = request.Headers.Get("Host")

	request.URL, err = parseRequestTarget(
		raw.Target, request.Method, opts.IsForwardProxy, opts.MaxURILen,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse request target")
	}

	if request.URL.Host != "" {
		// Reference:
		// - https://datatracker.ietf.org/doc/html/rfc9112#section-3.2.2-7
		// - https://datatracker.ietf.org/doc/html/rfc9112#section-3.2.2-8
		request.Host = request.URL.Host
		request.Headers.Set("Host", request.Host)
	}

	return &request, nil
}

var ErrURITooLong = errors.New("uri too long")

// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2
func parseRequestTarget(raw string, method Method, isForwardProxy bool, maxLen uint) (*url.URL, error) {
	if maxLen > 0 && uint(len(raw)) > maxLen {
		return nil, ErrURITooLong
	}

	switch {
	case method == MethodConnect:
		// authority-form
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2.3
		host, port, err := net.SplitHostPort(raw)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse authority-form")
		}
		if host == "" || port == "" {
			return nil, errors.New("authority-form needs both host and port")
		}
		return &url.URL{Host: raw}, nil
	case method == MethodOptions && raw == "*":
		// asterisk-form
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2.4
		return &url.URL{}, nil
	}

	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return nil, err
	}

	if u.IsAbs() {
		// absolute-form
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2.2
		if !(u.Scheme == "http" || u.Scheme == "https") {
			return nil, errors.New("scheme is invalid. allowed schemes are: http, https")
		}
		if u.Host == "" {
			return nil, errors.New("absoulte-form needs authority")
		}
		return u, nil
	}

	if isForwardProxy {
		return nil, errors.New("forward-proxy only allows absoulte-uri")
	}
	// origin-form
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2.1
	if !strings.HasPrefix(u.Path, "/") {
		return nil, errors.New("origin-form uri's path should start with /")
	}

	return u, nil
}
