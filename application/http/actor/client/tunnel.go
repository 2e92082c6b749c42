package client

import (
	"net/url"
	"strings"

	"http-pool/application/http"
	"http-pool/application/http/semantic"
	"http-pool/application/http/semantic/status"

	"github.com/pkg/errors"
)

const tunnelEstablished = "Connection Established"

// tunnel asks the proxy to open a byte stream to the target.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-9.3.6
func (c *conn) tunnel(p *pipeline) error {
	authority := c.target.String()

	req := semantic.NewRequest(semantic.MethodConnect, &url.URL{Host: authority}, nil)
	req.Host = authority
	if c.proxyAuth != "" {
		req.Headers.Set("Proxy-Authorization", c.proxyAuth)
	}
	req.EnsureHeadersSet()

	if err := p.enc.Encode(req.RawRequest(semantic.AuthorityForm)); err != nil {
		return transportError("tunnel", c.proxy.String(), err)
	}

	var raw http.Response
	if err := p.dec.Decode(&raw); err != nil {
		return transportError("tunnel", c.proxy.String(), err)
	}

	res, err := semantic.ResponseFrom(&raw, c.opts.Receive.Parse)
	if err != nil {
		return transportError("tunnel", c.proxy.String(), err)
	}

	return c.tunnelOutcome(res)
}

func (c *conn) tunnelOutcome(res *semantic.Response) error {
	if strings.EqualFold(res.Status.ReasonPhrase, tunnelEstablished) || res.Status.IsSuccessful() {
		return nil
	}

	if res.Status.Code == status.ProxyAuthRequired.Code {
		challenges, _ := res.Headers.Values("Proxy-Authenticate")
		if !offersBasic(challenges) {
			return transportError("tunnel", c.proxy.String(),
				errors.Wrapf(ErrUnsupportedAuthScheme, "challenges: %q", challenges))
		}
	}

	return transportError("tunnel", c.proxy.String(),
		errors.Wrapf(ErrTunnelRejected, "%d %s", res.Status.Code, res.Status.ReasonPhrase))
}
