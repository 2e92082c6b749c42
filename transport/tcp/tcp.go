// Package tcp dials plain TCP connections for the client.
package tcp

import (
	"context"
	"net"
	"time"

	"http-pool/transport"

	"github.com/pkg/errors"
)

const defaultKeepAlive = 30 * time.Second

type Dialer struct {
	d net.Dialer
}

var _ transport.ConnDialer = (*Dialer)(nil)

// NewDialer creates a dialer with the given connect timeout.
// setup, if not nil, can adjust the underlying [net.Dialer] once before first use.
func NewDialer(timeout time.Duration, setup func(d *net.Dialer)) *Dialer {
	d := &Dialer{
		d: net.Dialer{
			Timeout:   timeout,
			KeepAlive: defaultKeepAlive,
		},
	}

	if setup != nil {
		setup(&d.d)
	}

	return d
}

func (d *Dialer) Dial(ctx context.Context, addr transport.Addr) (net.Conn, error) {
	conn, err := d.d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		// Requests are flushed as a whole, no need to wait for more bytes.
		if err := tc.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "setting TCP_NODELAY")
		}
	}

	return conn, nil
}
