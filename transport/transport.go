// Package transport abstracts how the client reaches a remote endpoint.
package transport

import (
	"context"
	"net"
	"strconv"
)

// Addr is a host and port pair. Host is either a domain name or an IP literal.
type Addr struct {
	Host string
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.FormatUint(uint64(a.Port), 10))
}

type ConnDialer interface {
	Dial(ctx context.Context, addr Addr) (net.Conn, error)
}

// DialerFunc adapts a function to [ConnDialer].
type DialerFunc func(ctx context.Context, addr Addr) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr Addr) (net.Conn, error) { return f(ctx, addr) }
