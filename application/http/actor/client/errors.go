package client

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidOptions = errors.New("invalid client options")
	ErrDisposed       = errors.New("client is disposed")
	ErrConnBusy       = errors.New("connection already has an exchange in flight")
	ErrPoolInvariant  = errors.New("connection pool invariant violated")

	ErrUnsupportedAuthScheme = errors.New("unsupported proxy authentication scheme")
	ErrTunnelRejected        = errors.New("proxy rejected tunnel")
	ErrCertificateRejected   = errors.New("server certificate rejected")
	ErrResponseTooLarge      = errors.New("response exceeds size limit")
)

// errPoolDisposed tells the executor that a sweep retired the pool it picked.
var errPoolDisposed = errors.New("connection pool is disposed")

// TransportError reports a failure to connect, handshake or exchange bytes with a peer.
// Cancellation is never reported as a TransportError.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsCanceled reports whether err came from a cancelled or expired context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// transportError wraps err unless it is a cancellation.
func transportError(op, addr string, err error) error {
	if err == nil || IsCanceled(err) {
		return err
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Addr: addr, Err: err}
}
