package client

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/url"
	"slices"
	"time"

	httpcodec "http-pool/application/http"
	"http-pool/application/http/semantic"
	"http-pool/application/http/transfer"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpproxy"
)

const (
	// DefaultRequestTimeout bounds a request whose context can be cancelled.
	DefaultRequestTimeout = 100 * time.Second

	DefaultMaxConnsPerHost    = 2
	DefaultMaxResponseSize    = 2 << 20
	DefaultIdleTimeout        = 3*time.Minute + 30*time.Second
	DefaultCheckInterval      = 2 * time.Minute
	DefaultMinCleanupInterval = 5 * time.Second
	DefaultDialTimeout        = 30 * time.Second

	defaultMaxStatusLineLength = 8 << 10
	defaultMaxFieldLineLength  = 16 << 10
)

type Options struct {
	Send    SendOptions
	Receive ReceiveOptions
	Conn    ConnOptions
	Timeout TimeoutOptions
	Proxy   ProxyOptions
	TLS     TLSOptions
	Hooks   HookOptions

	ExtraTransferCoders []transfer.Coder
}

type SendOptions struct {
	Encode httpcodec.EncodeOptions
}

type ReceiveOptions struct {
	Decode httpcodec.DecodeOptions

	Parse semantic.ParseResponseOptions

	// MaxResponseSize caps the aggregated response body in bytes.
	MaxResponseSize uint
}

type ConnOptions struct {
	// MaxConnsPerHost bounds live connections per destination.
	MaxConnsPerHost uint
}

type TimeoutOptions struct {
	// IdleTimeout is how long a connection may sit idle before a sweep closes it.
	IdleTimeout time.Duration
	// CheckInterval is the period of the background sweep.
	CheckInterval time.Duration
	// MinCleanupInterval skips a cleanup that follows the previous one too closely.
	MinCleanupInterval time.Duration

	DialTimeout time.Duration
}

// ProxyFunc picks the proxy for a target. A nil URL means a direct connection.
type ProxyFunc func(target *url.URL) (*url.URL, error)

type ProxyOptions struct {
	Resolve ProxyFunc

	// Credentials override the userinfo of the proxy URL.
	Credentials *Credentials
}

type TLSOptions struct {
	// Trust decides whether a server certificate is accepted.
	Trust CertificateTrustFunc

	// RootCAs is used for the standard verification result passed to Trust.
	// nil means the system pool.
	RootCAs *x509.CertPool

	MinVersion uint16
}

type HookOptions struct {
	// OnDialerSetup adjusts the TCP dialer once, when the client is created.
	OnDialerSetup func(d *net.Dialer)
	// OnPipelineSetup sees every freshly dialed connection before any layer is installed.
	OnPipelineSetup func(c net.Conn)
}

// DefaultOptions returns the configuration used when nothing is customized.
func DefaultOptions() Options {
	return Options{
		Send: SendOptions{Encode: httpcodec.DefaultEncodeOptions},
		Receive: ReceiveOptions{
			Decode: httpcodec.DecodeOptions{
				MaxStatusLineLength: defaultMaxStatusLineLength,
				MaxFieldLineLength:  defaultMaxFieldLineLength,
			},
			Parse:           semantic.ParseResponseOptions{ParseMessageOptions: semantic.ParseMessageOptions{CombineFieldValues: true}},
			MaxResponseSize: DefaultMaxResponseSize,
		},
		Conn: ConnOptions{MaxConnsPerHost: DefaultMaxConnsPerHost},
		Timeout: TimeoutOptions{
			IdleTimeout:        DefaultIdleTimeout,
			CheckInterval:      DefaultCheckInterval,
			MinCleanupInterval: DefaultMinCleanupInterval,
			DialTimeout:        DefaultDialTimeout,
		},
		Proxy: ProxyOptions{Resolve: EnvironmentProxy()},
		TLS: TLSOptions{
			Trust:      TrustSystemRoots,
			MinVersion: tls.VersionTLS12,
		},
	}
}

// EnvironmentProxy resolves proxies from HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
func EnvironmentProxy() ProxyFunc {
	return httpproxy.FromEnvironment().ProxyFunc()
}

// FixedProxy always routes through proxy.
func FixedProxy(proxy *url.URL) ProxyFunc {
	return func(*url.URL) (*url.URL, error) { return proxy, nil }
}

// clone copies o so that later changes through its pointers and slices
// do not reach the copy.
func (o Options) clone() Options {
	if o.Proxy.Credentials != nil {
		creds := *o.Proxy.Credentials
		o.Proxy.Credentials = &creds
	}
	if o.TLS.RootCAs != nil {
		o.TLS.RootCAs = o.TLS.RootCAs.Clone()
	}
	o.ExtraTransferCoders = slices.Clone(o.ExtraTransferCoders)
	return o
}

func (o Options) validate() error {
	if o.Conn.MaxConnsPerHost < 1 {
		return errors.Wrap(ErrInvalidOptions, "max connections per host must be at least 1")
	}
	if o.Timeout.IdleTimeout <= 0 {
		return errors.Wrapf(ErrInvalidOptions, "idle timeout must be positive: %s", o.Timeout.IdleTimeout)
	}
	if o.Timeout.CheckInterval <= 0 {
		return errors.Wrapf(ErrInvalidOptions, "check interval must be positive: %s", o.Timeout.CheckInterval)
	}
	if o.Timeout.MinCleanupInterval < 0 {
		return errors.Wrapf(ErrInvalidOptions, "minimum cleanup interval must not be negative: %s", o.Timeout.MinCleanupInterval)
	}
	if o.Receive.MaxResponseSize < 1 {
		return errors.Wrap(ErrInvalidOptions, "max response size must be at least 1")
	}
	if o.Proxy.Credentials != nil {
		if _, err := o.Proxy.Credentials.authorization(); err != nil {
			return errors.Wrap(ErrInvalidOptions, err.Error())
		}
	}
	return nil
}
