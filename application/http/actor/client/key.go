package client

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"http-pool/application/http/semantic"
	"http-pool/transport"

	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

// destinationKey identifies the pool a request belongs to.
// Proxy fields are zero for direct connections.
type destinationKey struct {
	scheme string
	host   string
	port   uint16

	proxyScheme string
	proxyHost   string
	proxyPort   uint16
}

var hostProfile = idna.New(
	idna.MapForLookup(),
	idna.StrictDomainName(false),
)

func newDestinationKey(target, proxy *url.URL) (destinationKey, error) {
	scheme, addr, err := endpointOf(target)
	if err != nil {
		return destinationKey{}, errors.Wrap(err, "target")
	}
	key := destinationKey{scheme: scheme, host: addr.Host, port: addr.Port}

	if proxy != nil {
		scheme, addr, err := endpointOf(proxy)
		if err != nil {
			return destinationKey{}, errors.Wrap(err, "proxy")
		}
		key.proxyScheme, key.proxyHost, key.proxyPort = scheme, addr.Host, addr.Port
	}

	return key, nil
}

func (k destinationKey) target() transport.Addr {
	return transport.Addr{Host: k.host, Port: k.port}
}

// authority is the target as sent in the Host header, without an IPv6 zone.
func (k destinationKey) authority() string {
	host := k.host
	if ip, err := netip.ParseAddr(host); err == nil {
		host = ip.WithZone("").String()
	}
	return transport.Addr{Host: host, Port: k.port}.String()
}

func (k destinationKey) proxy() (transport.Addr, bool) {
	if k.proxyHost == "" {
		return transport.Addr{}, false
	}
	return transport.Addr{Host: k.proxyHost, Port: k.proxyPort}, true
}

func (k destinationKey) String() string {
	s := fmt.Sprintf("%s://%s", k.scheme, k.target())
	if addr, ok := k.proxy(); ok {
		s += fmt.Sprintf(" via %s://%s", k.proxyScheme, addr)
	}
	return s
}

// endpointOf returns the normalized scheme and address of an http(s) URL.
func endpointOf(u *url.URL) (string, transport.Addr, error) {
	if u == nil {
		return "", transport.Addr{}, errors.New("missing url")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", transport.Addr{}, errors.Errorf("unsupported scheme %q", u.Scheme)
	}

	host, err := normalizeHost(u.Hostname())
	if err != nil {
		return "", transport.Addr{}, err
	}

	port := semantic.DefaultPort(scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return "", transport.Addr{}, errors.Errorf("invalid port %q", p)
		}
		port = uint16(n)
	}

	return scheme, transport.Addr{Host: host, Port: port}, nil
}

func normalizeHost(host string) (string, error) {
	if host == "" {
		return "", errors.New("missing host")
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.String(), nil
	}

	ascii, err := hostProfile.ToASCII(strings.TrimSuffix(host, "."))
	if err != nil {
		return "", errors.Wrapf(err, "invalid host %q", host)
	}
	return strings.ToLower(ascii), nil
}

// sameEndpoint reports whether a and b address the same scheme, host and port.
func sameEndpoint(a, b *url.URL) bool {
	sa, aa, err := endpointOf(a)
	if err != nil {
		return false
	}
	sb, ab, err := endpointOf(b)
	if err != nil {
		return false
	}
	return sa == sb && aa == ab
}
