package client

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"

	"github.com/pkg/errors"
)

// CertificateTrustFunc decides whether a server certificate is accepted.
// verifyErr is the result of standard chain verification against the configured roots.
type CertificateTrustFunc func(leaf *x509.Certificate, chain []*x509.Certificate, verifyErr error) bool

// TrustSystemRoots accepts exactly what standard verification accepts.
func TrustSystemRoots(_ *x509.Certificate, _ []*x509.Certificate, verifyErr error) bool {
	return verifyErr == nil
}

// TrustRootsByFingerprint accepts a chain anchored at one of roots,
// compared by SHA-256 of the DER encoding.
func TrustRootsByFingerprint(roots ...*x509.Certificate) CertificateTrustFunc {
	pinned := make(map[[sha256.Size]byte]struct{}, len(roots))
	for _, root := range roots {
		pinned[sha256.Sum256(root.Raw)] = struct{}{}
	}

	return func(_ *x509.Certificate, chain []*x509.Certificate, _ error) bool {
		if len(chain) == 0 {
			return false
		}
		_, ok := pinned[sha256.Sum256(chain[len(chain)-1].Raw)]
		return ok
	}
}

func newTLSConfig(serverName string, opts TLSOptions) *tls.Config {
	trust := opts.Trust
	if trust == nil {
		trust = TrustSystemRoots
	}

	return &tls.Config{
		ServerName: serverName,
		MinVersion: opts.MinVersion,
		NextProtos: []string{"http/1.1"},
		// Verification happens in VerifyConnection so that trust can override it.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return verifyConnection(cs, serverName, opts.RootCAs, trust)
		},
	}
}

func verifyConnection(cs tls.ConnectionState, serverName string, roots *x509.CertPool, trust CertificateTrustFunc) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.Wrap(ErrCertificateRejected, "no peer certificate")
	}
	leaf := cs.PeerCertificates[0]

	intermediates := x509.NewCertPool()
	for _, cert := range cs.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}

	chain := cs.PeerCertificates
	chains, verifyErr := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		DNSName:       serverName,
		Intermediates: intermediates,
	})
	if verifyErr == nil && len(chains) > 0 {
		chain = chains[0]
	}

	if !trust(leaf, chain, verifyErr) {
		if verifyErr != nil {
			return errors.Wrap(ErrCertificateRejected, verifyErr.Error())
		}
		return ErrCertificateRejected
	}
	return nil
}
