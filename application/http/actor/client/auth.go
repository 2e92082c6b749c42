package client

import (
	"encoding/base64"
	"net/url"
	"strings"

	"http-pool/application/util/rule"

	"github.com/pkg/errors"
)

const schemeBasic = "Basic"

// Credentials authenticate against a forward proxy.
type Credentials struct {
	// Domain is prefixed as domain\username when set.
	Domain   string
	Username string
	Password string

	// Scheme defaults to Basic, the only one supported.
	Scheme string
}

// authorization renders the Proxy-Authorization value.
func (c *Credentials) authorization() (string, error) {
	if c.Scheme != "" && !strings.EqualFold(c.Scheme, schemeBasic) {
		return "", errors.Wrapf(ErrUnsupportedAuthScheme, "%q", c.Scheme)
	}

	user := c.Username
	if c.Domain != "" {
		user = c.Domain + `\` + c.Username
	}
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + c.Password))

	return schemeBasic + " " + token, nil
}

// proxyAuthorization picks explicit credentials over the proxy URL userinfo.
// It returns an empty value when neither is set.
func proxyAuthorization(proxy *url.URL, explicit *Credentials) (string, error) {
	creds := explicit
	if creds == nil && proxy != nil && proxy.User != nil {
		password, _ := proxy.User.Password()
		creds = &Credentials{Username: proxy.User.Username(), Password: password}
	}
	if creds == nil {
		return "", nil
	}
	return creds.authorization()
}

// offersBasic reports whether any Proxy-Authenticate challenge uses Basic.
func offersBasic(challenges []string) bool {
	for _, line := range challenges {
		for _, challenge := range rule.SplitList(line) {
			scheme, _, _ := strings.Cut(challenge, " ")
			if strings.EqualFold(scheme, schemeBasic) {
				return true
			}
		}
	}
	return false
}
