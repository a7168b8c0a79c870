package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// TLSConfig configures transport-level TLS.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Dev only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// CACertificate is a path to a PEM bundle appended to the root pool.
	CACertificate string `yaml:"ca_certificate"`
}

// Transport builds an http.Transport from the TLS configuration.
func (c *TLSConfig) Transport() (*http.Transport, error) {
	cfg := &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify}

	if c.CACertificate != "" {
		pem, err := os.ReadFile(c.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate %s: %w", c.CACertificate, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parsing CA certificate %s: no certificates found", c.CACertificate)
		}
		cfg.RootCAs = pool
	}

	return &http.Transport{TLSClientConfig: cfg}, nil
}

// WithTLS configures the client's transport from tlsCfg. A nil config is a
// no-op.
func WithTLS(tlsCfg *TLSConfig) (Option, error) {
	if tlsCfg == nil {
		return func(*Client) {}, nil
	}
	transport, err := tlsCfg.Transport()
	if err != nil {
		return nil, err
	}
	return func(c *Client) {
		if c.client == nil {
			c.client = &http.Client{Timeout: 60 * time.Second}
		}
		c.client.Transport = transport
	}, nil
}
