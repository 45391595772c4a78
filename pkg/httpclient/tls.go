package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
)

// TLSConfig holds TLS options for self-hosted model gateways.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Dev and test
	// only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
	// CACertificate is a path to a PEM file with a custom CA.
	CACertificate string `yaml:"ca_certificate,omitempty" json:"ca_certificate,omitempty"`
}

// NewTransport builds an http.Transport from the TLS options.
func NewTransport(cfg *TLSConfig) (*http.Transport, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{},
	}
	if cfg == nil {
		return transport, nil
	}

	if cfg.CACertificate != "" {
		pem, err := os.ReadFile(cfg.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", cfg.CACertificate, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", cfg.CACertificate)
		}
		transport.TLSClientConfig.RootCAs = pool
	}

	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	return transport, nil
}
