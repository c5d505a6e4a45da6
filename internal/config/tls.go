// SPDX-License-Identifier: MIT

package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TrustConfig builds the TLS client configuration for wss:// uplinks from
// the configured trust material.
//
// The value is tried as inline PEM first, then as a filesystem path to a
// PEM file. The pool is used for chain verification only: hostname
// verification is disabled, since the trust material typically names an
// internal CA whose leaf certificates do not match the dialed host.
//
// Returns (nil, nil) when no trust material is configured; the dialer then
// uses the system roots with full verification.
func TrustConfig(cert string) (*tls.Config, error) {
	if cert == "" {
		return nil, nil
	}

	pemData := []byte(cert)
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		data, err := os.ReadFile(cert) // #nosec G304 - path comes from operator configuration
		if err != nil {
			return nil, fmt.Errorf("trust material is neither valid PEM nor a readable file: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("trust material file %s contains no valid PEM certificates", cert)
		}
	}

	// InsecureSkipVerify disables the default verification so the custom
	// callback can check the chain against the pool while skipping the
	// hostname match.
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // #nosec G402 - chain is verified below, only hostname checks are skipped
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("no peer certificates presented")
			}
			certs := make([]*x509.Certificate, 0, len(rawCerts))
			for _, raw := range rawCerts {
				c, err := x509.ParseCertificate(raw)
				if err != nil {
					return fmt.Errorf("failed to parse peer certificate: %w", err)
				}
				certs = append(certs, c)
			}
			opts := x509.VerifyOptions{
				Roots:         pool,
				Intermediates: x509.NewCertPool(),
			}
			for _, c := range certs[1:] {
				opts.Intermediates.AddCert(c)
			}
			if _, err := certs[0].Verify(opts); err != nil {
				return fmt.Errorf("peer certificate verification failed: %w", err)
			}
			return nil
		},
	}
	return cfg, nil
}
