package acme

import (
	"crypto/x509"
	"fmt"
	"os"
)

// Pebble (https://github.com/letsencrypt/pebble) is the usual ACME server for
// local testing. Its CA certificate is published in the Pebble repository
// under test/certs/pebble.minica.pem.

const (
	PebbleDirectoryURI               = "https://localhost:14000/dir"
	PebbleHTTPChallengeSolverAddress = ":5002"
)

// LoadCACertificatePool reads a PEM bundle of CA certificates, e.g. the Pebble
// CA certificate, to be trusted by the HTTP client talking to the ACME server.
func LoadCACertificatePool(filePath string) (*x509.CertPool, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read %q: %w", filePath, err)
	}

	certs, err := DecodePEMCertificateChain(data)
	if err != nil {
		return nil, fmt.Errorf("cannot decode %q: %w", filePath, err)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in %q", filePath)
	}

	pool := x509.NewCertPool()
	for _, cert := range certs {
		pool.AddCert(cert)
	}

	return pool, nil
}
