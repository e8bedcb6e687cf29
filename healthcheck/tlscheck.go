package healthcheck

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrCertExpired is returned if a certificate is past its expiry.
	ErrCertExpired = errors.New("certificate expired")

	// ErrCertNotYetValid is returned if a certificate is used before its
	// validity period starts.
	ErrCertNotYetValid = errors.New("certificate not yet valid")
)

// ReadCert reads the PEM encoded certificate at the given path and makes sure
// it is valid at the passed time. The raw PEM bytes are returned so they can
// be handed to an RPC client.
func ReadCert(certPath string, now time.Time) ([]byte, error) {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read TLS certificate: %w",
			err)
	}

	block, _ := pem.Decode(certData)
	if block == nil {
		return nil, fmt.Errorf("failed to parse certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	switch {
	case now.After(cert.NotAfter):
		return nil, fmt.Errorf("%w at %v", ErrCertExpired,
			cert.NotAfter)

	case now.Before(cert.NotBefore):
		return nil, fmt.Errorf("%w before %v", ErrCertNotYetValid,
			cert.NotBefore)
	}

	return certData, nil
}
