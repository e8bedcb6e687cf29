package healthcheck

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeTestCert writes a self-signed certificate valid until notAfter.
func writeTestCert(t *testing.T, notAfter time.Time) (string, []byte) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"bitcoind"},
		},
		NotBefore: notAfter.Add(-48 * time.Hour),
		NotAfter:  notAfter,
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}

	certDER, err := x509.CreateCertificate(
		rand.Reader, &template, &template, &priv.PublicKey, priv,
	)
	require.NoError(t, err)

	certPath := filepath.Join(t.TempDir(), "rpc.cert")
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	require.NoError(t, os.WriteFile(certPath, certPEM, 0644))

	return certPath, certPEM
}

// TestReadCert checks expiry handling and that the raw PEM is returned.
func TestReadCert(t *testing.T) {
	now := time.Now()

	validPath, validPEM := writeTestCert(t, now.Add(24*time.Hour))
	certData, err := ReadCert(validPath, now)
	require.NoError(t, err)
	require.Equal(t, validPEM, certData)

	expiredPath, _ := writeTestCert(t, now.Add(-time.Hour))
	_, err = ReadCert(expiredPath, now)
	require.ErrorIs(t, err, ErrCertExpired)

	futurePath, _ := writeTestCert(t, now.Add(72*time.Hour))
	_, err = ReadCert(futurePath, now)
	require.ErrorIs(t, err, ErrCertNotYetValid)

	_, err = ReadCert("/nonexistent/path/rpc.cert", now)
	require.ErrorContains(t, err, "unable to read")

	garbagePath := filepath.Join(t.TempDir(), "garbage.cert")
	require.NoError(t, os.WriteFile(garbagePath, []byte("nope"), 0644))
	_, err = ReadCert(garbagePath, now)
	require.ErrorContains(t, err, "PEM")
}
