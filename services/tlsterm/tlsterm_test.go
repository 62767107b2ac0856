package tlsterm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedPEM(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestTerminator_RoutesBySNI(t *testing.T) {
	term := New(nil, nil)
	certA, keyA := selfSignedPEM(t, "a.example.com")
	certB, keyB := selfSignedPEM(t, "b.example.com")
	require.NoError(t, term.LoadCertificate("a.example.com", certA, keyA))
	require.NoError(t, term.LoadCertificate("b.example.com", certB, keyB))

	got, err := term.getCertificate(&tls.ClientHelloInfo{ServerName: "a.example.com"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(got.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, "a.example.com", leaf.Subject.CommonName)
}

func TestTerminator_WildcardFallback(t *testing.T) {
	term := New(nil, nil)
	cert, key := selfSignedPEM(t, "*.example.com")
	require.NoError(t, term.LoadCertificate("*.example.com", cert, key))

	got, err := term.getCertificate(&tls.ClientHelloInfo{ServerName: "api.example.com"})
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestTerminator_UnknownSNIWithCertsLoadedErrors(t *testing.T) {
	term := New(nil, nil)
	cert, key := selfSignedPEM(t, "a.example.com")
	require.NoError(t, term.LoadCertificate("a.example.com", cert, key))

	_, err := term.getCertificate(&tls.ClientHelloInfo{ServerName: "nowhere.example.com"})
	require.Error(t, err)
}

func TestTerminator_TLSConfigAdvertisesHTTP2(t *testing.T) {
	term := New(nil, nil)
	cfg := term.TLSConfig()
	require.Contains(t, cfg.NextProtos, "h2")
}

func TestTerminator_BadCertificateRejectedAtLoad(t *testing.T) {
	term := New(nil, nil)
	err := term.LoadCertificate("bad.example.com", []byte("not a cert"), []byte("not a key"))
	require.Error(t, err)
}
