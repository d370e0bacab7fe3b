package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testCert struct {
	cert     *x509.Certificate
	key      *ecdsa.PrivateKey
	certPath string
	keyPath  string
}

type certSpec struct {
	cn        string
	dns       []string
	ips       []net.IP
	notBefore time.Time
	notAfter  time.Time
	isCA      bool
	parent    *testCert
}

var serial int64

func issue(t *testing.T, dir, name string, spec certSpec) *testCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial++
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: spec.cn, Organization: []string{"Meeting Rooms"}},
		NotBefore:    spec.notBefore,
		NotAfter:     spec.notAfter,
		DNSNames:     spec.dns,
		IPAddresses:  spec.ips,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if spec.isCA {
		tmpl.IsCA = true
		tmpl.BasicConstraintsValid = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}
	parent, signer := tmpl, key
	if spec.parent != nil {
		parent, signer = spec.parent.cert, spec.parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	tc := &testCert{
		cert:     cert,
		key:      key,
		certPath: filepath.Join(dir, name+".crt"),
		keyPath:  filepath.Join(dir, name+".key"),
	}
	require.NoError(t, os.WriteFile(tc.certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644))
	require.NoError(t, os.WriteFile(tc.keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0600))
	return tc
}

func (c *testCert) pem() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.cert.Raw})
}

// pki is a CA with one localhost leaf, valid around now.
type pki struct {
	ca   *testCert
	leaf *testCert
}

func newPKI(t *testing.T, dir string, now time.Time) pki {
	t.Helper()
	ca := issue(t, dir, "ca", certSpec{
		cn: "Device CA", isCA: true,
		notBefore: now.Add(-time.Hour), notAfter: now.Add(5 * 365 * 24 * time.Hour),
	})
	leaf := issue(t, dir, "device-01", certSpec{
		cn: "localhost", dns: []string{"localhost"}, ips: []net.IP{net.IPv4(127, 0, 0, 1)},
		notBefore: now.Add(-time.Hour), notAfter: now.Add(400 * 24 * time.Hour),
		parent: ca,
	})
	return pki{ca: ca, leaf: leaf}
}
