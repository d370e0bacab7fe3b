package certs

import (
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joncooperworks/devicetrust/errdefs"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    uint16
		wantErr bool
	}{
		{"1.2", tls.VersionTLS12, false},
		{"TLS1.3", tls.VersionTLS13, false},
		{"1.1", 0, true},
		{"1.0", 0, true},
		{"ssl3", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVersion(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCipherSuite(t *testing.T) {
	id, err := ParseCipherSuite("TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384")
	require.NoError(t, err)
	assert.Equal(t, tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, id)

	_, err = ParseCipherSuite("TLS_RSA_WITH_RC4_128_SHA")
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
	_, err = ParseCipherSuite("TLS_MADE_UP")
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestTLSOptionsValidate(t *testing.T) {
	assert.NoError(t, TLSOptions{}.Validate())
	assert.NoError(t, TLSOptions{TLS13Only: true, MinVersion: tls.VersionTLS10}.Validate())
	assert.ErrorIs(t, TLSOptions{MinVersion: tls.VersionTLS11}.Validate(), errdefs.ErrInvalidInput)
	assert.ErrorIs(t, TLSOptions{MinVersion: tls.VersionTLS13, MaxVersion: tls.VersionTLS12}.Validate(), errdefs.ErrInvalidInput)
	assert.ErrorIs(t, TLSOptions{CipherSuites: []uint16{}}.Validate(), errdefs.ErrInvalidInput)
	assert.ErrorIs(t, TLSOptions{CipherSuites: []uint16{tls.TLS_RSA_WITH_RC4_128_SHA}}.Validate(), errdefs.ErrInvalidInput)
}

func TestClientConfigDefaults(t *testing.T) {
	cfg, err := TLSOptions{ServerName: "dashboard.local"}.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, DefaultCipherSuites, cfg.CipherSuites)
	assert.Equal(t, "dashboard.local", cfg.ServerName)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.RootCAs)

	cfg, err = TLSOptions{TLS13Only: true}.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
}

func TestServerConfigRequiresCertificate(t *testing.T) {
	_, err := TLSOptions{}.ServerConfig()
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestMutualTLSRequiresClientCA(t *testing.T) {
	p := newPKI(t, t.TempDir(), time.Now())
	_, err := TLSOptions{CertFile: p.leaf.certPath, KeyFile: p.leaf.keyPath, RequireClientCert: true}.ServerConfig()
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)

	cfg, err := TLSOptions{
		CertFile: p.leaf.certPath, KeyFile: p.leaf.keyPath,
		RequireClientCert: true, CAFile: p.ca.certPath,
	}.ServerConfig()
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)
}

// handshake runs one TLS connection between server and client configs and
// returns the client-side error.
func handshake(t *testing.T, server, client *tls.Config) error {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", server)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		if conn.(*tls.Conn).Handshake() == nil {
			io.WriteString(conn, "ok")
		}
	}()

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", ln.Addr().String(), client)
	if err == nil {
		buf := make([]byte, 2)
		_, err = io.ReadFull(conn, buf)
		conn.Close()
	}
	<-done
	return err
}

func TestMutualTLSHandshake(t *testing.T) {
	dir := t.TempDir()
	p := newPKI(t, dir, time.Now())
	client := issue(t, dir, "operator", certSpec{
		cn: "operator", notBefore: time.Now().Add(-time.Hour), notAfter: time.Now().Add(time.Hour), parent: p.ca,
	})

	server, err := TLSOptions{
		CertFile: p.leaf.certPath, KeyFile: p.leaf.keyPath,
		RequireClientCert: true, ClientCAFile: p.ca.certPath,
	}.ServerConfig()
	require.NoError(t, err)

	withCert, err := TLSOptions{
		CAFile: p.ca.certPath, ServerName: "localhost",
		CertFile: client.certPath, KeyFile: client.keyPath,
	}.ClientConfig()
	require.NoError(t, err)
	assert.NoError(t, handshake(t, server, withCert))

	withoutCert, err := TLSOptions{CAFile: p.ca.certPath, ServerName: "localhost"}.ClientConfig()
	require.NoError(t, err)
	assert.Error(t, handshake(t, server, withoutCert))
}

func TestSkipHostnameVerificationKeepsChainCheck(t *testing.T) {
	dir := t.TempDir()
	p := newPKI(t, dir, time.Now())
	server, err := TLSOptions{CertFile: p.leaf.certPath, KeyFile: p.leaf.keyPath}.ServerConfig()
	require.NoError(t, err)

	strict, err := TLSOptions{CAFile: p.ca.certPath, ServerName: "wrong.example"}.ClientConfig()
	require.NoError(t, err)
	assert.Error(t, handshake(t, server, strict))

	relaxed, err := TLSOptions{CAFile: p.ca.certPath, ServerName: "wrong.example", SkipHostnameVerification: true}.ClientConfig()
	require.NoError(t, err)
	assert.NoError(t, handshake(t, server, relaxed))

	other := newPKI(t, t.TempDir(), time.Now())
	untrusted, err := TLSOptions{CAFile: other.ca.certPath, ServerName: "localhost", SkipHostnameVerification: true}.ClientConfig()
	require.NoError(t, err)
	assert.Error(t, handshake(t, server, untrusted))
}
