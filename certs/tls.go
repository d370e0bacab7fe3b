package certs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/joncooperworks/devicetrust/errdefs"
)

// DefaultCipherSuites is the TLS 1.2 allow-list: ECDHE key exchange with
// AES-GCM or ChaCha20-Poly1305. TLS 1.3 suites are not configurable in Go.
var DefaultCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// TLSOptions describes a transport security context. The zero value is a
// TLS 1.2+ client that verifies the server against the system roots.
//
// Go's TLS stack never negotiates compression, and with MinVersion at 1.2
// or above it refuses TLS 1.1 and older.
type TLSOptions struct {
	// MinVersion defaults to TLS 1.2. Older versions are rejected.
	MinVersion uint16
	// MaxVersion of zero allows the newest version Go supports.
	MaxVersion uint16
	// TLS13Only pins both bounds to TLS 1.3.
	TLS13Only bool
	// CipherSuites restricts TLS 1.2 suites. Nil selects
	// DefaultCipherSuites. Suites Go classifies as insecure are rejected.
	CipherSuites []uint16

	// CertFile and KeyFile hold this side's certificate. Required for
	// servers; enables client certificates for clients.
	CertFile string
	KeyFile  string
	// CAFile holds the roots used to verify the peer. Empty means the
	// system roots.
	CAFile string

	// RequireClientCert turns on mutual TLS for servers. Client
	// certificates are verified against ClientCAFile, or CAFile when that
	// is empty.
	RequireClientCert bool
	ClientCAFile      string

	// ServerName is the name clients verify. SkipHostnameVerification
	// keeps chain verification but ignores the name.
	ServerName               string
	SkipHostnameVerification bool
}

// ParseVersion converts "1.2" or "1.3" to a tls version constant.
func ParseVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "tls") {
	case "1.2", "12":
		return tls.VersionTLS12, nil
	case "1.3", "13":
		return tls.VersionTLS13, nil
	case "1.0", "10", "1.1", "11":
		return 0, fmt.Errorf("tls version %s is older than 1.2: %w", v, errdefs.ErrInvalidInput)
	}
	return 0, fmt.Errorf("unknown tls version %q: %w", v, errdefs.ErrInvalidInput)
}

// ParseCipherSuite resolves a suite by its IANA name.
func ParseCipherSuite(name string) (uint16, error) {
	for _, s := range tls.CipherSuites() {
		if s.Name == name {
			return s.ID, nil
		}
	}
	for _, s := range tls.InsecureCipherSuites() {
		if s.Name == name {
			return 0, fmt.Errorf("cipher suite %s is insecure: %w", name, errdefs.ErrInvalidInput)
		}
	}
	return 0, fmt.Errorf("unknown cipher suite %q: %w", name, errdefs.ErrInvalidInput)
}

// Validate checks versions and cipher suites.
func (o TLSOptions) Validate() error {
	_, _, err := o.versions()
	if err != nil {
		return err
	}
	_, err = o.suites()
	return err
}

func (o TLSOptions) versions() (uint16, uint16, error) {
	if o.TLS13Only {
		return tls.VersionTLS13, tls.VersionTLS13, nil
	}
	minV := o.MinVersion
	if minV == 0 {
		minV = tls.VersionTLS12
	}
	if minV < tls.VersionTLS12 {
		return 0, 0, fmt.Errorf("minimum tls version %s is older than 1.2: %w", tls.VersionName(minV), errdefs.ErrInvalidInput)
	}
	if o.MaxVersion != 0 && o.MaxVersion < minV {
		return 0, 0, fmt.Errorf("maximum tls version %s below minimum %s: %w",
			tls.VersionName(o.MaxVersion), tls.VersionName(minV), errdefs.ErrInvalidInput)
	}
	return minV, o.MaxVersion, nil
}

func (o TLSOptions) suites() ([]uint16, error) {
	if o.CipherSuites == nil {
		return slices.Clone(DefaultCipherSuites), nil
	}
	if len(o.CipherSuites) == 0 {
		return nil, fmt.Errorf("cipher suite allow-list is empty: %w", errdefs.ErrInvalidInput)
	}
	secure := make(map[uint16]bool)
	for _, s := range tls.CipherSuites() {
		secure[s.ID] = true
	}
	for _, id := range o.CipherSuites {
		if !secure[id] {
			return nil, fmt.Errorf("cipher suite %s not allowed: %w", tls.CipherSuiteName(id), errdefs.ErrInvalidInput)
		}
	}
	return slices.Clone(o.CipherSuites), nil
}

func (o TLSOptions) base() (*tls.Config, error) {
	minV, maxV, err := o.versions()
	if err != nil {
		return nil, err
	}
	suites, err := o.suites()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   minV,
		MaxVersion:   maxV,
		CipherSuites: suites,
	}, nil
}

// ServerConfig builds a server-side tls.Config.
func (o TLSOptions) ServerConfig() (*tls.Config, error) {
	cfg, err := o.base()
	if err != nil {
		return nil, err
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, fmt.Errorf("server tls requires a certificate and key: %w", errdefs.ErrInvalidInput)
	}
	pair, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	cfg.Certificates = []tls.Certificate{pair}

	if o.RequireClientCert {
		caFile := o.ClientCAFile
		if caFile == "" {
			caFile = o.CAFile
		}
		if caFile == "" {
			return nil, fmt.Errorf("mutual tls requires a client CA bundle: %w", errdefs.ErrInvalidInput)
		}
		pool, err := loadPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ClientConfig builds a client-side tls.Config.
func (o TLSOptions) ClientConfig() (*tls.Config, error) {
	cfg, err := o.base()
	if err != nil {
		return nil, err
	}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" || o.KeyFile != "" {
		pair, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	cfg.ServerName = o.ServerName

	if o.SkipHostnameVerification {
		// Standard verification always checks the name, so it is disabled
		// and the chain is verified here instead.
		roots := cfg.RootCAs
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyChain(cs.PeerCertificates, roots)
		}
	}
	return cfg, nil
}

func verifyChain(peers []*x509.Certificate, roots *x509.CertPool) error {
	if len(peers) == 0 {
		return errors.New("peer presented no certificate")
	}
	intermediates := x509.NewCertPool()
	for _, c := range peers[1:] {
		intermediates.AddCert(c)
	}
	_, err := peers[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	return err
}

func loadPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("CA bundle %s contains no certificates: %w", path, errdefs.ErrInvalidInput)
	}
	return pool, nil
}
