// Package certs builds TLS configurations and manages device certificates.
//
// Key generation, CSR creation and signing run through the openssl binary
// behind a toolchain.Runner with a bounded timeout. Private keys are read
// from openssl's stdout and written by this package at 0600 from the moment
// the file exists. Certificate introspection uses crypto/x509.
package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joncooperworks/devicetrust/clock"
	"github.com/joncooperworks/devicetrust/crypto"
	"github.com/joncooperworks/devicetrust/errdefs"
	"github.com/joncooperworks/devicetrust/fsutil"
	"github.com/joncooperworks/devicetrust/toolchain"
)

const (
	// DefaultKeySize is the RSA modulus size for new keys.
	DefaultKeySize = 2048
	// MinKeySize is the smallest RSA modulus accepted.
	MinKeySize = 2048
	// DefaultDays is the validity of new certificates.
	DefaultDays = 365

	certSuffix = ".crt"
	keySuffix  = ".key"
	csrSuffix  = ".csr"
)

// Manager creates, signs, inspects and renews certificates in one directory.
type Manager struct {
	dir     string
	openssl string
	runner  toolchain.Runner
	timeout time.Duration
	caCert  string
	caKey   string
	crl     string
	clock   clock.Clock
	logger  *slog.Logger
}

// Option configures NewManager.
type Option func(*Manager)

// WithRunner sets the subprocess runner.
func WithRunner(runner toolchain.Runner) Option {
	return func(m *Manager) { m.runner = runner }
}

// WithOpenSSL sets the openssl executable. The default resolves "openssl"
// through PATH.
func WithOpenSSL(path string) Option {
	return func(m *Manager) { m.openssl = path }
}

// WithCA configures the CA used by SignCSR, renewal and chain checks.
func WithCA(certPath, keyPath string) Option {
	return func(m *Manager) {
		m.caCert = certPath
		m.caKey = keyPath
	}
}

// WithCRL configures a CRL for revocation checks.
func WithCRL(path string) Option {
	return func(m *Manager) { m.crl = path }
}

// WithClock sets the time source for validity checks.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTimeout bounds each openssl call when the default runner is used.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// NewManager returns a Manager writing into dir, which is created 0700.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:     dir,
		openssl: "openssl",
		timeout: toolchain.DefaultTimeout,
		clock:   clock.Real(),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.runner == nil {
		m.runner = toolchain.NewExec(m.timeout)
	}
	if err := fsutil.EnsureDir(dir, fsutil.PrivateDir); err != nil {
		return nil, err
	}
	return m, nil
}

// rename is swapped in tests to fail a renewal after the key is replaced.
var rename = os.Rename

// Dir returns the managed directory.
func (m *Manager) Dir() string { return m.dir }

// Subject is the distinguished name of a new certificate or CSR.
type Subject struct {
	CommonName         string
	Organization       string
	OrganizationalUnit string
	Country            string
	State              string
	Locality           string
}

func (s Subject) validate() error {
	if strings.TrimSpace(s.CommonName) == "" {
		return fmt.Errorf("common name cannot be empty: %w", errdefs.ErrInvalidInput)
	}
	for _, v := range []string{s.CommonName, s.Organization, s.OrganizationalUnit, s.Country, s.State, s.Locality} {
		if strings.ContainsAny(v, "\r\n\x00") {
			return fmt.Errorf("subject field %q contains control characters: %w", v, errdefs.ErrInvalidInput)
		}
	}
	return nil
}

// Request describes a key and certificate (or CSR) to create.
type Request struct {
	Subject Subject
	// SAN lists DNS names, IP addresses and email addresses. When empty the
	// common name is used.
	SAN []string
	// Days of validity. Ignored for CSRs. Zero means DefaultDays.
	Days int
	// KeySize is the RSA modulus size. Zero means DefaultKeySize.
	KeySize int
	// Name is the file prefix inside the manager directory. Zero means the
	// common name.
	Name string
}

func (r Request) normalized() (Request, error) {
	if err := r.Subject.validate(); err != nil {
		return r, err
	}
	if r.Days == 0 {
		r.Days = DefaultDays
	}
	if r.Days < 0 {
		return r, fmt.Errorf("validity of %d days: %w", r.Days, errdefs.ErrInvalidInput)
	}
	if r.KeySize == 0 {
		r.KeySize = DefaultKeySize
	}
	if r.KeySize < MinKeySize {
		return r, fmt.Errorf("rsa key size %d below %d: %w", r.KeySize, MinKeySize, errdefs.ErrInvalidInput)
	}
	if len(r.SAN) == 0 {
		r.SAN = []string{r.Subject.CommonName}
	}
	for _, name := range r.SAN {
		if name == "" || strings.ContainsAny(name, ",\r\n\x00") {
			return r, fmt.Errorf("invalid subject alternative name %q: %w", name, errdefs.ErrInvalidInput)
		}
	}
	if r.Name == "" {
		r.Name = r.Subject.CommonName
	}
	if r.Name != filepath.Base(r.Name) || strings.HasPrefix(r.Name, ".") {
		return r, fmt.Errorf("invalid file prefix %q: %w", r.Name, errdefs.ErrInvalidInput)
	}
	return r, nil
}

// Pair names the files of one certificate.
type Pair struct {
	CertPath string
	KeyPath  string
}

func (m *Manager) prefix(name string) string { return filepath.Join(m.dir, name) }

func (m *Manager) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := m.runner.Run(ctx, toolchain.Command{Name: m.openssl, Args: args})
	if errors.Is(err, errdefs.ErrTimeout) {
		m.logger.Warn("openssl timed out", "command", args[0], "error", err)
	}
	return out, err
}

// generateKey writes a new RSA key to path at 0600.
func (m *Manager) generateKey(ctx context.Context, path string, bits int) error {
	key, err := m.run(ctx, "genpkey", "-algorithm", "RSA", "-pkeyopt", "rsa_keygen_bits:"+strconv.Itoa(bits))
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	defer crypto.Wipe(key)
	if len(key) == 0 {
		return fmt.Errorf("openssl produced no key: %w", errdefs.ErrExternalTool)
	}
	if err := fsutil.WriteFileAtomic(path, key, fsutil.PrivateFile); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// scratch creates a private temporary directory for openssl config files.
func scratch() (string, func(), error) {
	dir, err := os.MkdirTemp("", "devicetrust-openssl-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	if err := os.Chmod(dir, fsutil.PrivateDir); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("failed to restrict scratch directory: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func sanEntries(names []string) string {
	entries := make([]string, 0, len(names))
	for _, n := range names {
		v := confEscaper.Replace(n)
		switch {
		case net.ParseIP(n) != nil:
			entries = append(entries, "IP:"+v)
		case strings.Contains(n, "@"):
			entries = append(entries, "email:"+v)
		case strings.Contains(n, "://"):
			entries = append(entries, "URI:"+v)
		default:
			entries = append(entries, "DNS:"+v)
		}
	}
	return strings.Join(entries, ", ")
}

// confEscaper backslash-escapes the characters openssl's config parser
// treats as variable references, comments, quotes or escapes.
var confEscaper = strings.NewReplacer(`\`, `\\`, `$`, `\$`, `#`, `\#`, `"`, `\"`, `'`, `\'`)

// requestConfig renders an openssl req config with a v3_req section.
func requestConfig(subject Subject, san []string) string {
	var b strings.Builder
	b.WriteString("[req]\nprompt = no\ndistinguished_name = dn\nreq_extensions = v3_req\nx509_extensions = v3_req\n\n[dn]\n")
	field := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s = %s\n", key, confEscaper.Replace(value))
		}
	}
	field("C", subject.Country)
	field("ST", subject.State)
	field("L", subject.Locality)
	field("O", subject.Organization)
	field("OU", subject.OrganizationalUnit)
	field("CN", subject.CommonName)
	b.WriteString("\n")
	b.WriteString(extensionSection(san))
	return b.String()
}

func extensionSection(san []string) string {
	return "[v3_req]\n" +
		"basicConstraints = critical, CA:FALSE\n" +
		"keyUsage = critical, digitalSignature, keyEncipherment\n" +
		"extendedKeyUsage = serverAuth, clientAuth\n" +
		"subjectAltName = " + sanEntries(san) + "\n"
}

func randomSerial() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate serial: %w", err)
	}
	b[0] &= 0x7f
	return "0x" + hex.EncodeToString(b), nil
}

func writeConfig(dir, name, content string) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), fsutil.PrivateFile); err != nil {
		return "", fmt.Errorf("failed to write openssl config: %w", err)
	}
	return path, nil
}

// GenerateSelfSigned creates a key and a self-signed certificate named
// <Name>.key and <Name>.crt.
func (m *Manager) GenerateSelfSigned(ctx context.Context, req Request) (Pair, error) {
	req, err := req.normalized()
	if err != nil {
		return Pair{}, err
	}
	pair := Pair{CertPath: m.prefix(req.Name) + certSuffix, KeyPath: m.prefix(req.Name) + keySuffix}
	if err := m.selfSigned(ctx, req, pair); err != nil {
		return Pair{}, err
	}
	m.logger.Info("generated self-signed certificate", "cn", req.Subject.CommonName, "days", req.Days, "cert", pair.CertPath)
	return pair, nil
}

func (m *Manager) selfSigned(ctx context.Context, req Request, pair Pair) error {
	dir, cleanup, err := scratch()
	if err != nil {
		return err
	}
	defer cleanup()
	if err := m.generateKey(ctx, pair.KeyPath, req.KeySize); err != nil {
		return err
	}
	cfg, err := writeConfig(dir, "req.cnf", requestConfig(req.Subject, req.SAN))
	if err != nil {
		return err
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}
	cert, err := m.run(ctx, "req", "-new", "-x509", "-sha256",
		"-key", pair.KeyPath, "-days", strconv.Itoa(req.Days),
		"-set_serial", serial, "-config", cfg, "-extensions", "v3_req")
	if err != nil {
		os.Remove(pair.KeyPath)
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	if err := fsutil.WriteFileAtomic(pair.CertPath, cert, 0644); err != nil {
		os.Remove(pair.KeyPath)
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}

// GenerateCSR creates a key and a certificate signing request named
// <Name>.key and <Name>.csr. Pair.CertPath holds the CSR path.
func (m *Manager) GenerateCSR(ctx context.Context, req Request) (Pair, error) {
	req, err := req.normalized()
	if err != nil {
		return Pair{}, err
	}
	pair := Pair{CertPath: m.prefix(req.Name) + csrSuffix, KeyPath: m.prefix(req.Name) + keySuffix}
	if err := m.csr(ctx, req, pair); err != nil {
		return Pair{}, err
	}
	m.logger.Info("generated certificate signing request", "cn", req.Subject.CommonName, "csr", pair.CertPath)
	return pair, nil
}

func (m *Manager) csr(ctx context.Context, req Request, pair Pair) error {
	dir, cleanup, err := scratch()
	if err != nil {
		return err
	}
	defer cleanup()
	if err := m.generateKey(ctx, pair.KeyPath, req.KeySize); err != nil {
		return err
	}
	cfg, err := writeConfig(dir, "req.cnf", requestConfig(req.Subject, req.SAN))
	if err != nil {
		return err
	}
	csr, err := m.run(ctx, "req", "-new", "-sha256", "-key", pair.KeyPath, "-config", cfg)
	if err != nil {
		os.Remove(pair.KeyPath)
		return fmt.Errorf("failed to create csr: %w", err)
	}
	if err := fsutil.WriteFileAtomic(pair.CertPath, csr, 0644); err != nil {
		os.Remove(pair.KeyPath)
		return fmt.Errorf("failed to write csr: %w", err)
	}
	return nil
}

// SignCSR signs the CSR at csrPath with the configured CA. The certificate
// is written next to the CSR with a .crt suffix and carries the CSR's
// subject alternative names.
func (m *Manager) SignCSR(ctx context.Context, csrPath string, days int) (string, error) {
	if m.caCert == "" || m.caKey == "" {
		return "", fmt.Errorf("signing requires a configured CA: %w", errdefs.ErrInvalidInput)
	}
	if days == 0 {
		days = DefaultDays
	}
	if days < 0 {
		return "", fmt.Errorf("validity of %d days: %w", days, errdefs.ErrInvalidInput)
	}
	data, err := os.ReadFile(csrPath)
	if err != nil {
		return "", fmt.Errorf("failed to read csr: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return "", fmt.Errorf("%s is not a PEM certificate request: %w", csrPath, errdefs.ErrInvalidInput)
	}
	request, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse csr: %v: %w", err, errdefs.ErrInvalidInput)
	}
	if err := request.CheckSignature(); err != nil {
		return "", fmt.Errorf("csr signature invalid: %v: %w", err, errdefs.ErrInvalidInput)
	}
	san := requestSAN(request)
	if len(san) == 0 {
		san = []string{request.Subject.CommonName}
	}

	certPath := strings.TrimSuffix(csrPath, csrSuffix) + certSuffix
	if err := m.sign(ctx, csrPath, certPath, san, days); err != nil {
		return "", err
	}
	m.logger.Info("signed certificate", "cn", request.Subject.CommonName, "days", days, "cert", certPath)
	return certPath, nil
}

func requestSAN(req *x509.CertificateRequest) []string {
	var san []string
	san = append(san, req.DNSNames...)
	for _, ip := range req.IPAddresses {
		san = append(san, ip.String())
	}
	san = append(san, req.EmailAddresses...)
	for _, u := range req.URIs {
		san = append(san, u.String())
	}
	return san
}

func (m *Manager) sign(ctx context.Context, csrPath, certPath string, san []string, days int) error {
	dir, cleanup, err := scratch()
	if err != nil {
		return err
	}
	defer cleanup()
	ext, err := writeConfig(dir, "ext.cnf", extensionSection(san))
	if err != nil {
		return err
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}
	cert, err := m.run(ctx, "x509", "-req", "-sha256",
		"-in", csrPath, "-CA", m.caCert, "-CAkey", m.caKey,
		"-set_serial", serial, "-days", strconv.Itoa(days),
		"-extfile", ext, "-extensions", "v3_req")
	if err != nil {
		return fmt.Errorf("failed to sign csr: %w", err)
	}
	if err := fsutil.WriteFileAtomic(certPath, cert, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}

// CertificateInfo parses the certificate at path.
func (m *Manager) CertificateInfo(path string) (Certificate, error) {
	info, _, err := ReadCertificate(path)
	return info, err
}

// Verification is the outcome of VerifyCertificate.
type Verification struct {
	Valid  bool
	Issues []string
}

// VerifyCertificate checks validity dates, the chain against caBundle (or
// the configured CA when empty) and, when checkRevocation is set and a CRL
// is configured, revocation. A certificate expiring within RenewalThreshold
// stays valid but is reported as an issue. Timeouts are returned as errors;
// chain and revocation failures are issues.
func (m *Manager) VerifyCertificate(ctx context.Context, path, caBundle string, checkRevocation bool) (Verification, error) {
	info, _, err := ReadCertificate(path)
	if err != nil {
		return Verification{}, err
	}
	now := m.clock.Now()
	v := Verification{Valid: true}
	fail := func(issue string) {
		v.Valid = false
		v.Issues = append(v.Issues, issue)
	}
	switch {
	case info.Expired(now):
		fail(fmt.Sprintf("certificate expired %s", info.NotAfter.Format(time.RFC3339)))
	case info.NotYetValid(now):
		fail(fmt.Sprintf("certificate not valid before %s", info.NotBefore.Format(time.RFC3339)))
	case info.NeedsRenewal(now):
		v.Issues = append(v.Issues, fmt.Sprintf("certificate expires in %d days", info.DaysUntilExpiry(now)))
	}

	if caBundle == "" {
		caBundle = m.caCert
	}
	if caBundle == "" {
		v.Issues = append(v.Issues, "chain not verified: no CA bundle")
		if checkRevocation {
			v.Issues = append(v.Issues, "revocation not checked: no CA bundle")
		}
		return v, nil
	}

	args := []string{"verify", "-CAfile", caBundle}
	if checkRevocation {
		if m.crl == "" {
			v.Issues = append(v.Issues, "revocation not checked: no CRL configured")
		} else {
			args = append(args, "-crl_check", "-CRLfile", m.crl)
		}
	}
	args = append(args, path)
	if _, err := m.run(ctx, args...); err != nil {
		if errors.Is(err, errdefs.ErrTimeout) || !errors.Is(err, errdefs.ErrExternalTool) {
			return Verification{}, err
		}
		fail("chain verification failed: " + err.Error())
	}
	return v, nil
}

// RenewCertificate issues a fresh key and certificate preserving the
// original CN and SAN, then replaces certPath and keyPath. With a configured
// CA the new certificate is CA-signed; otherwise it is self-signed. The old
// files are kept until the new pair exists.
func (m *Manager) RenewCertificate(ctx context.Context, certPath, keyPath string, days int) (Pair, error) {
	info, old, err := ReadCertificate(certPath)
	if err != nil {
		return Pair{}, err
	}
	keySize := DefaultKeySize
	if pub, ok := old.PublicKey.(*rsa.PublicKey); ok && pub.N.BitLen() > keySize {
		keySize = pub.N.BitLen()
	}
	req, err := Request{
		Subject: Subject{
			CommonName:         old.Subject.CommonName,
			Organization:       strings.Join(old.Subject.Organization, ", "),
			OrganizationalUnit: strings.Join(old.Subject.OrganizationalUnit, ", "),
			Country:            strings.Join(old.Subject.Country, ", "),
			State:              strings.Join(old.Subject.Province, ", "),
			Locality:           strings.Join(old.Subject.Locality, ", "),
		},
		SAN:     slices.Clone(info.SAN),
		Days:    days,
		KeySize: keySize,
		Name:    filepath.Base(certPath),
	}.normalized()
	if err != nil {
		return Pair{}, err
	}

	staged := Pair{CertPath: certPath + ".renew", KeyPath: keyPath + ".renew"}
	defer os.Remove(staged.CertPath)
	defer os.Remove(staged.KeyPath)

	if m.caCert != "" && m.caKey != "" {
		csrPath := certPath + ".renew" + csrSuffix
		defer os.Remove(csrPath)
		if err := m.csr(ctx, req, Pair{CertPath: csrPath, KeyPath: staged.KeyPath}); err != nil {
			return Pair{}, err
		}
		if err := m.sign(ctx, csrPath, staged.CertPath, req.SAN, req.Days); err != nil {
			return Pair{}, err
		}
	} else if err := m.selfSigned(ctx, req, staged); err != nil {
		return Pair{}, err
	}

	// The key and certificate are swapped as a pair. If the certificate
	// cannot be moved into place the previous key is written back.
	previousKey, err := os.ReadFile(keyPath)
	if err != nil {
		return Pair{}, fmt.Errorf("failed to read current key: %w", err)
	}
	defer crypto.Wipe(previousKey)
	if err := rename(staged.KeyPath, keyPath); err != nil {
		return Pair{}, fmt.Errorf("failed to replace key: %w", err)
	}
	if err := rename(staged.CertPath, certPath); err != nil {
		if restoreErr := fsutil.WriteFileAtomic(keyPath, previousKey, fsutil.PrivateFile); restoreErr != nil {
			m.logger.Error("key and certificate no longer match", "cert", certPath, "key", keyPath, "error", restoreErr)
			return Pair{}, fmt.Errorf("failed to replace certificate (%v) or restore the previous key: %w", err, restoreErr)
		}
		return Pair{}, fmt.Errorf("failed to replace certificate: %w", err)
	}
	fsutil.SyncDir(filepath.Dir(certPath))
	m.logger.Info("renewed certificate", "cn", req.Subject.CommonName, "days", req.Days, "cert", certPath)
	return Pair{CertPath: certPath, KeyPath: keyPath}, nil
}

// Expiring is a certificate found by ExpiringCertificates.
type Expiring struct {
	Path        string
	Certificate Certificate
}

// ExpiringCertificates scans the manager directory for *.crt files expiring
// within the given window, soonest first. Unparseable files are logged and
// skipped.
func (m *Manager) ExpiringCertificates(within time.Duration) ([]Expiring, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan certificates: %w", err)
	}
	deadline := m.clock.Now().Add(within)
	var out []Expiring
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), certSuffix) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		info, _, err := ReadCertificate(path)
		if err != nil {
			m.logger.Warn("skipping unreadable certificate", "path", path, "error", err)
			continue
		}
		if !info.NotAfter.After(deadline) {
			out = append(out, Expiring{Path: path, Certificate: info})
		}
	}
	slices.SortFunc(out, func(a, b Expiring) int {
		return a.Certificate.NotAfter.Compare(b.Certificate.NotAfter)
	})
	return out, nil
}
