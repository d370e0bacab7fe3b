package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joncooperworks/devicetrust/errdefs"
)

// RenewalThreshold is how close to expiry a certificate must be before
// NeedsRenewal reports true.
const RenewalThreshold = 30 * 24 * time.Hour

// Certificate is a parsed view of an X.509 certificate file.
type Certificate struct {
	Subject           map[string]string `json:"subject"`
	Issuer            map[string]string `json:"issuer"`
	SerialNumber      string            `json:"serial_number"`
	NotBefore         time.Time         `json:"not_before"`
	NotAfter          time.Time         `json:"not_after"`
	FingerprintSHA256 string            `json:"fingerprint_sha256"`
	SAN               []string          `json:"san"`
	IsCA              bool              `json:"is_ca"`
}

// CommonName returns the subject CN.
func (c Certificate) CommonName() string { return c.Subject["CN"] }

// DaysUntilExpiry returns whole days from now until NotAfter. It is negative
// once the certificate has expired.
func (c Certificate) DaysUntilExpiry(now time.Time) int {
	d := c.NotAfter.Sub(now)
	days := int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return days
}

// NeedsRenewal reports whether the certificate expires within
// RenewalThreshold of now.
func (c Certificate) NeedsRenewal(now time.Time) bool {
	return !c.NotAfter.After(now.Add(RenewalThreshold))
}

// Expired reports whether now is past NotAfter.
func (c Certificate) Expired(now time.Time) bool { return now.After(c.NotAfter) }

// NotYetValid reports whether now is before NotBefore.
func (c Certificate) NotYetValid(now time.Time) bool { return now.Before(c.NotBefore) }

// ReadCertificate parses the first certificate in a PEM or DER file.
func ReadCertificate(path string) (Certificate, *x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Certificate{}, nil, fmt.Errorf("certificate %s: %w", path, errdefs.ErrNotFound)
		}
		return Certificate{}, nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	return ParseCertificate(data)
}

// ParseCertificate parses the first certificate in PEM or DER data.
func ParseCertificate(data []byte) (Certificate, *x509.Certificate, error) {
	der := data
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			der = block.Bytes
			break
		}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Certificate{}, nil, fmt.Errorf("failed to parse certificate: %v: %w", err, errdefs.ErrInvalidInput)
	}
	return describe(cert), cert, nil
}

func describe(cert *x509.Certificate) Certificate {
	sum := sha256.Sum256(cert.Raw)
	return Certificate{
		Subject:           nameMap(cert.Subject),
		Issuer:            nameMap(cert.Issuer),
		SerialNumber:      strings.ToUpper(cert.SerialNumber.Text(16)),
		NotBefore:         cert.NotBefore.UTC(),
		NotAfter:          cert.NotAfter.UTC(),
		FingerprintSHA256: colonHex(sum[:]),
		SAN:               subjectAltNames(cert),
		IsCA:              cert.BasicConstraintsValid && cert.IsCA,
	}
}

func nameMap(name pkix.Name) map[string]string {
	out := make(map[string]string)
	set := func(key string, values []string) {
		if len(values) > 0 {
			out[key] = strings.Join(values, ", ")
		}
	}
	if name.CommonName != "" {
		out["CN"] = name.CommonName
	}
	set("O", name.Organization)
	set("OU", name.OrganizationalUnit)
	set("C", name.Country)
	set("ST", name.Province)
	set("L", name.Locality)
	if name.SerialNumber != "" {
		out["serialNumber"] = name.SerialNumber
	}
	return out
}

func subjectAltNames(cert *x509.Certificate) []string {
	var san []string
	san = append(san, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		san = append(san, ip.String())
	}
	san = append(san, cert.EmailAddresses...)
	for _, u := range cert.URIs {
		san = append(san, u.String())
	}
	return san
}

func colonHex(b []byte) string {
	h := strings.ToUpper(hex.EncodeToString(b))
	parts := make([]string, 0, len(b))
	for i := 0; i < len(h); i += 2 {
		parts = append(parts, h[i:i+2])
	}
	return strings.Join(parts, ":")
}
