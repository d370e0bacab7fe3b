// Package crypto provides the key derivation and authenticated encryption
// primitives the rest of devicetrust is built on.
//
// Ciphertext is always produced by an AEAD. The primary suite is AES-256-GCM
// with blobs laid out as [nonce:12][ciphertext][tag:16]. When AES-GCM cannot
// be constructed the cipher degrades to XChaCha20-Poly1305
// ([nonce:24][ciphertext][tag:16]); the suite in use is returned by
// Cipher.Suite so callers can record it next to anything they persist.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/joncooperworks/devicetrust/errdefs"
)

// KeySize is the size of every symmetric key in devicetrust (AES-256).
const KeySize = 32

// Suite names an AEAD construction.
type Suite string

const (
	// SuiteAESGCM is AES-256-GCM with a 12-byte random nonce.
	SuiteAESGCM Suite = "aes-256-gcm"
	// SuiteXChaCha20Poly1305 is the degraded-mode suite with a 24-byte
	// random nonce.
	SuiteXChaCha20Poly1305 Suite = "xchacha20-poly1305"
)

// ParseSuite validates a suite name.
func ParseSuite(name string) (Suite, error) {
	switch Suite(name) {
	case SuiteAESGCM, SuiteXChaCha20Poly1305:
		return Suite(name), nil
	case "":
		return SuiteAESGCM, nil
	}
	return "", fmt.Errorf("unknown cipher suite %q: %w", name, errdefs.ErrInvalidInput)
}

// Cipher encrypts and decrypts with a single 32-byte key. A Cipher is safe for
// concurrent use.
type Cipher struct {
	aead  cipher.AEAD
	suite Suite
}

type cipherOptions struct {
	suite   Suite
	logger  *slog.Logger
	primary func(key []byte) (cipher.AEAD, error)
}

// CipherOption configures NewCipher.
type CipherOption func(*cipherOptions)

// WithSuite forces a specific suite instead of probing. Use it to read data
// that was recorded as written under a given suite.
func WithSuite(suite Suite) CipherOption {
	return func(o *cipherOptions) { o.suite = suite }
}

// WithCipherLogger sets the logger used to report a suite fallback.
func WithCipherLogger(logger *slog.Logger) CipherOption {
	return func(o *cipherOptions) { o.logger = logger }
}

// NewCipher creates a Cipher for key, which must be exactly KeySize bytes.
//
// Without WithSuite, AES-256-GCM is tried first and XChaCha20-Poly1305 is
// used only if AES-GCM cannot be constructed. The fallback is logged at WARN.
func NewCipher(key []byte, opts ...CipherOption) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d: %w", KeySize, len(key), errdefs.ErrInvalidInput)
	}
	o := cipherOptions{
		logger:  slog.New(slog.DiscardHandler),
		primary: newAESGCM,
	}
	for _, opt := range opts {
		opt(&o)
	}

	switch o.suite {
	case SuiteAESGCM:
		aead, err := o.primary(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES-GCM: %w", err)
		}
		return &Cipher{aead: aead, suite: SuiteAESGCM}, nil
	case SuiteXChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
		}
		return &Cipher{aead: aead, suite: SuiteXChaCha20Poly1305}, nil
	case "":
	default:
		return nil, fmt.Errorf("unknown cipher suite %q: %w", o.suite, errdefs.ErrInvalidInput)
	}

	aead, err := o.primary(key)
	if err == nil {
		return &Cipher{aead: aead, suite: SuiteAESGCM}, nil
	}
	o.logger.Warn("AES-GCM unavailable, using degraded cipher suite",
		"suite", SuiteXChaCha20Poly1305, "error", err)
	aead, err = chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
	}
	return &Cipher{aead: aead, suite: SuiteXChaCha20Poly1305}, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Suite reports which AEAD this Cipher uses.
func (c *Cipher) Suite() Suite { return c.suite }

// Overhead is the number of bytes a blob adds to its plaintext.
func (c *Cipher) Overhead() int { return c.aead.NonceSize() + c.aead.Overhead() }

// Encrypt seals plaintext with a fresh random nonce and returns
// nonce || ciphertext || tag. aad may be nil.
func (c *Cipher) Encrypt(plaintext, aad []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(out, out[:nonceSize], plaintext, aad), nil
}

// Decrypt opens a blob produced by Encrypt. Any tag mismatch, a wrong aad, or
// a blob shorter than nonce+tag fails with errdefs.ErrAuthenticationFailed and
// no plaintext.
func (c *Cipher) Decrypt(blob, aad []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(blob) < nonceSize+c.aead.Overhead() {
		// Run an open over a dummy blob so short input costs about the same
		// as a tag failure.
		dummy := make([]byte, nonceSize+c.aead.Overhead())
		c.aead.Open(nil, dummy[:nonceSize], dummy[nonceSize:], aad)
		return nil, fmt.Errorf("blob too short: %w", errdefs.ErrAuthenticationFailed)
	}
	plaintext, err := c.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], aad)
	if err != nil {
		return nil, errdefs.ErrAuthenticationFailed
	}
	return plaintext, nil
}

// GenerateKey returns KeySize cryptographically random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EncodeBase64 encodes a blob for text transport.
func EncodeBase64(blob []byte) string {
	return base64.StdEncoding.EncodeToString(blob)
}

// DecodeBase64 decodes a blob produced by EncodeBase64.
func DecodeBase64(text string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", errdefs.ErrInvalidInput)
	}
	return blob, nil
}
