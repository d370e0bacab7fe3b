package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"

	"github.com/joncooperworks/devicetrust/errdefs"
)

// SaltSize is the size of every KDF salt.
const SaltSize = 32

// Algorithm names a key derivation function.
type Algorithm string

const (
	PBKDF2SHA256 Algorithm = "pbkdf2-sha256"
	Argon2id     Algorithm = "argon2id"
	Scrypt       Algorithm = "scrypt"
)

// MinPBKDF2Iterations is the lowest PBKDF2-SHA256 iteration count accepted.
const MinPBKDF2Iterations = 600_000

// ParseAlgorithm validates an algorithm name. The empty string selects
// Argon2id.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case PBKDF2SHA256, Argon2id, Scrypt:
		return Algorithm(name), nil
	case "":
		return Argon2id, nil
	}
	return "", fmt.Errorf("unknown kdf algorithm %q: %w", name, errdefs.ErrInvalidInput)
}

// Params holds the cost parameters of one algorithm. Only the fields for the
// algorithm in use are meaningful.
type Params struct {
	// Iterations is the PBKDF2 iteration count or the Argon2id time cost.
	Iterations uint32 `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	// Memory is the Argon2id memory cost in KiB.
	Memory uint32 `json:"memory_kib,omitempty" yaml:"memory_kib,omitempty"`
	// Threads is the Argon2id parallelism.
	Threads uint8 `json:"threads,omitempty" yaml:"threads,omitempty"`
	// N, R and P are the scrypt cost parameters.
	N int `json:"n,omitempty" yaml:"n,omitempty"`
	R int `json:"r,omitempty" yaml:"r,omitempty"`
	P int `json:"p,omitempty" yaml:"p,omitempty"`
}

// DefaultParams returns the default cost parameters for algorithm.
func DefaultParams(algorithm Algorithm) Params {
	switch algorithm {
	case PBKDF2SHA256:
		return Params{Iterations: MinPBKDF2Iterations}
	case Scrypt:
		return Params{N: 1 << 17, R: 8, P: 1}
	default:
		return Params{Iterations: 3, Memory: 64 * 1024, Threads: 4}
	}
}

// DerivedKey is the output of a key derivation. It carries everything needed
// to reproduce the key from the same secret.
type DerivedKey struct {
	Key       [KeySize]byte
	Salt      [SaltSize]byte
	Algorithm Algorithm
	Params    Params
}

// Wipe zeroes the key material.
func (k *DerivedKey) Wipe() {
	Wipe(k.Key[:])
}

// Deriver runs key derivations. The zero value is not usable; use NewDeriver.
type Deriver struct {
	logger   *slog.Logger
	disabled map[Algorithm]bool
}

// DeriverOption configures NewDeriver.
type DeriverOption func(*Deriver)

// WithLogger sets the logger used to report algorithm substitutions.
func WithLogger(logger *slog.Logger) DeriverOption {
	return func(d *Deriver) { d.logger = logger }
}

// WithDisabled marks algorithms as unavailable on this device, for example
// Argon2id when its memory cost cannot be met. Requests for a disabled
// algorithm fall back to PBKDF2-SHA256. PBKDF2 itself cannot be disabled.
func WithDisabled(algorithms ...Algorithm) DeriverOption {
	return func(d *Deriver) {
		for _, a := range algorithms {
			if a != PBKDF2SHA256 {
				d.disabled[a] = true
			}
		}
	}
}

// NewDeriver creates a Deriver.
func NewDeriver(opts ...DeriverOption) *Deriver {
	d := &Deriver{
		logger:   slog.New(slog.DiscardHandler),
		disabled: make(map[Algorithm]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Available reports whether algorithm can run on this Deriver.
func (d *Deriver) Available(algorithm Algorithm) bool {
	switch algorithm {
	case PBKDF2SHA256, Argon2id, Scrypt:
		return !d.disabled[algorithm]
	}
	return false
}

// Derive derives a 32-byte key from secret. A nil salt is replaced by 32
// random bytes. If algorithm is disabled, PBKDF2-SHA256 with default
// iterations runs instead; the returned DerivedKey names what actually ran.
func (d *Deriver) Derive(secret, salt []byte, algorithm Algorithm, params Params) (DerivedKey, error) {
	switch algorithm {
	case PBKDF2SHA256, Argon2id, Scrypt:
	default:
		return DerivedKey{}, fmt.Errorf("unknown kdf algorithm %q: %w", algorithm, errdefs.ErrInvalidInput)
	}
	if d.disabled[algorithm] {
		d.logger.Warn("kdf algorithm unavailable, substituting pbkdf2",
			"requested", algorithm, "used", PBKDF2SHA256, "iterations", MinPBKDF2Iterations)
		algorithm = PBKDF2SHA256
		params = DefaultParams(PBKDF2SHA256)
	}

	switch algorithm {
	case PBKDF2SHA256:
		return d.DerivePBKDF2(secret, salt, params.Iterations)
	case Scrypt:
		return d.DeriveScrypt(secret, salt, params.N, params.R, params.P)
	default:
		return d.DeriveArgon2id(secret, salt, params.Iterations, params.Memory, params.Threads)
	}
}

// DerivePBKDF2 derives a key with PBKDF2-HMAC-SHA256. iterations of zero
// selects the default; counts below MinPBKDF2Iterations are rejected.
func (d *Deriver) DerivePBKDF2(secret, salt []byte, iterations uint32) (DerivedKey, error) {
	if iterations == 0 {
		iterations = MinPBKDF2Iterations
	}
	if iterations < MinPBKDF2Iterations {
		return DerivedKey{}, fmt.Errorf("pbkdf2 iterations %d below minimum %d: %w",
			iterations, MinPBKDF2Iterations, errdefs.ErrInvalidInput)
	}
	dk, err := newDerivedKey(salt, PBKDF2SHA256, Params{Iterations: iterations})
	if err != nil {
		return DerivedKey{}, err
	}
	out := pbkdf2.Key(secret, dk.Salt[:], int(iterations), KeySize, sha256.New)
	copy(dk.Key[:], out)
	Wipe(out)
	return dk, nil
}

// DeriveArgon2id derives a key with Argon2id. Zero cost values select the
// defaults.
func (d *Deriver) DeriveArgon2id(secret, salt []byte, time, memoryKiB uint32, threads uint8) (DerivedKey, error) {
	def := DefaultParams(Argon2id)
	if time == 0 {
		time = def.Iterations
	}
	if memoryKiB == 0 {
		memoryKiB = def.Memory
	}
	if threads == 0 {
		threads = def.Threads
	}
	if memoryKiB < 8*uint32(threads) {
		return DerivedKey{}, fmt.Errorf("argon2id memory %d KiB below 8*threads: %w", memoryKiB, errdefs.ErrInvalidInput)
	}
	dk, err := newDerivedKey(salt, Argon2id, Params{Iterations: time, Memory: memoryKiB, Threads: threads})
	if err != nil {
		return DerivedKey{}, err
	}
	out := argon2.IDKey(secret, dk.Salt[:], time, memoryKiB, threads, KeySize)
	copy(dk.Key[:], out)
	Wipe(out)
	return dk, nil
}

// DeriveScrypt derives a key with scrypt. Zero cost values select the
// defaults (N=2^17, r=8, p=1).
func (d *Deriver) DeriveScrypt(secret, salt []byte, n, r, p int) (DerivedKey, error) {
	def := DefaultParams(Scrypt)
	if n == 0 {
		n = def.N
	}
	if r == 0 {
		r = def.R
	}
	if p == 0 {
		p = def.P
	}
	dk, err := newDerivedKey(salt, Scrypt, Params{N: n, R: r, P: p})
	if err != nil {
		return DerivedKey{}, err
	}
	out, err := scrypt.Key(secret, dk.Salt[:], n, r, p, KeySize)
	if err != nil {
		return DerivedKey{}, fmt.Errorf("invalid scrypt parameters: %v: %w", err, errdefs.ErrInvalidInput)
	}
	copy(dk.Key[:], out)
	Wipe(out)
	return dk, nil
}

// Reproduce re-derives a key from secret using expected's salt, algorithm and
// parameters, and reports whether it matches in constant time. No fallback
// substitution happens here: the recorded algorithm must be available.
func (d *Deriver) Reproduce(secret []byte, expected DerivedKey) (bool, error) {
	if d.disabled[expected.Algorithm] {
		return false, fmt.Errorf("kdf algorithm %q unavailable: %w", expected.Algorithm, errdefs.ErrBackendUnavailable)
	}
	salt := expected.Salt[:]
	var got DerivedKey
	var err error
	switch expected.Algorithm {
	case PBKDF2SHA256:
		got, err = d.DerivePBKDF2(secret, salt, expected.Params.Iterations)
	case Argon2id:
		got, err = d.DeriveArgon2id(secret, salt, expected.Params.Iterations, expected.Params.Memory, expected.Params.Threads)
	case Scrypt:
		got, err = d.DeriveScrypt(secret, salt, expected.Params.N, expected.Params.R, expected.Params.P)
	default:
		return false, fmt.Errorf("unknown kdf algorithm %q: %w", expected.Algorithm, errdefs.ErrInvalidInput)
	}
	if err != nil {
		return false, err
	}
	defer got.Wipe()
	return subtle.ConstantTimeCompare(got.Key[:], expected.Key[:]) == 1, nil
}

// MixIdentity binds a device identity into secret by running an HKDF-SHA256
// extract with the identity as salt. The result is used as KDF input so a
// copied vault cannot be unlocked on another device with the password alone.
// An empty identity returns a copy of secret.
func MixIdentity(secret []byte, deviceID string) []byte {
	if deviceID == "" {
		out := make([]byte, len(secret))
		copy(out, secret)
		return out
	}
	return hkdf.Extract(sha256.New, secret, []byte(deviceID))
}

// ExpandKey derives a KeySize subkey from high-entropy input key material
// with HKDF-SHA256. info separates keys derived from the same material.
func ExpandKey(ikm []byte, salt []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := reader.Read(key); err != nil {
		return nil, fmt.Errorf("failed to expand key: %w", err)
	}
	return key, nil
}

// RandomSalt returns SaltSize random bytes.
func RandomSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

func newDerivedKey(salt []byte, algorithm Algorithm, params Params) (DerivedKey, error) {
	dk := DerivedKey{Algorithm: algorithm, Params: params}
	if salt == nil {
		random, err := RandomSalt()
		if err != nil {
			return DerivedKey{}, err
		}
		dk.Salt = random
		return dk, nil
	}
	if len(salt) != SaltSize {
		return DerivedKey{}, fmt.Errorf("salt must be %d bytes, got %d: %w", SaltSize, len(salt), errdefs.ErrInvalidInput)
	}
	copy(dk.Salt[:], salt)
	return dk, nil
}
