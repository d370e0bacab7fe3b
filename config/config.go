// Package config loads devicetrust configuration from a single YAML file.
//
// The file is named by the DEVICETRUST_CONFIG environment variable or passed
// explicitly to LoadFile. Values in the file overlay Default(); there is no
// other discovery. ${VAR} and ${VAR:-default} are expanded in paths.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joncooperworks/devicetrust/certs"
	"github.com/joncooperworks/devicetrust/crypto"
	"github.com/joncooperworks/devicetrust/crypto/keystore"
	"github.com/joncooperworks/devicetrust/errdefs"
	"github.com/joncooperworks/devicetrust/identity"
	"github.com/joncooperworks/devicetrust/toolchain"
	"github.com/joncooperworks/devicetrust/vault"
)

// EnvVar names the environment variable Load reads.
const EnvVar = "DEVICETRUST_CONFIG"

// Config is the complete devicetrust configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	KDF       KDFConfig       `yaml:"kdf"`
	Cipher    CipherConfig    `yaml:"cipher"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Vault     VaultConfig     `yaml:"vault"`
	TLS       TLSConfig       `yaml:"tls"`
	Toolchain ToolchainConfig `yaml:"toolchain"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for devicetrust state.
	Root string `yaml:"root"`
	// Vault is the credential vault root.
	Vault string `yaml:"vault"`
	// Keys is the key storage root (file backend and TPM blobs).
	Keys string `yaml:"keys"`
	// Certs is the certificate manager directory.
	Certs string `yaml:"certs"`
	// Policy is the RBAC policy file.
	Policy string `yaml:"policy"`
}

// KDFConfig selects the vault key derivation.
type KDFConfig struct {
	// Algorithm is pbkdf2-sha256, argon2id or scrypt.
	Algorithm string `yaml:"algorithm"`
	// PBKDF2Iterations must be at least 600000.
	PBKDF2Iterations uint32 `yaml:"pbkdf2_iterations"`
	// Argon2 costs: time, memory in KiB, parallelism.
	Argon2Time      uint32 `yaml:"argon2_time"`
	Argon2MemoryKiB uint32 `yaml:"argon2_memory_kib"`
	Argon2Threads   uint8  `yaml:"argon2_threads"`
	// Scrypt costs.
	ScryptN int `yaml:"scrypt_n"`
	ScryptR int `yaml:"scrypt_r"`
	ScryptP int `yaml:"scrypt_p"`
	// Disabled lists algorithms that cannot run on this device. Requests
	// for them fall back to PBKDF2.
	Disabled []string `yaml:"disabled"`
}

// CipherConfig selects the AEAD suite for new data. Empty means probe.
type CipherConfig struct {
	Suite string `yaml:"suite"`
}

// KeystoreConfig configures key storage backend resolution.
type KeystoreConfig struct {
	// Order lists backends to try: tpm, keyring, file, memory.
	Order []string `yaml:"order"`
	// Service is the keyring service name.
	Service string `yaml:"service"`
	// TPMDevices are the device nodes probed for the TPM backend.
	TPMDevices []string `yaml:"tpm_devices"`
	// VaultKeyID names the device secret that unlocks the vault.
	VaultKeyID string `yaml:"vault_key_id"`
}

// VaultConfig configures the credential vault.
type VaultConfig struct {
	// RotationIntervalDays is the age at which a credential needs rotation.
	RotationIntervalDays int `yaml:"rotation_interval_days"`
}

// TLSConfig configures transport security contexts.
type TLSConfig struct {
	// MinVersion is "1.2" or "1.3".
	MinVersion string `yaml:"min_version"`
	// TLS13Only pins the connection to TLS 1.3.
	TLS13Only bool `yaml:"tls13_only"`
	// CipherSuites is an IANA-name allow-list for TLS 1.2. Empty means the
	// built-in allow-list.
	CipherSuites []string `yaml:"cipher_suites"`
	// MutualTLS requires client certificates on servers.
	MutualTLS bool `yaml:"mutual_tls"`
	// VerifyHostname checks the peer name in addition to its chain.
	VerifyHostname bool   `yaml:"verify_hostname"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
	CAFile         string `yaml:"ca_file"`
	ClientCAFile   string `yaml:"client_ca_file"`
	ServerName     string `yaml:"server_name"`
	// CRLFile enables revocation checks during certificate verification.
	CRLFile string `yaml:"crl_file"`
}

// ToolchainConfig configures external tools.
type ToolchainConfig struct {
	// OpenSSL is the openssl executable.
	OpenSSL string `yaml:"openssl"`
	// Timeout bounds each subprocess call, e.g. "10s".
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns a complete configuration rooted at /var/lib/devicetrust.
func Default() *Config {
	root := "/var/lib/devicetrust"
	argon := crypto.DefaultParams(crypto.Argon2id)
	scrypt := crypto.DefaultParams(crypto.Scrypt)
	return &Config{
		Paths: PathsConfig{
			Root:   root,
			Vault:  "${DEVICETRUST_ROOT}/vault",
			Keys:   "${DEVICETRUST_ROOT}/keys",
			Certs:  "${DEVICETRUST_ROOT}/certs",
			Policy: "${DEVICETRUST_ROOT}/rbac.json",
		},
		KDF: KDFConfig{
			Algorithm:        string(crypto.Argon2id),
			PBKDF2Iterations: crypto.MinPBKDF2Iterations,
			Argon2Time:       argon.Iterations,
			Argon2MemoryKiB:  argon.Memory,
			Argon2Threads:    argon.Threads,
			ScryptN:          scrypt.N,
			ScryptR:          scrypt.R,
			ScryptP:          scrypt.P,
		},
		Keystore: KeystoreConfig{
			Order:      slices.Clone(keystore.DefaultOrder),
			Service:    keystore.DefaultService,
			TPMDevices: slices.Clone(keystore.DefaultTPMDevices),
			VaultKeyID: "vault-master",
		},
		Vault: VaultConfig{RotationIntervalDays: 90},
		TLS: TLSConfig{
			MinVersion:     "1.2",
			VerifyHostname: true,
		},
		Toolchain: ToolchainConfig{
			OpenSSL: "openssl",
			Timeout: toolchain.DefaultTimeout,
		},
	}
}

// Load reads the file named by DEVICETRUST_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s not set; point it at a devicetrust.yaml or pass a path: %w", EnvVar, errdefs.ErrInvalidInput)
	}
	return LoadFile(path)
}

// LoadFile overlays the YAML file at path on Default, expands path
// variables and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse overlays YAML data on Default, expands path variables and
// validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %v: %w", err, errdefs.ErrInvalidInput)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["DEVICETRUST_ROOT"] = c.Paths.Root

	for _, p := range []*string{
		&c.Paths.Vault, &c.Paths.Keys, &c.Paths.Certs, &c.Paths.Policy,
		&c.TLS.CertFile, &c.TLS.KeyFile, &c.TLS.CAFile, &c.TLS.ClientCAFile, &c.TLS.CRLFile,
	} {
		*p = expandVars(*p, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value, ok := vars[parts[1]]; ok && value != "" {
			return value
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem in c. The error matches
// errdefs.ErrInvalidInput.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for _, p := range []struct{ name, value string }{
		{"paths.root", c.Paths.Root}, {"paths.vault", c.Paths.Vault},
		{"paths.keys", c.Paths.Keys}, {"paths.certs", c.Paths.Certs},
	} {
		if p.value == "" {
			add("%s is required", p.name)
		}
	}

	alg, err := crypto.ParseAlgorithm(c.KDF.Algorithm)
	if err != nil {
		errs = append(errs, err)
	}
	if c.KDF.PBKDF2Iterations != 0 && c.KDF.PBKDF2Iterations < crypto.MinPBKDF2Iterations {
		add("kdf.pbkdf2_iterations %d below %d", c.KDF.PBKDF2Iterations, crypto.MinPBKDF2Iterations)
	}
	if c.KDF.Argon2MemoryKiB != 0 && c.KDF.Argon2MemoryKiB < 8*uint32(max(c.KDF.Argon2Threads, 1)) {
		add("kdf.argon2_memory_kib must be at least 8 per thread")
	}
	if n := c.KDF.ScryptN; n != 0 && (n < 2 || n&(n-1) != 0) {
		add("kdf.scrypt_n must be a power of two greater than 1")
	}
	if c.KDF.ScryptR < 0 || c.KDF.ScryptP < 0 {
		add("kdf.scrypt_r and kdf.scrypt_p must be positive")
	}
	for _, d := range c.KDF.Disabled {
		disabled, err := crypto.ParseAlgorithm(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if disabled == crypto.PBKDF2SHA256 {
			add("kdf.disabled cannot include %s", crypto.PBKDF2SHA256)
		}
		if disabled == alg {
			add("kdf.algorithm %s is listed in kdf.disabled", alg)
		}
	}

	if c.Cipher.Suite != "" {
		if _, err := crypto.ParseSuite(c.Cipher.Suite); err != nil {
			errs = append(errs, err)
		}
	}

	if len(c.Keystore.Order) == 0 {
		add("keystore.order is required")
	}
	for _, b := range c.Keystore.Order {
		switch b {
		case keystore.BackendTPM, keystore.BackendKeyring, keystore.BackendFile, keystore.BackendMemory:
		default:
			add("unknown keystore backend %q", b)
		}
	}
	if err := keystore.ValidateKeyID(c.Keystore.VaultKeyID); err != nil {
		add("keystore.vault_key_id: %v", err)
	}

	if c.Vault.RotationIntervalDays <= 0 {
		add("vault.rotation_interval_days must be positive")
	}

	if _, err := c.TLSOptions(); err != nil {
		errs = append(errs, err)
	}

	if c.Toolchain.OpenSSL == "" {
		add("toolchain.openssl is required")
	}
	if c.Toolchain.Timeout <= 0 {
		add("toolchain.timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w: %w", errors.Join(errs...), errdefs.ErrInvalidInput)
	}
	return nil
}

// Algorithm returns the configured KDF algorithm and its parameters.
func (c *Config) Algorithm() (crypto.Algorithm, crypto.Params) {
	alg, err := crypto.ParseAlgorithm(c.KDF.Algorithm)
	if err != nil {
		alg = crypto.Argon2id
	}
	switch alg {
	case crypto.PBKDF2SHA256:
		return alg, crypto.Params{Iterations: c.KDF.PBKDF2Iterations}
	case crypto.Scrypt:
		return alg, crypto.Params{N: c.KDF.ScryptN, R: c.KDF.ScryptR, P: c.KDF.ScryptP}
	default:
		return alg, crypto.Params{Iterations: c.KDF.Argon2Time, Memory: c.KDF.Argon2MemoryKiB, Threads: c.KDF.Argon2Threads}
	}
}

// Deriver builds a Deriver honoring kdf.disabled. A nil logger discards.
func (c *Config) Deriver(logger *slog.Logger) *crypto.Deriver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var disabled []crypto.Algorithm
	for _, d := range c.KDF.Disabled {
		if alg, err := crypto.ParseAlgorithm(d); err == nil {
			disabled = append(disabled, alg)
		}
	}
	return crypto.NewDeriver(crypto.WithLogger(logger), crypto.WithDisabled(disabled...))
}

// RotationInterval returns vault.rotation_interval_days as a duration.
func (c *Config) RotationInterval() time.Duration {
	return time.Duration(c.Vault.RotationIntervalDays) * 24 * time.Hour
}

// VaultOptions returns vault options for the kdf, cipher and vault
// sections. A nil provider leaves the vault unbound to a device identity.
func (c *Config) VaultOptions(logger *slog.Logger, provider identity.Provider) []vault.Option {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	alg, params := c.Algorithm()
	opts := []vault.Option{
		vault.WithLogger(logger),
		vault.WithDeriver(c.Deriver(logger)),
		vault.WithKDF(alg, params),
		vault.WithRotationInterval(c.RotationInterval()),
	}
	if c.Cipher.Suite != "" {
		opts = append(opts, vault.WithSuite(crypto.Suite(c.Cipher.Suite)))
	}
	if provider != nil {
		opts = append(opts, vault.WithIdentity(provider))
	}
	return opts
}

// KeystoreAuto returns the backend resolution settings for keystore.Auto.
func (c *Config) KeystoreAuto(provider identity.Provider, logger *slog.Logger) keystore.AutoConfig {
	return keystore.AutoConfig{
		Root:       c.Paths.Keys,
		Service:    c.Keystore.Service,
		Order:      slices.Clone(c.Keystore.Order),
		TPMDevices: slices.Clone(c.Keystore.TPMDevices),
		Identity:   provider,
		Runner:     toolchain.NewExec(c.Toolchain.Timeout),
		Logger:     logger,
	}
}

// TLSOptions converts the tls section.
func (c *Config) TLSOptions() (certs.TLSOptions, error) {
	opts := certs.TLSOptions{
		TLS13Only:                c.TLS.TLS13Only,
		CertFile:                 c.TLS.CertFile,
		KeyFile:                  c.TLS.KeyFile,
		CAFile:                   c.TLS.CAFile,
		RequireClientCert:        c.TLS.MutualTLS,
		ClientCAFile:             c.TLS.ClientCAFile,
		ServerName:               c.TLS.ServerName,
		SkipHostnameVerification: !c.TLS.VerifyHostname,
	}
	if c.TLS.MinVersion != "" {
		v, err := certs.ParseVersion(c.TLS.MinVersion)
		if err != nil {
			return certs.TLSOptions{}, fmt.Errorf("tls.min_version: %w", err)
		}
		opts.MinVersion = v
	}
	if len(c.TLS.CipherSuites) > 0 {
		opts.CipherSuites = make([]uint16, 0, len(c.TLS.CipherSuites))
		for _, name := range c.TLS.CipherSuites {
			id, err := certs.ParseCipherSuite(name)
			if err != nil {
				return certs.TLSOptions{}, fmt.Errorf("tls.cipher_suites: %w", err)
			}
			opts.CipherSuites = append(opts.CipherSuites, id)
		}
	}
	if err := opts.Validate(); err != nil {
		return certs.TLSOptions{}, err
	}
	return opts, nil
}

// ManagerOptions returns certificate manager options for the toolchain and
// tls sections.
func (c *Config) ManagerOptions(logger *slog.Logger) []certs.Option {
	opts := []certs.Option{
		certs.WithOpenSSL(c.Toolchain.OpenSSL),
		certs.WithTimeout(c.Toolchain.Timeout),
	}
	if logger != nil {
		opts = append(opts, certs.WithLogger(logger))
	}
	if c.TLS.CRLFile != "" {
		opts = append(opts, certs.WithCRL(c.TLS.CRLFile))
	}
	return opts
}

// PolicyPath returns the RBAC policy file, defaulting inside paths.root.
func (c *Config) PolicyPath() string {
	if c.Paths.Policy != "" {
		return c.Paths.Policy
	}
	return filepath.Join(c.Paths.Root, "rbac.json")
}
