package keystore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"

	"github.com/joncooperworks/devicetrust/crypto"
	"github.com/joncooperworks/devicetrust/errdefs"
	"github.com/joncooperworks/devicetrust/fsutil"
	"github.com/joncooperworks/devicetrust/identity"
)

const (
	masterFileName = ".master"
	keyFileSuffix  = ".key"
	fileKeyInfo    = "devicetrust/file-keystore/v1"
)

// Suite tags stored as the first byte of every key file.
const (
	suiteTagAESGCM    byte = 0x01
	suiteTagXChaCha20 byte = 0x02
)

// FileKeyStorage keeps keys as individually encrypted files under one
// directory. The protecting key is derived from a per-installation master key
// (root/.master, 0600) and the device identity.
//
// File names are the SHA-256 of the key id, so caller-controlled ids never
// reach the filesystem as path components.
type FileKeyStorage struct {
	root       string
	protecting *memguard.Enclave
	logger     *slog.Logger
}

type fileOptions struct {
	identity identity.Provider
	logger   *slog.Logger
}

// FileOption configures NewFileKeyStorage.
type FileOption func(*fileOptions)

// WithIdentity mixes the device identity into the protecting key.
func WithIdentity(provider identity.Provider) FileOption {
	return func(o *fileOptions) { o.identity = provider }
}

// WithFileLogger sets the logger.
func WithFileLogger(logger *slog.Logger) FileOption {
	return func(o *fileOptions) { o.logger = logger }
}

// NewFileKeyStorage opens (creating if needed) a file key store at root. The
// directory is forced to 0700 and the master key is generated once with
// O_EXCL at 0600.
func NewFileKeyStorage(root string, opts ...FileOption) (*FileKeyStorage, error) {
	o := fileOptions{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}

	if err := fsutil.EnsureDir(root, fsutil.PrivateDir); err != nil {
		return nil, err
	}

	master, err := loadOrCreateMaster(filepath.Join(root, masterFileName))
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(master)

	var deviceID string
	if o.identity != nil {
		deviceID, err = o.identity.DeviceID()
		if err != nil {
			return nil, fmt.Errorf("failed to read device identity: %w", err)
		}
	}

	protecting, err := crypto.ExpandKey(master, []byte(deviceID), fileKeyInfo)
	if err != nil {
		return nil, err
	}

	return &FileKeyStorage{
		root:       root,
		protecting: memguard.NewEnclave(protecting),
		logger:     o.logger,
	}, nil
}

func loadOrCreateMaster(path string) ([]byte, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fsutil.PrivateFile)
	if err == nil {
		master, genErr := crypto.GenerateKey()
		if genErr != nil {
			file.Close()
			os.Remove(path)
			return nil, genErr
		}
		if _, err := file.Write(master); err != nil {
			file.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to write master key: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to sync master key: %w", err)
		}
		if err := file.Close(); err != nil {
			return nil, fmt.Errorf("failed to close master key: %w", err)
		}
		return master, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	master, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}
	if len(master) != crypto.KeySize {
		crypto.Wipe(master)
		return nil, fmt.Errorf("master key %s has %d bytes, want %d: %w",
			path, len(master), crypto.KeySize, errdefs.ErrAuthenticationFailed)
	}
	return master, nil
}

// Name returns "file".
func (s *FileKeyStorage) Name() string { return "file" }

// Available reports whether the store directory is usable.
func (s *FileKeyStorage) Available(ctx context.Context) bool {
	return dirWritable(s.root)
}

func (s *FileKeyStorage) path(keyID string) string {
	sum := sha256.Sum256([]byte(keyID))
	return filepath.Join(s.root, hex.EncodeToString(sum[:])+keyFileSuffix)
}

func aadFor(keyID string) []byte {
	return []byte(fileKeyInfo + ":" + keyID)
}

func (s *FileKeyStorage) cipher(suite crypto.Suite) (*crypto.Cipher, error) {
	buf, err := s.protecting.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open protecting key: %w", err)
	}
	defer buf.Destroy()
	opts := []crypto.CipherOption{crypto.WithCipherLogger(s.logger)}
	if suite != "" {
		opts = append(opts, crypto.WithSuite(suite))
	}
	return crypto.NewCipher(buf.Bytes(), opts...)
}

// StoreKey encrypts key and writes it atomically.
func (s *FileKeyStorage) StoreKey(ctx context.Context, keyID string, key []byte) error {
	if err := ValidateKeyID(keyID); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	c, err := s.cipher("")
	if err != nil {
		return err
	}
	blob, err := c.Encrypt(key, aadFor(keyID))
	if err != nil {
		return fmt.Errorf("failed to encrypt key: %w", err)
	}

	tag := suiteTagAESGCM
	if c.Suite() == crypto.SuiteXChaCha20Poly1305 {
		tag = suiteTagXChaCha20
	}
	data := append([]byte{tag}, blob...)
	if err := fsutil.WriteFileAtomic(s.path(keyID), data, fsutil.PrivateFile); err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}
	return nil
}

// RetrieveKey reads and decrypts the key stored under keyID.
func (s *FileKeyStorage) RetrieveKey(ctx context.Context, keyID string) ([]byte, error) {
	if err := ValidateKeyID(keyID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(keyID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("key %q: %w", keyID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("key %q is empty: %w", keyID, errdefs.ErrAuthenticationFailed)
	}

	var suite crypto.Suite
	switch data[0] {
	case suiteTagAESGCM:
		suite = crypto.SuiteAESGCM
	case suiteTagXChaCha20:
		suite = crypto.SuiteXChaCha20Poly1305
	default:
		return nil, fmt.Errorf("key %q has unknown suite tag: %w", keyID, errdefs.ErrAuthenticationFailed)
	}
	c, err := s.cipher(suite)
	if err != nil {
		return nil, err
	}
	key, err := c.Decrypt(data[1:], aadFor(keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key %q: %w", keyID, err)
	}
	return key, nil
}

// DeleteKey overwrites the key file with random bytes and unlinks it.
func (s *FileKeyStorage) DeleteKey(ctx context.Context, keyID string) error {
	if err := ValidateKeyID(keyID); err != nil {
		return err
	}
	path := s.path(keyID)
	ok, err := fsutil.Exists(path)
	if err != nil {
		return fmt.Errorf("failed to stat key: %w", err)
	}
	if !ok {
		return fmt.Errorf("key %q: %w", keyID, errdefs.ErrNotFound)
	}
	return fsutil.SecureErase(path)
}

// KeyExists reports whether a key file exists for keyID.
func (s *FileKeyStorage) KeyExists(ctx context.Context, keyID string) (bool, error) {
	if err := ValidateKeyID(keyID); err != nil {
		return false, err
	}
	return fsutil.Exists(s.path(keyID))
}
