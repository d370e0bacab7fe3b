// Package keystore persists raw key material behind one contract with several
// interchangeable backends: an encrypted file store, the OS keyring, and a
// TPM. Callers construct a backend explicitly or pick the first available one
// with Resolve.
package keystore

import (
	"context"
	"fmt"
	"strings"

	"github.com/joncooperworks/devicetrust/errdefs"
)

// KeyStorage stores and retrieves raw key bytes by logical key id.
//
// RetrieveKey, DeleteKey and KeyExists distinguish a missing key
// (errdefs.ErrNotFound) from stored material that fails authentication
// (errdefs.ErrAuthenticationFailed). Backends that cannot run on this device
// return errors matching errdefs.ErrBackendUnavailable from every operation.
type KeyStorage interface {
	// Name identifies the backend in logs, e.g. "file", "keyring", "tpm".
	Name() string
	// Available probes whether the backend can be used on this device.
	Available(ctx context.Context) bool
	// StoreKey persists key under keyID, replacing any existing key.
	StoreKey(ctx context.Context, keyID string, key []byte) error
	// RetrieveKey returns the key stored under keyID.
	RetrieveKey(ctx context.Context, keyID string) ([]byte, error)
	// DeleteKey removes the key stored under keyID.
	DeleteKey(ctx context.Context, keyID string) error
	// KeyExists reports whether a key is stored under keyID.
	KeyExists(ctx context.Context, keyID string) (bool, error)
}

// Lister is implemented by backends that can enumerate their key ids. The
// file and TPM backends store blobs under a hash of the id and cannot.
type Lister interface {
	ListKeys(ctx context.Context) ([]string, error)
}

// MaxKeyIDLength bounds logical key ids.
const MaxKeyIDLength = 256

// ValidateKeyID rejects empty, oversized and NUL-containing key ids.
func ValidateKeyID(keyID string) error {
	if keyID == "" {
		return fmt.Errorf("key id cannot be empty: %w", errdefs.ErrInvalidInput)
	}
	if len(keyID) > MaxKeyIDLength {
		return fmt.Errorf("key id longer than %d bytes: %w", MaxKeyIDLength, errdefs.ErrInvalidInput)
	}
	if strings.ContainsRune(keyID, 0) {
		return fmt.Errorf("key id contains NUL: %w", errdefs.ErrInvalidInput)
	}
	return nil
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("key cannot be empty: %w", errdefs.ErrInvalidInput)
	}
	return nil
}
