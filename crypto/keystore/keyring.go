package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/99designs/keyring"

	"github.com/joncooperworks/devicetrust/errdefs"
)

// DefaultService is the keyring service name keys are filed under.
const DefaultService = "devicetrust"

// platformBackends are the keyring backends tried in order. The encrypted
// file backend is excluded because it prompts for a password; the
// FileKeyStorage covers that case.
var platformBackends = []keyring.BackendType{
	keyring.SecretServiceBackend,
	keyring.KWalletBackend,
	keyring.KeychainBackend,
	keyring.WinCredBackend,
	keyring.KeyCtlBackend,
}

// KeyringKeyStorage stores base64-encoded keys in the platform secret service
// via 99designs/keyring. Items are keyed by key id within the configured
// service.
type KeyringKeyStorage struct {
	service string
	open    func() (keyring.Keyring, error)

	mu      sync.Mutex
	ring    keyring.Keyring
	openErr error
}

// NewKeyringKeyStorage returns a keyring store for service. The platform
// keyring is opened lazily on first use.
func NewKeyringKeyStorage(service string) *KeyringKeyStorage {
	if service == "" {
		service = DefaultService
	}
	return &KeyringKeyStorage{
		service: service,
		open: func() (keyring.Keyring, error) {
			if len(keyring.AvailableBackends()) == 0 {
				return nil, keyring.ErrNoAvailImpl
			}
			return keyring.Open(keyring.Config{
				ServiceName:     service,
				AllowedBackends: platformBackends,
				KeyCtlScope:     "user",
				KWalletAppID:    service,
				KWalletFolder:   service,
			})
		},
	}
}

// NewKeyringKeyStorageWith wraps an already opened keyring, for example a
// keyring.ArrayKeyring in tests.
func NewKeyringKeyStorageWith(service string, ring keyring.Keyring) *KeyringKeyStorage {
	return &KeyringKeyStorage{
		service: service,
		open:    func() (keyring.Keyring, error) { return ring, nil },
	}
}

// Name returns "keyring".
func (k *KeyringKeyStorage) Name() string { return "keyring" }

func (k *KeyringKeyStorage) openRing() (keyring.Keyring, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ring != nil {
		return k.ring, nil
	}
	if k.openErr != nil {
		return nil, k.openErr
	}
	ring, err := k.open()
	if err != nil {
		k.openErr = fmt.Errorf("failed to open keyring: %v: %w", err, errdefs.ErrBackendUnavailable)
		return nil, k.openErr
	}
	k.ring = ring
	return ring, nil
}

// Available reports whether a platform keyring could be opened.
func (k *KeyringKeyStorage) Available(ctx context.Context) bool {
	_, err := k.openRing()
	return err == nil
}

// StoreKey stores key under keyID, tagged with the service and key id.
func (k *KeyringKeyStorage) StoreKey(ctx context.Context, keyID string, key []byte) error {
	if err := ValidateKeyID(keyID); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	ring, err := k.openRing()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:         keyID,
		Data:        []byte(base64.StdEncoding.EncodeToString(key)),
		Label:       k.service + ": " + keyID,
		Description: fmt.Sprintf("service=%s key_id=%s", k.service, keyID),
	})
	if err != nil {
		return fmt.Errorf("failed to store key in keyring: %w", err)
	}
	return nil
}

// RetrieveKey returns the key stored under keyID.
func (k *KeyringKeyStorage) RetrieveKey(ctx context.Context, keyID string) ([]byte, error) {
	if err := ValidateKeyID(keyID); err != nil {
		return nil, err
	}
	ring, err := k.openRing()
	if err != nil {
		return nil, err
	}

	item, err := ring.Get(keyID)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("key %q: %w", keyID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key from keyring: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(string(item.Data))
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("keyring item %q is corrupt: %w", keyID, errdefs.ErrAuthenticationFailed)
	}
	return key, nil
}

// DeleteKey removes the keyring item for keyID.
func (k *KeyringKeyStorage) DeleteKey(ctx context.Context, keyID string) error {
	ok, err := k.KeyExists(ctx, keyID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %q: %w", keyID, errdefs.ErrNotFound)
	}
	ring, err := k.openRing()
	if err != nil {
		return err
	}
	if err := ring.Remove(keyID); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("failed to remove key from keyring: %w", err)
	}
	return nil
}

// KeyExists reports whether keyID has an item in the keyring.
func (k *KeyringKeyStorage) KeyExists(ctx context.Context, keyID string) (bool, error) {
	if err := ValidateKeyID(keyID); err != nil {
		return false, err
	}
	ring, err := k.openRing()
	if err != nil {
		return false, err
	}
	_, err = ring.Get(keyID)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query keyring: %w", err)
	}
	return true, nil
}

// ListKeys returns every key id in the service in sorted order.
func (k *KeyringKeyStorage) ListKeys(ctx context.Context) ([]string, error) {
	ring, err := k.openRing()
	if err != nil {
		return nil, err
	}
	keys, err := ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys from keyring: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}
