package keystore

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/joncooperworks/devicetrust/crypto"
	"github.com/joncooperworks/devicetrust/errdefs"
)

// MemoryKeyStorage is an in-process KeyStorage. Keys do not survive a
// restart. It is exported so tests in other packages and ephemeral
// deployments can use it.
type MemoryKeyStorage struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemoryKeyStorage returns an empty in-memory store.
func NewMemoryKeyStorage() *MemoryKeyStorage {
	return &MemoryKeyStorage{keys: make(map[string][]byte)}
}

// Name returns "memory".
func (m *MemoryKeyStorage) Name() string { return "memory" }

// Available always reports true.
func (m *MemoryKeyStorage) Available(ctx context.Context) bool { return true }

// StoreKey keeps a copy of key.
func (m *MemoryKeyStorage) StoreKey(ctx context.Context, keyID string, key []byte) error {
	if err := ValidateKeyID(keyID); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.keys[keyID]; ok {
		crypto.Wipe(old)
	}
	m.keys[keyID] = bytes.Clone(key)
	return nil
}

// RetrieveKey returns a copy of the stored key.
func (m *MemoryKeyStorage) RetrieveKey(ctx context.Context, keyID string) ([]byte, error) {
	if err := ValidateKeyID(keyID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", keyID, errdefs.ErrNotFound)
	}
	return bytes.Clone(key), nil
}

// DeleteKey wipes and removes the key.
func (m *MemoryKeyStorage) DeleteKey(ctx context.Context, keyID string) error {
	if err := ValidateKeyID(keyID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyID]
	if !ok {
		return fmt.Errorf("key %q: %w", keyID, errdefs.ErrNotFound)
	}
	crypto.Wipe(key)
	delete(m.keys, keyID)
	return nil
}

// KeyExists reports whether keyID is stored.
func (m *MemoryKeyStorage) KeyExists(ctx context.Context, keyID string) (bool, error) {
	if err := ValidateKeyID(keyID); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[keyID]
	return ok, nil
}

// ListKeys returns the stored key ids in sorted order.
func (m *MemoryKeyStorage) ListKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.keys))
	for id := range m.keys {
		keys = append(keys, id)
	}
	slices.Sort(keys)
	return keys, nil
}
