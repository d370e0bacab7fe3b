package keystore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joncooperworks/devicetrust/errdefs"
	"github.com/joncooperworks/devicetrust/identity"
	"github.com/joncooperworks/devicetrust/toolchain"
)

// Backend names accepted by configuration.
const (
	BackendTPM     = "tpm"
	BackendKeyring = "keyring"
	BackendFile    = "file"
	BackendMemory  = "memory"
)

// DefaultOrder is the auto resolution order: hardware first, then the OS
// keyring, then the encrypted file store.
var DefaultOrder = []string{BackendTPM, BackendKeyring, BackendFile}

// Resolve returns the first candidate whose Available probe succeeds. Each
// skipped backend is logged. When none is available the error matches
// errdefs.ErrBackendUnavailable.
func Resolve(ctx context.Context, logger *slog.Logger, candidates ...KeyStorage) (KeyStorage, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var skipped []string
	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		if candidate.Available(ctx) {
			logger.Info("selected key storage backend", "backend", candidate.Name(), "skipped", skipped)
			return candidate, nil
		}
		skipped = append(skipped, candidate.Name())
	}
	return nil, fmt.Errorf("no key storage backend available (tried %v): %w", skipped, errdefs.ErrBackendUnavailable)
}

// AutoConfig describes the backends Auto may construct.
type AutoConfig struct {
	// Root is the directory for the file backend and TPM sealed blobs.
	Root string
	// Service is the keyring service name.
	Service string
	// Order lists backend names to try. Empty means DefaultOrder.
	Order []string
	// TPMDevices overrides DefaultTPMDevices.
	TPMDevices []string
	Identity   identity.Provider
	Runner     toolchain.Runner
	Logger     *slog.Logger
}

// Auto builds the backends named in cfg.Order and resolves the first
// available one.
func Auto(ctx context.Context, cfg AutoConfig) (KeyStorage, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	order := cfg.Order
	if len(order) == 0 {
		order = DefaultOrder
	}

	candidates := make([]KeyStorage, 0, len(order))
	for _, name := range order {
		switch name {
		case BackendTPM:
			opts := []TPMOption{WithTPMLogger(logger)}
			if cfg.Runner != nil {
				opts = append(opts, WithRunner(cfg.Runner))
			}
			if len(cfg.TPMDevices) > 0 {
				opts = append(opts, WithDevices(cfg.TPMDevices...))
			}
			candidates = append(candidates, NewTPMKeyStorage(cfg.Root, opts...))
		case BackendKeyring:
			candidates = append(candidates, NewKeyringKeyStorage(cfg.Service))
		case BackendFile:
			opts := []FileOption{WithFileLogger(logger)}
			if cfg.Identity != nil {
				opts = append(opts, WithIdentity(cfg.Identity))
			}
			file, err := NewFileKeyStorage(cfg.Root, opts...)
			if err != nil {
				logger.Warn("file key storage unusable", "root", cfg.Root, "error", err)
				continue
			}
			candidates = append(candidates, file)
		case BackendMemory:
			candidates = append(candidates, NewMemoryKeyStorage())
		default:
			return nil, fmt.Errorf("unknown key storage backend %q: %w", name, errdefs.ErrInvalidInput)
		}
	}
	return Resolve(ctx, logger, candidates...)
}
