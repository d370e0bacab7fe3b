package keystore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joncooperworks/devicetrust/errdefs"
	"github.com/joncooperworks/devicetrust/fsutil"
	"github.com/joncooperworks/devicetrust/toolchain"
)

// DefaultTPMDevices are probed in order; the resource manager device is
// preferred.
var DefaultTPMDevices = []string{"/dev/tpmrm0", "/dev/tpm0"}

var tpmTools = []string{"tpm2_createprimary", "tpm2_create", "tpm2_load", "tpm2_unseal"}

// TPMKeyStorage seals keys to the device TPM with tpm2-tools. The sealed
// public/private blobs are stored under root/tpm; they are useless without
// the TPM that produced them.
//
// When no TPM device or tool is present every operation returns an error
// matching errdefs.ErrUnsupported. It never falls back to storing keys
// unprotected.
type TPMKeyStorage struct {
	dir     string
	runner  toolchain.Runner
	devices []string
	lookup  func(names ...string) bool
	usable  func(path string) bool
	logger  *slog.Logger
}

// TPMOption configures NewTPMKeyStorage.
type TPMOption func(*TPMKeyStorage)

// WithRunner sets the subprocess runner.
func WithRunner(runner toolchain.Runner) TPMOption {
	return func(t *TPMKeyStorage) { t.runner = runner }
}

// WithDevices sets the TPM device paths to probe.
func WithDevices(paths ...string) TPMOption {
	return func(t *TPMKeyStorage) { t.devices = paths }
}

// WithTPMLogger sets the logger.
func WithTPMLogger(logger *slog.Logger) TPMOption {
	return func(t *TPMKeyStorage) { t.logger = logger }
}

// withProbes replaces the tool lookup and device check. Tests use it to
// simulate hardware.
func withProbes(lookup func(names ...string) bool, usable func(path string) bool) TPMOption {
	return func(t *TPMKeyStorage) {
		t.lookup = lookup
		t.usable = usable
	}
}

// NewTPMKeyStorage returns a TPM store keeping sealed blobs under root/tpm.
func NewTPMKeyStorage(root string, opts ...TPMOption) *TPMKeyStorage {
	t := &TPMKeyStorage{
		dir:     filepath.Join(root, "tpm"),
		runner:  toolchain.NewExec(toolchain.DefaultTimeout),
		devices: DefaultTPMDevices,
		lookup:  toolchain.Available,
		usable:  deviceUsable,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns "tpm".
func (t *TPMKeyStorage) Name() string { return "tpm" }

// Available reports whether a TPM device is accessible and tpm2-tools are
// installed.
func (t *TPMKeyStorage) Available(ctx context.Context) bool {
	if !t.lookup(tpmTools...) {
		return false
	}
	for _, device := range t.devices {
		if t.usable(device) {
			return true
		}
	}
	return false
}

func (t *TPMKeyStorage) blobPaths(keyID string) (pub, priv string) {
	sum := sha256.Sum256([]byte(keyID))
	base := filepath.Join(t.dir, hex.EncodeToString(sum[:]))
	return base + ".pub", base + ".priv"
}

func (t *TPMKeyStorage) check(ctx context.Context, keyID string) error {
	if err := ValidateKeyID(keyID); err != nil {
		return err
	}
	if !t.Available(ctx) {
		return errdefs.Unsupported("tpm")
	}
	return nil
}

// workdir creates a private scratch directory for transient TPM contexts.
func (t *TPMKeyStorage) workdir() (string, func(), error) {
	if err := fsutil.EnsureDir(t.dir, fsutil.PrivateDir); err != nil {
		return "", nil, err
	}
	dir, err := os.MkdirTemp(t.dir, ".work-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create tpm work directory: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func (t *TPMKeyStorage) createPrimary(ctx context.Context, work string) (string, error) {
	primary := filepath.Join(work, "primary.ctx")
	_, err := t.runner.Run(ctx, toolchain.Command{
		Name: "tpm2_createprimary",
		Args: []string{"-C", "o", "-g", "sha256", "-G", "ecc", "-c", primary},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create tpm primary: %w", err)
	}
	return primary, nil
}

// StoreKey seals key under a primary key of the owner hierarchy. The key is
// passed on stdin, never on the command line.
func (t *TPMKeyStorage) StoreKey(ctx context.Context, keyID string, key []byte) error {
	if err := t.check(ctx, keyID); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	work, cleanup, err := t.workdir()
	if err != nil {
		return err
	}
	defer cleanup()

	primary, err := t.createPrimary(ctx, work)
	if err != nil {
		return err
	}
	workPub := filepath.Join(work, "sealed.pub")
	workPriv := filepath.Join(work, "sealed.priv")
	_, err = t.runner.Run(ctx, toolchain.Command{
		Name:  "tpm2_create",
		Args:  []string{"-C", primary, "-g", "sha256", "-i", "-", "-u", workPub, "-r", workPriv},
		Stdin: key,
	})
	if err != nil {
		return fmt.Errorf("failed to seal key: %w", err)
	}

	pubData, err := os.ReadFile(workPub)
	if err != nil {
		return fmt.Errorf("failed to read sealed public blob: %w", err)
	}
	privData, err := os.ReadFile(workPriv)
	if err != nil {
		return fmt.Errorf("failed to read sealed private blob: %w", err)
	}

	pub, priv := t.blobPaths(keyID)
	if err := fsutil.WriteFileAtomic(priv, privData, fsutil.PrivateFile); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(pub, pubData, fsutil.PrivateFile); err != nil {
		os.Remove(priv)
		return err
	}
	t.logger.Debug("sealed key to tpm", "key_id", keyID)
	return nil
}

// RetrieveKey loads the sealed object and unseals it.
func (t *TPMKeyStorage) RetrieveKey(ctx context.Context, keyID string) ([]byte, error) {
	if err := t.check(ctx, keyID); err != nil {
		return nil, err
	}
	ok, err := t.exists(keyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("key %q: %w", keyID, errdefs.ErrNotFound)
	}
	work, cleanup, err := t.workdir()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	primary, err := t.createPrimary(ctx, work)
	if err != nil {
		return nil, err
	}
	pub, priv := t.blobPaths(keyID)
	object := filepath.Join(work, "sealed.ctx")
	_, err = t.runner.Run(ctx, toolchain.Command{
		Name: "tpm2_load",
		Args: []string{"-C", primary, "-u", pub, "-r", priv, "-c", object},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load sealed key: %w", err)
	}
	key, err := t.runner.Run(ctx, toolchain.Command{
		Name: "tpm2_unseal",
		Args: []string{"-c", object},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unseal key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("tpm returned empty key for %q: %w", keyID, errdefs.ErrAuthenticationFailed)
	}
	return key, nil
}

// DeleteKey erases both sealed blobs.
func (t *TPMKeyStorage) DeleteKey(ctx context.Context, keyID string) error {
	if err := t.check(ctx, keyID); err != nil {
		return err
	}
	ok, err := t.exists(keyID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %q: %w", keyID, errdefs.ErrNotFound)
	}
	pub, priv := t.blobPaths(keyID)
	if err := fsutil.SecureErase(priv); err != nil {
		return err
	}
	return fsutil.SecureErase(pub)
}

// KeyExists reports whether sealed blobs exist for keyID.
func (t *TPMKeyStorage) KeyExists(ctx context.Context, keyID string) (bool, error) {
	if err := t.check(ctx, keyID); err != nil {
		return false, err
	}
	return t.exists(keyID)
}

func (t *TPMKeyStorage) exists(keyID string) (bool, error) {
	pub, priv := t.blobPaths(keyID)
	pubOK, err := fsutil.Exists(pub)
	if err != nil {
		return false, err
	}
	privOK, err := fsutil.Exists(priv)
	if err != nil {
		return false, err
	}
	return pubOK && privOK, nil
}
