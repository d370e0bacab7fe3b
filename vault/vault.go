// Package vault stores device credentials encrypted at rest.
//
// A vault lives in one directory:
//
//	.salt                 32 random bytes, 0600
//	vault_index.json      KDF header plus the sealed credential records
//	vault_data/<id>.enc   one sealed payload per credential, 0600
//
// The vault key is derived from the master password (optionally bound to the
// device identity) and held in a memguard enclave. It is unsealed only for
// the duration of each crypto operation.
//
// One Vault serializes all index mutation behind a single mutex. Opening the
// same root from two processes at once is unsupported.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/joncooperworks/devicetrust/audit"
	"github.com/joncooperworks/devicetrust/crypto"
	"github.com/joncooperworks/devicetrust/crypto/keystore"
	"github.com/joncooperworks/devicetrust/errdefs"
	"github.com/joncooperworks/devicetrust/fsutil"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("vault is closed")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Vault is an open credential vault. It is safe for concurrent use.
type Vault struct {
	root    string
	dataDir string
	opts    options

	mu      sync.Mutex
	key     *memguard.Enclave
	header  header
	records map[string]*Credential
	closed  bool
}

// Open unlocks the vault at root with password, creating a new vault if root
// holds none. A wrong password fails with errdefs.ErrAuthenticationFailed.
func Open(root string, password []byte, opts ...Option) (*Vault, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("master password cannot be empty: %w", errdefs.ErrInvalidInput)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	v := &Vault{
		root:    root,
		dataDir: filepath.Join(root, dataDirName),
		opts:    o,
		records: make(map[string]*Credential),
	}
	if err := fsutil.EnsureDir(root, fsutil.PrivateDir); err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDir(v.dataDir, fsutil.PrivateDir); err != nil {
		return nil, err
	}
	if err := v.recoverRekey(); err != nil {
		return nil, err
	}

	secret, err := o.secret(password)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(secret)

	idx, err := readIndex(v.path(indexFileName))
	switch {
	case err == nil:
		err = v.unlock(secret, idx)
	case isNotExist(err):
		err = v.create(secret)
	}
	if err != nil {
		return nil, err
	}

	if err := v.reconcile(); err != nil {
		return nil, err
	}
	o.logger.Info("vault opened", "root", root, "credentials", len(v.records),
		"kdf", v.header.kdf, "cipher", v.header.suite)
	return v, nil
}

// OpenWithKeyStorage opens the vault at root using a device secret kept in
// ks under keyID as the master password. The secret is generated and stored
// the first time a vault is created.
func OpenWithKeyStorage(ctx context.Context, root string, ks keystore.KeyStorage, keyID string, opts ...Option) (*Vault, error) {
	secret, err := ks.RetrieveKey(ctx, keyID)
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		if ok, _ := fsutil.Exists(filepath.Join(root, indexFileName)); ok {
			return nil, fmt.Errorf("vault exists but device secret %q is missing from %s: %w", keyID, ks.Name(), errdefs.ErrNotFound)
		}
		secret, err = crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		if err := ks.StoreKey(ctx, keyID, secret); err != nil {
			crypto.Wipe(secret)
			return nil, fmt.Errorf("failed to store vault device secret: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load vault device secret from %s: %w", ks.Name(), err)
	}
	defer crypto.Wipe(secret)
	return Open(root, secret, opts...)
}

func (o options) secret(password []byte) ([]byte, error) {
	if o.identity == nil {
		return slices.Clone(password), nil
	}
	deviceID, err := o.identity.DeviceID()
	if err != nil {
		return nil, fmt.Errorf("failed to read device identity: %w", err)
	}
	return crypto.MixIdentity(password, deviceID), nil
}

func (v *Vault) path(name string) string { return filepath.Join(v.root, name) }

func (v *Vault) payloadPath(id string) string {
	return filepath.Join(v.dataDir, id+payloadSuffix)
}

func (v *Vault) unlock(secret []byte, idx indexFile) error {
	salt, err := readSalt(v.path(saltFileName))
	if isNotExist(err) {
		return fmt.Errorf("vault index present but salt missing: %w", errdefs.ErrAuthenticationFailed)
	}
	if err != nil {
		return fmt.Errorf("failed to read vault salt: %w", err)
	}
	if !v.opts.deriver.Available(idx.KDF) {
		return fmt.Errorf("vault key derivation %q unavailable: %w", idx.KDF, errdefs.ErrBackendUnavailable)
	}
	suite, err := crypto.ParseSuite(string(idx.Cipher))
	if err != nil {
		return err
	}

	dk, err := v.opts.deriver.Derive(secret, salt, idx.KDF, idx.KDFParams)
	if err != nil {
		return err
	}
	defer dk.Wipe()
	h := header{kdf: idx.KDF, params: idx.KDFParams, suite: suite}
	c, err := crypto.NewCipher(dk.Key[:], crypto.WithSuite(suite))
	if err != nil {
		return err
	}
	records, err := openRecords(c, h, idx.Records)
	if err != nil {
		v.opts.audit(v.event("open", "", v.root, false, "authentication failed"))
		return err
	}

	for i := range records {
		rec := records[i]
		v.records[rec.ID] = &rec
	}
	v.header = h
	v.key = memguard.NewEnclave(dk.Key[:])
	return nil
}

func (v *Vault) create(secret []byte) error {
	entries, err := os.ReadDir(v.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read vault data: %w", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), payloadSuffix) {
			return fmt.Errorf("vault index missing but %s holds credentials: %w", v.dataDir, errdefs.ErrAuthenticationFailed)
		}
	}

	dk, err := v.opts.deriver.Derive(secret, nil, v.opts.algorithm, v.opts.params)
	if err != nil {
		return err
	}
	defer dk.Wipe()
	cipherOpts := []crypto.CipherOption{crypto.WithCipherLogger(v.opts.logger)}
	if v.opts.suite != "" {
		cipherOpts = append(cipherOpts, crypto.WithSuite(v.opts.suite))
	}
	c, err := crypto.NewCipher(dk.Key[:], cipherOpts...)
	if err != nil {
		return err
	}
	h := header{kdf: dk.Algorithm, params: dk.Params, suite: c.Suite()}

	if err := fsutil.WriteFileAtomic(v.path(saltFileName), dk.Salt[:], fsutil.PrivateFile); err != nil {
		return fmt.Errorf("failed to write vault salt: %w", err)
	}
	if err := writeIndex(v.path(indexFileName), c, h, nil); err != nil {
		return err
	}
	v.header = h
	v.key = memguard.NewEnclave(dk.Key[:])
	v.opts.logger.Info("created vault", "root", v.root, "kdf", h.kdf, "cipher", h.suite)
	return nil
}

// reconcile drops index records whose payload file is missing and erases
// payload files no record refers to.
func (v *Vault) reconcile() error {
	entries, err := os.ReadDir(v.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read vault data: %w", err)
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(v.dataDir, name)
		id, ok := strings.CutSuffix(name, payloadSuffix)
		if !ok {
			v.opts.logger.Warn("removing interrupted write", "file", name)
			os.Remove(path)
			continue
		}
		if _, known := v.records[id]; !known {
			v.opts.logger.Warn("erasing orphaned credential payload", "id", id)
			if err := fsutil.SecureErase(path); err != nil {
				return err
			}
			continue
		}
		present[id] = true
	}

	var dropped []string
	for id := range v.records {
		if !present[id] {
			dropped = append(dropped, id)
			delete(v.records, id)
		}
	}
	if len(dropped) == 0 {
		return nil
	}
	v.opts.logger.Warn("dropping credentials with missing payloads", "ids", dropped)
	return v.persist()
}

func (v *Vault) cipher() (*crypto.Cipher, error) {
	return v.cipherFor(v.header.suite)
}

func (v *Vault) cipherFor(suite crypto.Suite) (*crypto.Cipher, error) {
	buf, err := v.key.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to unseal vault key: %w", err)
	}
	defer buf.Destroy()
	return crypto.NewCipher(buf.Bytes(), crypto.WithSuite(suite))
}

func (v *Vault) sorted() []Credential {
	out := make([]Credential, 0, len(v.records))
	for _, rec := range v.records {
		out = append(out, rec.clone())
	}
	slices.SortFunc(out, func(a, b Credential) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (v *Vault) persist() error {
	c, err := v.cipher()
	if err != nil {
		return err
	}
	return writeIndex(v.path(indexFileName), c, v.header, v.sorted())
}

func (v *Vault) now() time.Time { return v.opts.clock.Now().UTC() }

func (v *Vault) checkOpen() error {
	if v.closed {
		return ErrClosed
	}
	return nil
}

func (v *Vault) event(action, actor, subject string, success bool, reason string) audit.Event {
	return audit.Event{
		Time:    v.now(),
		Source:  "vault",
		Action:  action,
		Actor:   actor,
		Subject: subject,
		Success: success,
		Reason:  reason,
	}
}

func (v *Vault) auditFn(action, actor, subject string, success bool, reason string) func() {
	e := v.event(action, actor, subject, success, reason)
	return func() { v.opts.audit(e) }
}

func (v *Vault) changeFn(action Action, rec *Credential) func() {
	snapshot := rec.clone()
	return func() {
		if v.opts.onChange != nil {
			v.opts.onChange(action, snapshot)
		}
	}
}

// locked runs fn under the vault mutex and then runs the notifications it
// queued, so callbacks may call back into the vault.
func (v *Vault) locked(fn func() ([]func(), error)) error {
	v.mu.Lock()
	after, err := func() ([]func(), error) {
		if err := v.checkOpen(); err != nil {
			return nil, err
		}
		return fn()
	}()
	v.mu.Unlock()
	for _, notify := range after {
		notify()
	}
	return err
}

func (v *Vault) lookup(id string) (*Credential, error) {
	rec, ok := v.records[id]
	if !ok {
		return nil, fmt.Errorf("credential %q: %w", id, errdefs.ErrNotFound)
	}
	return rec, nil
}

// expireIfDue moves an active credential past its expiry to StatusExpired.
// It reports whether the credential is expired.
func (v *Vault) expireIfDue(rec *Credential, now time.Time) (bool, []func(), error) {
	if rec.Status == StatusExpired {
		return true, nil, nil
	}
	if rec.Status == StatusRevoked || !rec.expiredAt(now) {
		return false, nil, nil
	}
	prev := rec.Status
	rec.Status = StatusExpired
	if err := v.persist(); err != nil {
		rec.Status = prev
		return true, nil, err
	}
	v.opts.logger.Info("credential expired", "id", rec.ID)
	return true, []func(){v.changeFn(ActionExpired, rec)}, nil
}

// Store encrypts req.Data into a new credential. The payload file is written
// before the index, and removed again if the index cannot be updated.
func (v *Vault) Store(req StoreRequest) (Credential, error) {
	var out Credential
	err := v.locked(func() ([]func(), error) {
		if _, err := ParseCredentialType(string(req.Type)); err != nil {
			return nil, err
		}
		if strings.TrimSpace(req.Name) == "" {
			return nil, fmt.Errorf("credential name cannot be empty: %w", errdefs.ErrInvalidInput)
		}
		id := req.ID
		if id == "" {
			id = uuid.NewString()
		}
		if !idPattern.MatchString(id) {
			return nil, fmt.Errorf("invalid credential id %q: %w", id, errdefs.ErrInvalidInput)
		}
		if _, exists := v.records[id]; exists {
			return nil, fmt.Errorf("credential %q already exists: %w", id, errdefs.ErrInvalidInput)
		}

		now := v.now()
		rec := &Credential{
			ID:        id,
			Type:      req.Type,
			Name:      req.Name,
			Metadata:  req.Metadata,
			CreatedAt: now,
			Status:    StatusActive,
			Cipher:    v.header.suite,
		}
		if req.ExpiresIn != 0 {
			expires := now.Add(req.ExpiresIn)
			rec.ExpiresAt = &expires
		}
		*rec = rec.clone()

		if err := v.writePayload(id, req.Data); err != nil {
			return nil, err
		}
		v.records[id] = rec
		if err := v.persist(); err != nil {
			delete(v.records, id)
			fsutil.SecureErase(v.payloadPath(id))
			return nil, err
		}
		out = rec.clone()
		v.opts.logger.Info("stored credential", "id", id, "type", rec.Type)
		return []func(){v.changeFn(ActionCreated, rec)}, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return out, nil
}

func (v *Vault) writePayload(id string, data map[string]any) error {
	plain, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode credential data: %v: %w", err, errdefs.ErrInvalidInput)
	}
	defer crypto.Wipe(plain)
	c, err := v.cipher()
	if err != nil {
		return err
	}
	blob, err := c.Encrypt(plain, []byte(id))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	if err := fsutil.WriteFileAtomic(v.payloadPath(id), blob, fsutil.PrivateFile); err != nil {
		return fmt.Errorf("failed to write credential payload: %w", err)
	}
	return nil
}

func (v *Vault) readPayload(rec *Credential) ([]byte, error) {
	blob, err := os.ReadFile(v.payloadPath(rec.ID))
	if isNotExist(err) {
		return nil, fmt.Errorf("payload for credential %q: %w", rec.ID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential payload: %w", err)
	}
	c, err := v.cipherFor(rec.Cipher)
	if err != nil {
		return nil, err
	}
	plain, err := c.Decrypt(blob, []byte(rec.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential %q: %w", rec.ID, err)
	}
	return plain, nil
}

// Retrieve decrypts and returns a credential's data. Missing, revoked and
// expired credentials return nil data and an error matching
// errdefs.ErrNotFound, ErrRevoked or ErrExpired. A credential found past its
// expiry is moved to StatusExpired.
func (v *Vault) Retrieve(id, accessor string) (map[string]any, error) {
	var data map[string]any
	err := v.locked(func() ([]func(), error) {
		rec, err := v.lookup(id)
		if err != nil {
			return nil, err
		}
		if rec.Status == StatusRevoked {
			return []func(){v.auditFn("retrieve", accessor, id, false, "credential revoked")},
				fmt.Errorf("credential %q: %w", id, errdefs.ErrRevoked)
		}
		now := v.now()
		expired, after, err := v.expireIfDue(rec, now)
		if err != nil {
			return after, err
		}
		if expired {
			after = append(after, v.auditFn("retrieve", accessor, id, false, "credential expired"))
			return after, fmt.Errorf("credential %q: %w", id, errdefs.ErrExpired)
		}

		plain, err := v.readPayload(rec)
		if err != nil {
			if errors.Is(err, errdefs.ErrAuthenticationFailed) {
				after = append(after, v.auditFn("retrieve", accessor, id, false, "authentication failed"))
			}
			return after, err
		}
		defer crypto.Wipe(plain)
		var decoded map[string]any
		if err := json.Unmarshal(plain, &decoded); err != nil {
			return after, fmt.Errorf("credential %q payload is corrupt: %w", id, errdefs.ErrAuthenticationFailed)
		}

		prevAccessed, prevCount := rec.LastAccessed, rec.AccessCount
		rec.LastAccessed = &now
		rec.AccessCount++
		if err := v.persist(); err != nil {
			rec.LastAccessed, rec.AccessCount = prevAccessed, prevCount
			return after, err
		}
		data = decoded
		snapshot := rec.clone()
		after = append(after, func() {
			if v.opts.onAccess != nil {
				v.opts.onAccess(snapshot, accessor)
			}
		}, v.auditFn("retrieve", accessor, id, true, ""))
		return after, nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Update replaces a credential's data, sealing it under a fresh nonce. With
// rotate set it also stamps LastRotated and returns a pending rotation to
// active.
func (v *Vault) Update(id string, data map[string]any, rotate bool) error {
	return v.locked(func() ([]func(), error) {
		rec, err := v.lookup(id)
		if err != nil {
			return nil, err
		}
		if rec.Status == StatusRevoked {
			return nil, fmt.Errorf("credential %q: %w", id, errdefs.ErrRevoked)
		}
		now := v.now()
		expired, after, err := v.expireIfDue(rec, now)
		if err != nil {
			return after, err
		}
		if expired {
			return after, fmt.Errorf("credential %q: %w", id, errdefs.ErrExpired)
		}

		path := v.payloadPath(id)
		previous, err := os.ReadFile(path)
		if err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read credential payload: %w", err)
		}
		if err := v.writePayload(id, data); err != nil {
			return nil, err
		}

		old := rec.clone()
		rec.Cipher = v.header.suite
		action := ActionUpdated
		if rotate {
			action = ActionRotated
			rec.LastRotated = &now
			rec.RotatedCount++
			if rec.Status == StatusPendingRotation {
				rec.Status = StatusActive
			}
		}
		if err := v.persist(); err != nil {
			*rec = old
			if previous != nil {
				fsutil.WriteFileAtomic(path, previous, fsutil.PrivateFile)
			}
			return nil, err
		}
		v.opts.logger.Info("updated credential", "id", id, "rotated", rotate)
		return append(after, v.changeFn(action, rec)), nil
	})
}

// Delete removes a credential's record and securely erases its payload.
func (v *Vault) Delete(id string) error {
	return v.locked(func() ([]func(), error) {
		rec, err := v.lookup(id)
		if err != nil {
			return nil, err
		}
		delete(v.records, id)
		if err := v.persist(); err != nil {
			v.records[id] = rec
			return nil, err
		}
		if err := fsutil.SecureErase(v.payloadPath(id)); err != nil {
			// The next Open erases the orphaned payload.
			v.opts.logger.Warn("failed to erase credential payload", "id", id, "error", err)
		}
		v.opts.logger.Info("deleted credential", "id", id)
		return []func(){v.changeFn(ActionDeleted, rec), v.auditFn("delete", "", id, true, "")}, nil
	})
}

// Revoke marks a credential revoked. Its payload is kept for forensic review
// but can never be retrieved again.
func (v *Vault) Revoke(id string) error {
	return v.locked(func() ([]func(), error) {
		rec, err := v.lookup(id)
		if err != nil {
			return nil, err
		}
		if rec.Status == StatusRevoked {
			return nil, nil
		}
		prev := rec.Status
		rec.Status = StatusRevoked
		if err := v.persist(); err != nil {
			rec.Status = prev
			return nil, err
		}
		v.opts.logger.Info("revoked credential", "id", id)
		return []func(){v.changeFn(ActionRevoked, rec), v.auditFn("revoke", "", id, true, "")}, nil
	})
}

// MarkForRotation moves an active credential to StatusPendingRotation.
func (v *Vault) MarkForRotation(id string) error {
	return v.locked(func() ([]func(), error) {
		rec, err := v.lookup(id)
		if err != nil {
			return nil, err
		}
		switch rec.Status {
		case StatusRevoked:
			return nil, fmt.Errorf("credential %q: %w", id, errdefs.ErrRevoked)
		case StatusPendingRotation:
			return nil, nil
		}
		expired, after, err := v.expireIfDue(rec, v.now())
		if err != nil {
			return after, err
		}
		if expired {
			return after, fmt.Errorf("credential %q: %w", id, errdefs.ErrExpired)
		}
		rec.Status = StatusPendingRotation
		if err := v.persist(); err != nil {
			rec.Status = StatusActive
			return nil, err
		}
		return append(after, v.changeFn(ActionPendingRotation, rec)), nil
	})
}

// Get returns a credential's record without decrypting its payload.
func (v *Vault) Get(id string) (Credential, error) {
	var out Credential
	err := v.locked(func() ([]func(), error) {
		rec, err := v.lookup(id)
		if err != nil {
			return nil, err
		}
		out = rec.clone()
		return nil, nil
	})
	return out, err
}

// ListCredentials returns records in creation order. Credentials past their
// expiry are reported as expired even before Retrieve records the change.
func (v *Vault) ListCredentials(filter ListFilter) []Credential {
	var out []Credential
	v.locked(func() ([]func(), error) {
		now := v.now()
		for _, c := range v.sorted() {
			if filter.Type != "" && c.Type != filter.Type {
				continue
			}
			if c.Usable() && c.expiredAt(now) {
				c.Status = StatusExpired
			}
			if !filter.IncludeInactive && !c.Usable() {
				continue
			}
			out = append(out, c)
		}
		return nil, nil
	})
	return out
}

// CredentialsNeedingRotation returns usable credentials marked for rotation
// or not rotated within the rotation interval, measured from LastRotated or
// CreatedAt.
func (v *Vault) CredentialsNeedingRotation() []Credential {
	var out []Credential
	v.locked(func() ([]func(), error) {
		now := v.now()
		for _, c := range v.sorted() {
			if !c.Usable() || c.expiredAt(now) {
				continue
			}
			since := c.CreatedAt
			if c.LastRotated != nil {
				since = *c.LastRotated
			}
			if c.Status == StatusPendingRotation || now.Sub(since) >= v.opts.rotationInterval {
				out = append(out, c)
			}
		}
		return nil, nil
	})
	return out
}

// Close drops the vault key and records. Further calls return ErrClosed.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.key = nil
	v.records = nil
	return nil
}
