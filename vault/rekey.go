package vault

import (
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/joncooperworks/devicetrust/crypto"
	"github.com/joncooperworks/devicetrust/errdefs"
	"github.com/joncooperworks/devicetrust/fsutil"
)

const (
	rekeySuffix    = ".rekey"
	backupSuffix   = ".prev"
	rekeyStateName = ".rekey-state"

	// stateCommit means every replacement file is staged and backed up and
	// the change must be rolled forward. stateRollback means a commit failed
	// and the backups must be restored.
	stateCommit   = "commit"
	stateRollback = "rollback"
)

// rename is swapped in tests to fail a commit part way through.
var rename = os.Rename

// ChangeMasterPassword re-encrypts every payload and the index under a key
// derived from newPassword with a fresh salt.
//
// oldPassword must re-derive the current vault key. Every payload is
// decrypted before anything is written; if any credential cannot be read the
// call fails and the vault on disk is untouched. Replacement files are staged
// next to the originals, the originals are backed up, and a state file
// records the commit. A commit that fails part way is reverted from the
// backups; one interrupted by a crash is finished or reverted by the next
// Open according to the state file.
func (v *Vault) ChangeMasterPassword(oldPassword, newPassword []byte) error {
	if len(newPassword) == 0 {
		return fmt.Errorf("new master password cannot be empty: %w", errdefs.ErrInvalidInput)
	}
	return v.locked(func() ([]func(), error) {
		if err := v.rekey(oldPassword, newPassword); err != nil {
			v.opts.logger.Error("master password change failed", "root", v.root, "error", err)
			return []func(){v.auditFn("change_master_password", "", v.root, false, err.Error())}, err
		}
		v.opts.logger.Info("master password changed", "root", v.root, "credentials", len(v.records))
		return []func(){v.auditFn("change_master_password", "", v.root, true, "")}, nil
	})
}

func (v *Vault) verifyPassword(password []byte) error {
	secret, err := v.opts.secret(password)
	if err != nil {
		return err
	}
	defer crypto.Wipe(secret)
	salt, err := readSalt(v.path(saltFileName))
	if err != nil {
		return fmt.Errorf("failed to read vault salt: %w", err)
	}
	check, err := v.opts.deriver.Derive(secret, salt, v.header.kdf, v.header.params)
	if err != nil {
		return err
	}
	defer check.Wipe()

	current, err := v.key.Open()
	if err != nil {
		return fmt.Errorf("failed to unseal vault key: %w", err)
	}
	defer current.Destroy()
	if subtle.ConstantTimeCompare(current.Bytes(), check.Key[:]) != 1 {
		return fmt.Errorf("old master password does not unlock the vault: %w", errdefs.ErrAuthenticationFailed)
	}
	return nil
}

func (v *Vault) rekey(oldPassword, newPassword []byte) error {
	if err := v.verifyPassword(oldPassword); err != nil {
		return err
	}

	plaintexts := make(map[string][]byte, len(v.records))
	defer func() {
		for _, p := range plaintexts {
			crypto.Wipe(p)
		}
	}()
	records := v.sorted()
	for _, rec := range records {
		plain, err := v.readPayload(v.records[rec.ID])
		if err != nil {
			return fmt.Errorf("aborting password change: %w", err)
		}
		plaintexts[rec.ID] = plain
	}

	secret, err := v.opts.secret(newPassword)
	if err != nil {
		return err
	}
	defer crypto.Wipe(secret)
	dk, err := v.opts.deriver.Derive(secret, nil, v.header.kdf, v.header.params)
	if err != nil {
		return err
	}
	defer dk.Wipe()
	c, err := crypto.NewCipher(dk.Key[:], crypto.WithSuite(v.header.suite))
	if err != nil {
		return err
	}
	h := header{kdf: dk.Algorithm, params: dk.Params, suite: v.header.suite}

	var staged, backups []string
	discard := func() {
		for _, path := range append(staged, backups...) {
			os.Remove(path)
		}
	}
	stage := func(path string, data []byte) error {
		tmp := path + rekeySuffix
		if err := fsutil.WriteFileAtomic(tmp, data, fsutil.PrivateFile); err != nil {
			return err
		}
		staged = append(staged, tmp)
		return nil
	}

	for i := range records {
		id := records[i].ID
		blob, err := c.Encrypt(plaintexts[id], []byte(id))
		if err != nil {
			discard()
			return fmt.Errorf("failed to re-encrypt credential %q: %w", id, err)
		}
		if err := stage(v.payloadPath(id), blob); err != nil {
			discard()
			return err
		}
		records[i].Cipher = h.suite
	}
	if err := stage(v.path(saltFileName), dk.Salt[:]); err != nil {
		discard()
		return err
	}
	indexData, err := sealIndex(c, h, records)
	if err != nil {
		discard()
		return err
	}
	// The index is staged and committed last: until it is renamed the old
	// index stays live.
	if err := stage(v.path(indexFileName), indexData); err != nil {
		discard()
		return err
	}

	targets := make([]string, 0, len(records)+1)
	for _, rec := range records {
		targets = append(targets, v.payloadPath(rec.ID))
	}
	targets = append(targets, v.path(saltFileName))
	for _, target := range targets {
		if err := backup(target); err != nil {
			discard()
			return fmt.Errorf("failed to back up %s: %w", target, err)
		}
		backups = append(backups, target+backupSuffix)
	}

	if err := v.writeRekeyState(stateCommit); err != nil {
		discard()
		return err
	}
	if err := v.rollForward(staged, backups); err != nil {
		if revertErr := v.revert(staged, backups); revertErr != nil {
			v.closed = true
			return fmt.Errorf("failed to commit master password change (%v) or to revert it: %w", err, revertErr)
		}
		return fmt.Errorf("master password change reverted: %w", err)
	}

	v.header = h
	v.key = memguard.NewEnclave(dk.Key[:])
	for _, rec := range v.records {
		rec.Cipher = h.suite
	}
	return nil
}

// backup hard-links path to path.prev, copying when the filesystem has no
// hard links.
func backup(path string) error {
	if err := os.Link(path, path+backupSuffix); err == nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path+backupSuffix, data, fsutil.PrivateFile)
}

func (v *Vault) writeRekeyState(state string) error {
	if err := fsutil.WriteFileAtomic(v.path(rekeyStateName), []byte(state), fsutil.PrivateFile); err != nil {
		return fmt.Errorf("failed to record master password change state: %w", err)
	}
	return nil
}

// rollForward renames staged files into place in order, then drops the
// backups and the state file.
func (v *Vault) rollForward(staged, backups []string) error {
	for _, tmp := range staged {
		if err := rename(tmp, strings.TrimSuffix(tmp, rekeySuffix)); err != nil {
			return fmt.Errorf("failed to commit re-keyed file %s: %w", tmp, err)
		}
	}
	fsutil.SyncDir(v.dataDir)
	fsutil.SyncDir(v.root)
	for _, path := range backups {
		os.Remove(path)
	}
	os.Remove(v.path(rekeyStateName))
	fsutil.SyncDir(v.root)
	return nil
}

// revert records the rollback and restores the originals.
func (v *Vault) revert(staged, backups []string) error {
	if err := v.writeRekeyState(stateRollback); err != nil {
		return err
	}
	return v.rollBack(staged, backups)
}

// rollBack restores every backup over its original, then drops the staged
// files and the state file.
func (v *Vault) rollBack(staged, backups []string) error {
	for _, path := range backups {
		if err := rename(path, strings.TrimSuffix(path, backupSuffix)); err != nil {
			return fmt.Errorf("failed to restore %s: %w", path, err)
		}
		// Renaming a hard link onto its own inode leaves both names.
		os.Remove(path)
	}
	fsutil.SyncDir(v.dataDir)
	fsutil.SyncDir(v.root)
	for _, path := range staged {
		os.Remove(path)
	}
	os.Remove(v.path(rekeyStateName))
	fsutil.SyncDir(v.root)
	return nil
}

// leftovers lists files ending in suffix, payloads first and the index last,
// which is the order they are committed in.
func (v *Vault) leftovers(suffix string) []string {
	var paths []string
	if entries, err := os.ReadDir(v.dataDir); err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
				paths = append(paths, filepath.Join(v.dataDir, e.Name()))
			}
		}
	}
	for _, name := range []string{saltFileName, indexFileName} {
		if ok, _ := fsutil.Exists(v.path(name) + suffix); ok {
			paths = append(paths, v.path(name)+suffix)
		}
	}
	return paths
}

// recoverRekey settles a master password change interrupted by a crash.
// Without a state file nothing was committed and leftovers are discarded.
func (v *Vault) recoverRekey() error {
	staged := v.leftovers(rekeySuffix)
	backups := v.leftovers(backupSuffix)
	state, err := os.ReadFile(v.path(rekeyStateName))
	if isNotExist(err) {
		for _, path := range append(staged, backups...) {
			os.Remove(path)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read master password change state: %w", err)
	}

	switch string(state) {
	case stateCommit:
		v.opts.logger.Warn("completing interrupted master password change",
			"root", v.root, "staged", len(staged))
		return v.rollForward(staged, backups)
	case stateRollback:
		v.opts.logger.Warn("reverting interrupted master password change",
			"root", v.root, "backups", len(backups))
		return v.rollBack(staged, backups)
	}
	return fmt.Errorf("unknown master password change state %q: %w", state, errdefs.ErrInvalidInput)
}
