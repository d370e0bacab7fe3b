package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joncooperworks/devicetrust/audit"
	"github.com/joncooperworks/devicetrust/errdefs"
)

// snapshot reads every file under root keyed by relative path.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		files[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestChangeMasterPassword(t *testing.T) {
	root := t.TempDir()
	rec := &audit.Recorder{}
	v := openTestVault(t, root, WithAudit(rec.Hook()))
	for i := range 3 {
		storeWifi(t, v, fmt.Sprintf("wifi-%d", i))
	}
	before := snapshot(t, root)
	newPassword := []byte("a much better passphrase")

	require.NoError(t, v.ChangeMasterPassword(testPassword, newPassword))

	data, err := v.Retrieve("wifi-1", "")
	require.NoError(t, err)
	assert.Equal(t, "hunter2-wifi-1", data["psk"])

	after := snapshot(t, root)
	assert.NotEqual(t, before[saltFileName], after[saltFileName])
	for name := range after {
		assert.False(t, strings.HasSuffix(name, rekeySuffix), "staged file %s left behind", name)
	}
	require.NoError(t, v.Close())

	_, err = Open(root, testPassword)
	assert.ErrorIs(t, err, errdefs.ErrAuthenticationFailed)

	reopened, err := Open(root, newPassword)
	require.NoError(t, err)
	defer reopened.Close()
	for i := range 3 {
		data, err := reopened.Retrieve(fmt.Sprintf("wifi-%d", i), "")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("hunter2-wifi-%d", i), data["psk"])
	}

	events := rec.Filter("vault", "change_master_password")
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
}

func TestChangeMasterPasswordWrongOld(t *testing.T) {
	root := t.TempDir()
	rec := &audit.Recorder{}
	v := openTestVault(t, root, WithAudit(rec.Hook()))
	storeWifi(t, v, "wifi-1")
	before := snapshot(t, root)

	err := v.ChangeMasterPassword([]byte("guess"), []byte("new password"))
	assert.ErrorIs(t, err, errdefs.ErrAuthenticationFailed)
	assert.Equal(t, before, snapshot(t, root))

	events := rec.Filter("vault", "change_master_password")
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)

	assert.ErrorIs(t, v.ChangeMasterPassword(testPassword, nil), errdefs.ErrInvalidInput)
}

func TestChangeMasterPasswordIsAllOrNothing(t *testing.T) {
	root := t.TempDir()
	v := openTestVault(t, root)
	for i := 1; i <= 5; i++ {
		storeWifi(t, v, fmt.Sprintf("cred-%d", i))
	}

	corrupt := filepath.Join(root, dataDirName, "cred-3"+payloadSuffix)
	data, err := os.ReadFile(corrupt)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, os.WriteFile(corrupt, data, 0600))
	before := snapshot(t, root)

	err = v.ChangeMasterPassword(testPassword, []byte("new password"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrAuthenticationFailed)
	assert.Equal(t, before, snapshot(t, root), "no file may change when a credential cannot be decrypted")

	// The vault is still fully usable under the old password.
	for _, id := range []string{"cred-1", "cred-2", "cred-4", "cred-5"} {
		_, err := v.Retrieve(id, "")
		require.NoError(t, err, id)
	}
	require.NoError(t, v.Close())
	reopened := openTestVault(t, root)
	_, err = reopened.Retrieve("cred-5", "")
	require.NoError(t, err)
}

// interruptedRekey changes the master password of a vault holding two
// credentials and then rewinds the root to how it looks after the payloads
// were renamed but before the salt and index were: new payloads, old salt
// and index live, new salt and index still staged, backups of the old files.
func interruptedRekey(t *testing.T, state string) (root string, newPassword []byte) {
	t.Helper()
	root = t.TempDir()
	v := openTestVault(t, root)
	storeWifi(t, v, "cred-1")
	storeWifi(t, v, "cred-2")
	before := snapshot(t, root)

	newPassword = []byte("a much better passphrase")
	require.NoError(t, v.ChangeMasterPassword(testPassword, newPassword))
	require.NoError(t, v.Close())
	after := snapshot(t, root)

	write := func(rel, data string) {
		require.NoError(t, os.WriteFile(filepath.Join(root, rel), []byte(data), 0600))
	}
	for _, name := range []string{saltFileName, indexFileName} {
		write(name+rekeySuffix, after[name])
		write(name, before[name])
	}
	for rel, data := range before {
		if strings.HasPrefix(rel, dataDirName) {
			write(rel+backupSuffix, data)
		}
	}
	write(saltFileName+backupSuffix, before[saltFileName])
	write(rekeyStateName, state)
	return root, newPassword
}

func assertNoRekeyLeftovers(t *testing.T, root string) {
	t.Helper()
	for name := range snapshot(t, root) {
		assert.False(t, strings.HasSuffix(name, rekeySuffix), "staged file %s left behind", name)
		assert.False(t, strings.HasSuffix(name, backupSuffix), "backup %s left behind", name)
		assert.NotEqual(t, rekeyStateName, name)
	}
}

func TestOpenCompletesInterruptedPasswordChange(t *testing.T) {
	root, newPassword := interruptedRekey(t, stateCommit)

	reopened, err := Open(root, newPassword, cheapKDF())
	require.NoError(t, err)
	defer reopened.Close()
	for _, id := range []string{"cred-1", "cred-2"} {
		data, err := reopened.Retrieve(id, "")
		require.NoError(t, err, id)
		assert.Equal(t, "hunter2-"+id, data["psk"])
	}
	assertNoRekeyLeftovers(t, root)

	_, err = Open(root, testPassword, cheapKDF())
	assert.ErrorIs(t, err, errdefs.ErrAuthenticationFailed)
}

func TestOpenRevertsInterruptedRollback(t *testing.T) {
	root, _ := interruptedRekey(t, stateRollback)

	reopened, err := Open(root, testPassword, cheapKDF())
	require.NoError(t, err)
	defer reopened.Close()
	for _, id := range []string{"cred-1", "cred-2"} {
		data, err := reopened.Retrieve(id, "")
		require.NoError(t, err, id)
		assert.Equal(t, "hunter2-"+id, data["psk"])
	}
	assertNoRekeyLeftovers(t, root)
}

func TestOpenDiscardsUncommittedStaging(t *testing.T) {
	root := t.TempDir()
	v := openTestVault(t, root)
	storeWifi(t, v, "cred-1")
	require.NoError(t, v.Close())

	payload := filepath.Join(root, dataDirName, "cred-1"+payloadSuffix)
	require.NoError(t, os.WriteFile(payload+rekeySuffix, []byte("half-written"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, saltFileName+rekeySuffix), make([]byte, 32), 0600))
	require.NoError(t, os.Link(payload, payload+backupSuffix))

	reopened := openTestVault(t, root)
	data, err := reopened.Retrieve("cred-1", "")
	require.NoError(t, err)
	assert.Equal(t, "hunter2-cred-1", data["psk"])
	assertNoRekeyLeftovers(t, root)
}

func TestChangeMasterPasswordRevertsFailedCommit(t *testing.T) {
	root := t.TempDir()
	v := openTestVault(t, root)
	storeWifi(t, v, "cred-1")
	storeWifi(t, v, "cred-2")
	before := snapshot(t, root)

	saltPath := filepath.Join(root, saltFileName)
	rename = func(oldpath, newpath string) error {
		if strings.HasSuffix(oldpath, rekeySuffix) && newpath == saltPath {
			return os.ErrPermission
		}
		return os.Rename(oldpath, newpath)
	}
	t.Cleanup(func() { rename = os.Rename })

	err := v.ChangeMasterPassword(testPassword, []byte("new password"))
	require.Error(t, err)
	assert.Equal(t, before, snapshot(t, root), "a reverted change must restore every file")

	data, err := v.Retrieve("cred-2", "")
	require.NoError(t, err)
	assert.Equal(t, "hunter2-cred-2", data["psk"])
	require.NoError(t, v.Close())

	reopened := openTestVault(t, root)
	_, err = reopened.Retrieve("cred-1", "")
	require.NoError(t, err)
}
