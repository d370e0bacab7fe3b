package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joncooperworks/devicetrust/audit"
	"github.com/joncooperworks/devicetrust/clock"
	"github.com/joncooperworks/devicetrust/crypto"
	"github.com/joncooperworks/devicetrust/crypto/keystore"
	"github.com/joncooperworks/devicetrust/errdefs"
	"github.com/joncooperworks/devicetrust/identity"
)

var testPassword = []byte("correct horse battery staple")

// cheapKDF keeps Argon2id fast enough for unit tests.
func cheapKDF() Option {
	return WithKDF(crypto.Argon2id, crypto.Params{Iterations: 1, Memory: 1024, Threads: 1})
}

func openTestVault(t *testing.T, root string, opts ...Option) *Vault {
	t.Helper()
	v, err := Open(root, testPassword, append([]Option{cheapKDF()}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func storeWifi(t *testing.T, v *Vault, id string) Credential {
	t.Helper()
	cred, err := v.Store(StoreRequest{
		Type:     TypeWifiPassword,
		Name:     "Conference Wi-Fi " + id,
		Data:     map[string]any{"ssid": "room-net", "psk": "hunter2-" + id},
		Metadata: map[string]any{"site": "hq"},
		ID:       id,
	})
	require.NoError(t, err)
	return cred
}

func TestStoreAndRetrieve(t *testing.T) {
	root := t.TempDir()
	var accessed []string
	v := openTestVault(t, root, WithOnAccess(func(c Credential, accessor string) {
		accessed = append(accessed, c.ID+"@"+accessor)
	}))

	cred, err := v.Store(StoreRequest{
		Type: TypeMeetingPlatform,
		Name: "Teams room account",
		Data: map[string]any{"username": "room42@example.com", "password": "s3cret", "pin": 1234},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, cred.ID)
	assert.Equal(t, StatusActive, cred.Status)
	assert.Equal(t, crypto.SuiteAESGCM, cred.Cipher)
	assert.Nil(t, cred.ExpiresAt)

	data, err := v.Retrieve(cred.ID, "meeting-loader")
	require.NoError(t, err)
	assert.Equal(t, "room42@example.com", data["username"])
	assert.Equal(t, float64(1234), data["pin"])
	assert.Equal(t, []string{cred.ID + "@meeting-loader"}, accessed)

	got, err := v.Get(cred.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.AccessCount)
	require.NotNil(t, got.LastAccessed)

	payload := filepath.Join(root, dataDirName, cred.ID+payloadSuffix)
	info, err := os.Stat(payload)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	raw, err := os.ReadFile(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")

	index, err := os.ReadFile(filepath.Join(root, indexFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(index), "Teams room account")

	salt, err := os.ReadFile(filepath.Join(root, saltFileName))
	require.NoError(t, err)
	assert.Len(t, salt, crypto.SaltSize)
}

func TestRetrieveMissing(t *testing.T) {
	v := openTestVault(t, t.TempDir())
	data, err := v.Retrieve("nope", "")
	assert.Nil(t, data)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestStoreValidation(t *testing.T) {
	v := openTestVault(t, t.TempDir())
	storeWifi(t, v, "wifi-1")

	tests := []struct {
		name string
		req  StoreRequest
	}{
		{"duplicate id", StoreRequest{Type: TypeGeneric, Name: "dup", ID: "wifi-1"}},
		{"path traversal id", StoreRequest{Type: TypeGeneric, Name: "x", ID: "../escape"}},
		{"dot id", StoreRequest{Type: TypeGeneric, Name: "x", ID: ".."}},
		{"unknown type", StoreRequest{Type: "floppy", Name: "x"}},
		{"empty name", StoreRequest{Type: TypeGeneric, Name: " "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Store(tt.req)
			assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
		})
	}
}

func TestAlreadyExpiredCredential(t *testing.T) {
	var changes []Action
	v := openTestVault(t, t.TempDir(), WithOnChange(func(a Action, _ Credential) { changes = append(changes, a) }))

	cred, err := v.Store(StoreRequest{
		Type:      TypeCalendarOAuth,
		Name:      "calendar token",
		Data:      map[string]any{"token": "abc"},
		ExpiresIn: -time.Second,
	})
	require.NoError(t, err)

	data, err := v.Retrieve(cred.ID, "calendar")
	assert.Nil(t, data)
	assert.ErrorIs(t, err, errdefs.ErrExpired)

	got, err := v.Get(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, []Action{ActionCreated, ActionExpired}, changes)

	assert.Empty(t, v.ListCredentials(ListFilter{}))
	assert.Len(t, v.ListCredentials(ListFilter{IncludeInactive: true}), 1)

	assert.ErrorIs(t, v.Update(cred.ID, map[string]any{"token": "new"}, true), errdefs.ErrExpired)
}

func TestExpiryFollowsClock(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	v := openTestVault(t, t.TempDir(), WithClock(fake))

	cred, err := v.Store(StoreRequest{Type: TypeAPIKey, Name: "dashboard", Data: map[string]any{"k": "v"}, ExpiresIn: time.Hour})
	require.NoError(t, err)

	_, err = v.Retrieve(cred.ID, "")
	require.NoError(t, err)

	fake.Advance(2 * time.Hour)
	listed := v.ListCredentials(ListFilter{IncludeInactive: true})
	require.Len(t, listed, 1)
	assert.Equal(t, StatusExpired, listed[0].Status)

	_, err = v.Retrieve(cred.ID, "")
	assert.ErrorIs(t, err, errdefs.ErrExpired)
}

func TestExpiryNotRecordedWhenIndexWriteFails(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	root := t.TempDir()
	v := openTestVault(t, root, WithClock(fake))

	cred, err := v.Store(StoreRequest{Type: TypeAPIKey, Name: "dashboard", Data: map[string]any{"k": "v"}, ExpiresIn: time.Hour})
	require.NoError(t, err)
	fake.Advance(2 * time.Hour)

	// A directory in place of the index makes every rename onto it fail.
	index := filepath.Join(root, indexFileName)
	saved, err := os.ReadFile(index)
	require.NoError(t, err)
	require.NoError(t, os.Remove(index))
	require.NoError(t, os.Mkdir(index, 0700))

	_, err = v.Retrieve(cred.ID, "")
	require.Error(t, err)
	got, err := v.Get(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status, "status must match the index on disk")

	require.NoError(t, os.Remove(index))
	require.NoError(t, os.WriteFile(index, saved, 0600))
	_, err = v.Retrieve(cred.ID, "")
	assert.ErrorIs(t, err, errdefs.ErrExpired)
	got, err = v.Get(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestRevokeIsTerminal(t *testing.T) {
	rec := &audit.Recorder{}
	v := openTestVault(t, t.TempDir(), WithAudit(rec.Hook()))
	cred := storeWifi(t, v, "wifi-1")

	require.NoError(t, v.Revoke(cred.ID))
	require.NoError(t, v.Revoke(cred.ID))

	data, err := v.Retrieve(cred.ID, "provisioning")
	assert.Nil(t, data)
	assert.ErrorIs(t, err, errdefs.ErrRevoked)
	assert.ErrorIs(t, v.Update(cred.ID, map[string]any{"psk": "x"}, false), errdefs.ErrRevoked)
	assert.ErrorIs(t, v.MarkForRotation(cred.ID), errdefs.ErrRevoked)

	assert.Empty(t, v.ListCredentials(ListFilter{}))
	all := v.ListCredentials(ListFilter{IncludeInactive: true})
	require.Len(t, all, 1)
	assert.Equal(t, StatusRevoked, all[0].Status)

	denials := rec.Filter("vault", "retrieve")
	require.Len(t, denials, 1)
	assert.False(t, denials[0].Success)
	assert.Equal(t, "provisioning", denials[0].Actor)

	_, err = os.Stat(filepath.Join(v.dataDir, cred.ID+payloadSuffix))
	assert.NoError(t, err, "revoked payload is kept for review")
}

func TestListFiltersByType(t *testing.T) {
	v := openTestVault(t, t.TempDir())
	storeWifi(t, v, "wifi-1")
	_, err := v.Store(StoreRequest{Type: TypeSSHKey, Name: "support key", Data: map[string]any{"pem": "..."}})
	require.NoError(t, err)

	wifi := v.ListCredentials(ListFilter{Type: TypeWifiPassword})
	require.Len(t, wifi, 1)
	assert.Equal(t, "wifi-1", wifi[0].ID)
	assert.Len(t, v.ListCredentials(ListFilter{}), 2)
}

func TestRotationCycle(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := clock.Fake(start)
	var changes []Action
	v := openTestVault(t, t.TempDir(), WithClock(fake), WithOnChange(func(a Action, _ Credential) { changes = append(changes, a) }))
	cred := storeWifi(t, v, "wifi-1")
	storeWifi(t, v, "wifi-2")

	assert.Empty(t, v.CredentialsNeedingRotation())

	require.NoError(t, v.MarkForRotation(cred.ID))
	due := v.CredentialsNeedingRotation()
	require.Len(t, due, 1)
	assert.Equal(t, StatusPendingRotation, due[0].Status)

	fake.Advance(time.Hour)
	require.NoError(t, v.Update(cred.ID, map[string]any{"psk": "rotated"}, true))
	got, err := v.Get(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.EqualValues(t, 1, got.RotatedCount)
	require.NotNil(t, got.LastRotated)
	assert.True(t, got.LastRotated.Equal(start.Add(time.Hour)))

	data, err := v.Retrieve(cred.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "rotated", data["psk"])

	fake.Set(start.Add(DefaultRotationInterval))
	due = v.CredentialsNeedingRotation()
	require.Len(t, due, 1)
	assert.Equal(t, "wifi-2", due[0].ID)

	assert.Equal(t, []Action{ActionCreated, ActionCreated, ActionPendingRotation, ActionRotated}, changes)
}

func TestUpdateWithoutRotate(t *testing.T) {
	v := openTestVault(t, t.TempDir())
	cred := storeWifi(t, v, "wifi-1")
	before, err := os.ReadFile(filepath.Join(v.dataDir, cred.ID+payloadSuffix))
	require.NoError(t, err)

	require.NoError(t, v.Update(cred.ID, map[string]any{"psk": "hunter2-wifi-1"}, false))
	after, err := os.ReadFile(filepath.Join(v.dataDir, cred.ID+payloadSuffix))
	require.NoError(t, err)
	assert.NotEqual(t, before, after, "same data must be sealed under a new nonce")

	got, err := v.Get(cred.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastRotated)
	assert.ErrorIs(t, v.Update("missing", nil, false), errdefs.ErrNotFound)
}

func TestDelete(t *testing.T) {
	v := openTestVault(t, t.TempDir())
	cred := storeWifi(t, v, "wifi-1")

	require.NoError(t, v.Delete(cred.ID))
	_, err := os.Stat(filepath.Join(v.dataDir, cred.ID+payloadSuffix))
	assert.True(t, os.IsNotExist(err))
	_, err = v.Get(cred.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.ErrorIs(t, v.Delete(cred.ID), errdefs.ErrNotFound)
}

func TestReopen(t *testing.T) {
	root := t.TempDir()
	v := openTestVault(t, root)
	storeWifi(t, v, "wifi-1")
	require.NoError(t, v.Close())

	_, err := v.Get("wifi-1")
	assert.ErrorIs(t, err, ErrClosed)

	reopened := openTestVault(t, root)
	data, err := reopened.Retrieve("wifi-1", "")
	require.NoError(t, err)
	assert.Equal(t, "hunter2-wifi-1", data["psk"])

	_, err = Open(root, []byte("wrong password"), cheapKDF())
	assert.ErrorIs(t, err, errdefs.ErrAuthenticationFailed)

	_, err = Open(root, nil)
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestDeviceIdentityBinding(t *testing.T) {
	root := t.TempDir()
	v := openTestVault(t, root, WithIdentity(identity.Static("serial-A")))
	storeWifi(t, v, "wifi-1")
	require.NoError(t, v.Close())

	_, err := Open(root, testPassword, cheapKDF(), WithIdentity(identity.Static("serial-B")))
	assert.ErrorIs(t, err, errdefs.ErrAuthenticationFailed)

	_, err = Open(root, testPassword, cheapKDF())
	assert.ErrorIs(t, err, errdefs.ErrAuthenticationFailed)

	openTestVault(t, root, WithIdentity(identity.Static("serial-A")))
}

func TestDegradedSuiteIsRecorded(t *testing.T) {
	root := t.TempDir()
	v := openTestVault(t, root, WithSuite(crypto.SuiteXChaCha20Poly1305))
	cred := storeWifi(t, v, "wifi-1")
	assert.Equal(t, crypto.SuiteXChaCha20Poly1305, cred.Cipher)
	require.NoError(t, v.Close())

	index, err := os.ReadFile(filepath.Join(root, indexFileName))
	require.NoError(t, err)
	assert.Contains(t, string(index), string(crypto.SuiteXChaCha20Poly1305))

	reopened := openTestVault(t, root)
	_, err = reopened.Retrieve(cred.ID, "")
	require.NoError(t, err)
}

func TestScryptVault(t *testing.T) {
	root := t.TempDir()
	v, err := Open(root, testPassword, WithKDF(crypto.Scrypt, crypto.Params{N: 1 << 10, R: 8, P: 1}))
	require.NoError(t, err)
	storeWifi(t, v, "wifi-1")
	require.NoError(t, v.Close())

	// Parameters recorded in the index win over the options of later opens.
	reopened, err := Open(root, testPassword)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.Retrieve("wifi-1", "")
	require.NoError(t, err)
}

func TestDisabledKDFFallsBackToPBKDF2(t *testing.T) {
	root := t.TempDir()
	deriver := crypto.NewDeriver(crypto.WithDisabled(crypto.Argon2id))
	v := openTestVault(t, root, WithDeriver(deriver))
	assert.Equal(t, crypto.PBKDF2SHA256, v.header.kdf)
	require.NoError(t, v.Close())

	index, err := os.ReadFile(filepath.Join(root, indexFileName))
	require.NoError(t, err)
	assert.Contains(t, string(index), string(crypto.PBKDF2SHA256))
}

func TestReconcileOnOpen(t *testing.T) {
	root := t.TempDir()
	v := openTestVault(t, root)
	storeWifi(t, v, "keep")
	storeWifi(t, v, "lost")
	require.NoError(t, v.Close())

	dataDir := filepath.Join(root, dataDirName)
	require.NoError(t, os.Remove(filepath.Join(dataDir, "lost"+payloadSuffix)))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "ghost"+payloadSuffix), []byte("orphan"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, ".keep.enc.tmp-123"), []byte("partial"), 0600))

	reopened := openTestVault(t, root)
	all := reopened.ListCredentials(ListFilter{IncludeInactive: true})
	require.Len(t, all, 1)
	assert.Equal(t, "keep", all[0].ID)

	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep"+payloadSuffix, entries[0].Name())
}

func TestOpenRefusesMissingIndexWithPayloads(t *testing.T) {
	root := t.TempDir()
	v := openTestVault(t, root)
	storeWifi(t, v, "wifi-1")
	require.NoError(t, v.Close())
	require.NoError(t, os.Remove(filepath.Join(root, indexFileName)))

	_, err := Open(root, testPassword, cheapKDF())
	assert.ErrorIs(t, err, errdefs.ErrAuthenticationFailed)
	_, err = os.Stat(filepath.Join(root, dataDirName, "wifi-1"+payloadSuffix))
	assert.NoError(t, err)
}

func TestOpenWithKeyStorage(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	ks := keystore.NewMemoryKeyStorage()

	v, err := OpenWithKeyStorage(ctx, root, ks, "vault-master", cheapKDF())
	require.NoError(t, err)
	storeWifi(t, v, "wifi-1")
	require.NoError(t, v.Close())

	ok, err := ks.KeyExists(ctx, "vault-master")
	require.NoError(t, err)
	assert.True(t, ok)

	v, err = OpenWithKeyStorage(ctx, root, ks, "vault-master", cheapKDF())
	require.NoError(t, err)
	_, err = v.Retrieve("wifi-1", "")
	require.NoError(t, err)
	require.NoError(t, v.Close())

	_, err = OpenWithKeyStorage(ctx, root, keystore.NewMemoryKeyStorage(), "vault-master", cheapKDF())
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestConcurrentStores(t *testing.T) {
	root := t.TempDir()
	v := openTestVault(t, root)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Store(StoreRequest{
				Type: TypeGeneric,
				Name: fmt.Sprintf("secret %d", i),
				Data: map[string]any{"n": i},
				ID:   fmt.Sprintf("secret-%02d", i),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, v.Close())

	reopened := openTestVault(t, root)
	assert.Len(t, reopened.ListCredentials(ListFilter{}), 16)
}

func TestCallbacksMayReenter(t *testing.T) {
	var v *Vault
	var seen []string
	v = openTestVault(t, t.TempDir(), WithOnChange(func(a Action, c Credential) {
		got, err := v.Get(c.ID)
		if err == nil {
			seen = append(seen, string(a)+":"+string(got.Status))
		}
	}))
	cred := storeWifi(t, v, "wifi-1")
	require.NoError(t, v.Revoke(cred.ID))
	assert.Equal(t, []string{"created:active", "revoked:revoked"}, seen)
}

func TestIndexFileIsValidEnvelope(t *testing.T) {
	root := t.TempDir()
	v := openTestVault(t, root)
	storeWifi(t, v, "wifi-1")

	idx, err := readIndex(filepath.Join(root, indexFileName))
	require.NoError(t, err)
	assert.Equal(t, indexVersion, idx.Version)
	assert.Equal(t, crypto.Argon2id, idx.KDF)
	assert.False(t, strings.Contains(idx.Records, "wifi-1"))
}
