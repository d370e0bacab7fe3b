package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.enc")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), PrivateFile))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), PrivateFile))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, PrivateFile, info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the target file may remain")
}

func TestWriteFileAtomicPublicMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.crt")
	require.NoError(t, WriteFileAtomic(path, []byte("cert"), 0644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "file")
	assert.Error(t, WriteFileAtomic(path, []byte("x"), PrivateFile))
}

func TestSecureErase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, os.WriteFile(path, []byte("super secret"), PrivateFile))
	require.NoError(t, SecureErase(path))

	ok, err := Exists(path)
	require.NoError(t, err)
	assert.False(t, ok, "file still exists after SecureErase")
	assert.NoError(t, SecureErase(path), "erasing a missing file is not an error")
}

func TestEnsureDirTightensMode(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	require.NoError(t, os.Mkdir(dir, 0755))
	require.NoError(t, EnsureDir(dir, PrivateDir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, PrivateDir, info.Mode().Perm())
}
