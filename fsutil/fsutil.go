// Package fsutil holds the file primitives every on-disk store uses: atomic
// replace, owner-only directories and overwrite-before-unlink erasure.
package fsutil

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// PrivateFile is the mode for keys, ciphertext and index files.
	PrivateFile os.FileMode = 0600
	// PrivateDir is the mode for directories holding private files.
	PrivateDir os.FileMode = 0700
)

// EnsureDir creates path (and parents) with perm and tightens the mode of an
// existing directory to perm.
func EnsureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat directory %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s exists and is not a directory", path)
	}
	if info.Mode().Perm() != perm {
		if err := os.Chmod(path, perm); err != nil {
			return fmt.Errorf("failed to restrict directory %s: %w", path, err)
		}
	}
	return nil
}

// WriteFileAtomic writes data to a temporary file in the same directory as
// path, fsyncs it, and renames it into place. Readers never observe a partial
// write, and a failed write leaves no temporary file behind.
//
// The temporary file is created with mode 0600 and only then changed to perm,
// so private data is never exposed under a wider mode.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", path, err)
	}
	tmpPath := file.Name()

	fail := func(step string, err error) error {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to %s %s: %w", step, path, err)
	}

	if perm != PrivateFile {
		if err := file.Chmod(perm); err != nil {
			return fail("set mode of", err)
		}
	}
	if _, err := file.Write(data); err != nil {
		return fail("write", err)
	}
	if err := file.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s into place: %w", path, err)
	}

	SyncDir(dir)
	return nil
}

// SyncDir fsyncs a directory so renames into it survive power loss. Errors
// are ignored; not every filesystem supports syncing a directory.
func SyncDir(dir string) {
	if parent, err := os.Open(dir); err == nil {
		parent.Sync()
		parent.Close()
	}
}

// SecureErase overwrites the file at path with random bytes, fsyncs, and
// unlinks it. A missing file is not an error.
func SecureErase(path string) error {
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s for erase: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if _, err := io.CopyN(file, rand.Reader, info.Size()); err != nil {
		file.Close()
		return fmt.Errorf("failed to overwrite %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path exists. Errors other than "not exist" are
// returned.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
