// Package errdefs defines the error kinds shared by every devicetrust package.
//
// Callers classify failures with errors.Is against the sentinels below instead
// of matching on message text. Packages wrap these sentinels with context using
// fmt.Errorf("...: %w", errdefs.ErrNotFound).
package errdefs

import (
	"errors"
	"io/fs"
)

var (
	// ErrAuthenticationFailed is returned when an AEAD tag check fails or a
	// ciphertext is too short to be authentic. It is never retried.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNotFound is returned for missing credentials, keys and roles.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned when a credential is past its expiry.
	ErrExpired = errors.New("expired")

	// ErrRevoked is returned when a credential has been revoked.
	ErrRevoked = errors.New("revoked")

	// ErrPermissionDenied is returned by RBAC checks and by attempts to
	// mutate system roles.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBackendUnavailable is returned when a storage backend (keyring,
	// TPM) is absent on this device.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrUnsupported is returned by backends whose hardware or tooling is
	// missing. Errors of this kind also match ErrBackendUnavailable.
	ErrUnsupported = errors.New("unsupported")

	// ErrInvalidInput is returned for malformed scopes, unknown algorithms,
	// bad key sizes and similar caller errors.
	ErrInvalidInput = errors.New("invalid input")

	// ErrExternalTool is returned when a subprocess (openssl, tpm2-tools)
	// exits non-zero or cannot be started.
	ErrExternalTool = errors.New("external tool failure")

	// ErrTimeout is returned when a subprocess exceeds its deadline. Errors
	// of this kind also match ErrExternalTool and are retryable.
	ErrTimeout = errors.New("timeout")
)

// Unsupported returns an error matching both ErrUnsupported and
// ErrBackendUnavailable.
func Unsupported(backend string) error {
	return &kindError{msg: backend + ": unsupported on this device", kinds: []error{ErrUnsupported, ErrBackendUnavailable}}
}

// Timeout returns an error matching both ErrTimeout and ErrExternalTool.
func Timeout(tool string, cause error) error {
	return &kindError{msg: tool + ": timed out", kinds: []error{ErrTimeout, ErrExternalTool}, cause: cause}
}

// IsRetryable reports whether err is a transient failure a caller may retry.
// Timeouts and plain I/O errors are retryable. Authentication, expiry,
// revocation, permission and input errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrRevoked),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnsupported):
		return false
	case errors.Is(err, ErrTimeout):
		return true
	}
	var pathErr *fs.PathError
	return errors.As(err, &pathErr) && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrPermission)
}

type kindError struct {
	msg   string
	kinds []error
	cause error
}

func (e *kindError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *kindError) Is(target error) bool {
	for _, kind := range e.kinds {
		if kind == target {
			return true
		}
	}
	return false
}

func (e *kindError) Unwrap() error { return e.cause }
