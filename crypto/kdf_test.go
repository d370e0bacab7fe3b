package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joncooperworks/devicetrust/errdefs"
)

// Cheap costs keep the suite fast; production defaults are covered by
// TestDefaultParams.
var testArgon = Params{Iterations: 1, Memory: 1024, Threads: 1}
var testScrypt = Params{N: 1 << 10, R: 8, P: 1}

func TestDerive(t *testing.T) {
	d := NewDeriver()
	salt := bytes.Repeat([]byte{0x42}, SaltSize)

	tests := []struct {
		name      string
		algorithm Algorithm
		params    Params
	}{
		{"pbkdf2", PBKDF2SHA256, Params{Iterations: MinPBKDF2Iterations}},
		{"argon2id", Argon2id, testArgon},
		{"scrypt", Scrypt, testScrypt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, err := d.Derive([]byte("password"), salt, tt.algorithm, tt.params)
			require.NoError(t, err)
			second, err := d.Derive([]byte("password"), salt, tt.algorithm, tt.params)
			require.NoError(t, err)
			assert.Equal(t, first.Key, second.Key, "same secret and salt must produce the same key")
			assert.Equal(t, tt.algorithm, first.Algorithm)
			assert.Equal(t, salt, first.Salt[:], "salt not recorded")

			other, err := d.Derive([]byte("Password"), salt, tt.algorithm, tt.params)
			require.NoError(t, err)
			assert.NotEqual(t, first.Key, other.Key, "different secrets produced the same key")

			ok, err := d.Reproduce([]byte("password"), first)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = d.Reproduce([]byte("wrong"), first)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDeriveGeneratesSalt(t *testing.T) {
	d := NewDeriver()
	a, err := d.DeriveArgon2id([]byte("secret"), nil, testArgon.Iterations, testArgon.Memory, testArgon.Threads)
	require.NoError(t, err)
	b, err := d.DeriveArgon2id([]byte("secret"), nil, testArgon.Iterations, testArgon.Memory, testArgon.Threads)
	require.NoError(t, err)
	assert.NotEqual(t, a.Salt, b.Salt, "generated salts should differ")
	assert.NotEqual(t, a.Key, b.Key, "keys with different salts should differ")
}

func TestDeriveRejectsBadInput(t *testing.T) {
	d := NewDeriver()
	tests := []struct {
		name string
		run  func() error
	}{
		{"unknown algorithm", func() error {
			_, err := d.Derive([]byte("x"), nil, Algorithm("md5"), Params{})
			return err
		}},
		{"short salt", func() error {
			_, err := d.DeriveArgon2id([]byte("x"), []byte("short"), 1, 1024, 1)
			return err
		}},
		{"weak pbkdf2", func() error {
			_, err := d.DerivePBKDF2([]byte("x"), nil, 1000)
			return err
		}},
		{"argon2 memory too low", func() error {
			_, err := d.DeriveArgon2id([]byte("x"), nil, 1, 8, 4)
			return err
		}},
		{"scrypt N not power of two", func() error {
			_, err := d.DeriveScrypt([]byte("x"), nil, 1000, 8, 1)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), errdefs.ErrInvalidInput)
		})
	}
}

func TestDisabledAlgorithmFallsBackToPBKDF2(t *testing.T) {
	d := NewDeriver(WithDisabled(Argon2id, PBKDF2SHA256))
	require.False(t, d.Available(Argon2id))
	require.True(t, d.Available(PBKDF2SHA256), "PBKDF2 cannot be disabled")

	dk, err := d.Derive([]byte("secret"), nil, Argon2id, testArgon)
	require.NoError(t, err)
	assert.Equal(t, PBKDF2SHA256, dk.Algorithm)
	assert.Equal(t, uint32(MinPBKDF2Iterations), dk.Params.Iterations)

	recorded := DerivedKey{Algorithm: Argon2id, Params: testArgon}
	_, err = d.Reproduce([]byte("secret"), recorded)
	assert.ErrorIs(t, err, errdefs.ErrBackendUnavailable)
}

func TestDefaultParams(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultParams(PBKDF2SHA256).Iterations, uint32(MinPBKDF2Iterations))
	assert.Equal(t, Params{N: 1 << 17, R: 8, P: 1}, DefaultParams(Scrypt))
	assert.Equal(t, Params{Iterations: 3, Memory: 64 * 1024, Threads: 4}, DefaultParams(Argon2id))
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, Argon2id, a)

	_, err = ParseAlgorithm("bcrypt")
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestMixIdentity(t *testing.T) {
	secret := []byte("password")
	a := MixIdentity(secret, "serial-A")
	b := MixIdentity(secret, "serial-B")
	assert.NotEqual(t, a, b, "different identities should produce different inputs")
	assert.Equal(t, a, MixIdentity(secret, "serial-A"), "MixIdentity should be deterministic")
	assert.Equal(t, secret, MixIdentity(secret, ""), "empty identity should return the secret unchanged")
}

func TestExpandKey(t *testing.T) {
	ikm := bytes.Repeat([]byte{1}, 32)
	a, err := ExpandKey(ikm, nil, "purpose-a")
	require.NoError(t, err)
	b, err := ExpandKey(ikm, nil, "purpose-b")
	require.NoError(t, err)
	assert.Len(t, a, KeySize)
	assert.NotEqual(t, a, b)
}
