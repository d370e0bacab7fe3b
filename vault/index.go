package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joncooperworks/devicetrust/crypto"
	"github.com/joncooperworks/devicetrust/errdefs"
	"github.com/joncooperworks/devicetrust/fsutil"
)

const (
	saltFileName  = ".salt"
	indexFileName = "vault_index.json"
	dataDirName   = "vault_data"
	payloadSuffix = ".enc"
	indexVersion  = 1
	indexAAD      = "devicetrust/vault-index/v1"
)

// indexFile is the on-disk index. The header fields are stored in the clear
// so the key can be re-derived; they are bound to the sealed records through
// the associated data.
type indexFile struct {
	Version   int              `json:"version"`
	KDF       crypto.Algorithm `json:"kdf"`
	KDFParams crypto.Params    `json:"kdf_params"`
	Cipher    crypto.Suite     `json:"cipher"`
	// Records is base64(seal(json([]Credential))).
	Records string `json:"records"`
}

type header struct {
	kdf    crypto.Algorithm
	params crypto.Params
	suite  crypto.Suite
}

func (h header) aad() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s", indexAAD, h.kdf, h.suite))
}

func readSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(salt) != crypto.SaltSize {
		return nil, fmt.Errorf("salt %s has %d bytes, want %d: %w", path, len(salt), crypto.SaltSize, errdefs.ErrAuthenticationFailed)
	}
	return salt, nil
}

// readIndex loads the index header and sealed records. A missing file
// returns fs.ErrNotExist.
func readIndex(path string) (indexFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return indexFile{}, err
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return indexFile{}, fmt.Errorf("failed to parse vault index: %v: %w", err, errdefs.ErrAuthenticationFailed)
	}
	if idx.Version != indexVersion {
		return indexFile{}, fmt.Errorf("unsupported vault index version %d: %w", idx.Version, errdefs.ErrInvalidInput)
	}
	return idx, nil
}

func openRecords(c *crypto.Cipher, h header, sealed string) ([]Credential, error) {
	blob, err := crypto.DecodeBase64(sealed)
	if err != nil {
		return nil, fmt.Errorf("vault index is corrupt: %w", errdefs.ErrAuthenticationFailed)
	}
	plain, err := c.Decrypt(blob, h.aad())
	if err != nil {
		return nil, fmt.Errorf("failed to unlock vault index: %w", err)
	}
	defer crypto.Wipe(plain)
	var records []Credential
	if err := json.Unmarshal(plain, &records); err != nil {
		return nil, fmt.Errorf("failed to decode vault index: %v: %w", err, errdefs.ErrAuthenticationFailed)
	}
	return records, nil
}

func sealIndex(c *crypto.Cipher, h header, records []Credential) ([]byte, error) {
	if records == nil {
		records = []Credential{}
	}
	plain, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vault index: %w", err)
	}
	defer crypto.Wipe(plain)
	blob, err := c.Encrypt(plain, h.aad())
	if err != nil {
		return nil, fmt.Errorf("failed to seal vault index: %w", err)
	}
	data, err := json.MarshalIndent(indexFile{
		Version:   indexVersion,
		KDF:       h.kdf,
		KDFParams: h.params,
		Cipher:    h.suite,
		Records:   crypto.EncodeBase64(blob),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode vault index: %w", err)
	}
	return data, nil
}

func writeIndex(path string, c *crypto.Cipher, h header, records []Credential) error {
	data, err := sealIndex(c, h, records)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, fsutil.PrivateFile)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
