package crypto

import "github.com/awnumar/memguard"

// Wipe overwrites a byte slice with zeros to clear key material and decrypted
// payloads from memory as soon as they are no longer needed.
func Wipe(b []byte) {
	memguard.WipeBytes(b)
}
