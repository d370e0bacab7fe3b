package main

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/joncooperworks/devicetrust/crypto"
)

// readPassword reads the vault master password from path, or from the
// terminal with echo disabled when path is empty or "-". Trailing newlines
// in files are stripped.
func readPassword(path string) ([]byte, error) {
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read password file: %w", err)
		}
		for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
			data = data[:len(data)-1]
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("password file %s is empty", path)
		}
		return data, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no terminal available for password prompt (use --password-file)")
	}
	fmt.Fprint(os.Stderr, "Vault password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		crypto.Wipe(password)
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}
