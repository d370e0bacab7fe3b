// Package identity supplies the device identity string that is mixed into key
// derivation as extra entropy. A vault copied to another appliance cannot be
// opened with the master password alone.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joncooperworks/devicetrust/errdefs"
)

// Provider returns a stable identifier for this device.
type Provider interface {
	DeviceID() (string, error)
}

// Static is a Provider that always returns the same id. It is used by tests
// and by callers that read the serial from provisioning data.
type Static string

// DeviceID returns the static id.
func (s Static) DeviceID() (string, error) {
	if s == "" {
		return "", fmt.Errorf("static device id is empty: %w", errdefs.ErrNotFound)
	}
	return string(s), nil
}

// probePaths lists identity sources in priority order, relative to the
// filesystem root.
var probePaths = []string{
	"etc/machine-id",
	"var/lib/dbus/machine-id",
	"sys/class/dmi/id/product_serial",
	"proc/device-tree/serial-number",
}

// SystemProvider probes well-known machine-id and serial-number files.
type SystemProvider struct {
	root string
}

// Probe returns a Provider that reads the host's machine-id or hardware
// serial.
func Probe() *SystemProvider {
	return &SystemProvider{root: "/"}
}

// ProbeFrom is like Probe but resolves paths under root, so tests can point
// at a synthetic filesystem.
func ProbeFrom(root string) *SystemProvider {
	return &SystemProvider{root: root}
}

// DeviceID returns the first non-empty identity source. Device-tree strings
// are NUL-terminated; trailing NULs and whitespace are stripped.
func (p *SystemProvider) DeviceID() (string, error) {
	for _, rel := range probePaths {
		data, err := os.ReadFile(filepath.Join(p.root, rel))
		if err != nil {
			continue
		}
		id := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("no device identity source under %s: %w", p.root, errdefs.ErrNotFound)
}
