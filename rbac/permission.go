package rbac

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strings"

	"github.com/joncooperworks/devicetrust/errdefs"
)

// Permission is one action a role may grant. The set is closed.
type Permission uint8

const (
	DeviceView Permission = iota
	DeviceCreate
	DeviceEdit
	DeviceDelete
	DeviceControl

	CredentialView
	CredentialCreate
	CredentialEdit
	CredentialDelete
	CredentialRotate

	UserView
	UserCreate
	UserEdit
	UserDelete

	RoleView
	RoleCreate
	RoleEdit
	RoleDelete
	RoleAssign

	AuditView
	AuditExport

	SettingsView
	SettingsEdit

	MeetingJoin
	MeetingCreate
	MeetingManage

	AnalyticsView
	AnalyticsExport

	APIRead
	APIWrite
	APIAdmin

	SystemUpdate
	SystemReboot
	SystemAdmin

	permissionCount
)

var permissionNames = [permissionCount]string{
	DeviceView:       "device:view",
	DeviceCreate:     "device:create",
	DeviceEdit:       "device:edit",
	DeviceDelete:     "device:delete",
	DeviceControl:    "device:control",
	CredentialView:   "credential:view",
	CredentialCreate: "credential:create",
	CredentialEdit:   "credential:edit",
	CredentialDelete: "credential:delete",
	CredentialRotate: "credential:rotate",
	UserView:         "user:view",
	UserCreate:       "user:create",
	UserEdit:         "user:edit",
	UserDelete:       "user:delete",
	RoleView:         "role:view",
	RoleCreate:       "role:create",
	RoleEdit:         "role:edit",
	RoleDelete:       "role:delete",
	RoleAssign:       "role:assign",
	AuditView:        "audit:view",
	AuditExport:      "audit:export",
	SettingsView:     "settings:view",
	SettingsEdit:     "settings:edit",
	MeetingJoin:      "meeting:join",
	MeetingCreate:    "meeting:create",
	MeetingManage:    "meeting:manage",
	AnalyticsView:    "analytics:view",
	AnalyticsExport:  "analytics:export",
	APIRead:          "api:read",
	APIWrite:         "api:write",
	APIAdmin:         "api:admin",
	SystemUpdate:     "system:update",
	SystemReboot:     "system:reboot",
	SystemAdmin:      "system:admin",
}

// String returns the "scope:action" name, e.g. "device:edit".
func (p Permission) String() string {
	if p < permissionCount {
		return permissionNames[p]
	}
	return fmt.Sprintf("permission(%d)", uint8(p))
}

// Valid reports whether p is a defined permission.
func (p Permission) Valid() bool { return p < permissionCount }

// ParsePermission parses a "scope:action" name. Case is ignored.
func ParsePermission(name string) (Permission, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range permissionNames {
		if n == name {
			return Permission(i), nil
		}
	}
	return 0, fmt.Errorf("unknown permission %q: %w", name, errdefs.ErrInvalidInput)
}

// AllPermissions returns every defined permission in declaration order.
func AllPermissions() []Permission {
	out := make([]Permission, permissionCount)
	for i := range out {
		out[i] = Permission(i)
	}
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (p Permission) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid permission %d: %w", uint8(p), errdefs.ErrInvalidInput)
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Permission) UnmarshalText(text []byte) error {
	parsed, err := ParsePermission(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PermissionSet is a set of permissions. The zero value is empty.
type PermissionSet uint64

// NewPermissionSet returns a set holding perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range perms {
		s = s.With(p)
	}
	return s
}

// FullPermissionSet holds every defined permission.
func FullPermissionSet() PermissionSet {
	return PermissionSet(1<<permissionCount - 1)
}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	return p.Valid() && s&(1<<p) != 0
}

// With returns the set plus p. Invalid permissions are ignored.
func (s PermissionSet) With(p Permission) PermissionSet {
	if !p.Valid() {
		return s
	}
	return s | 1<<p
}

// Without returns the set minus p.
func (s PermissionSet) Without(p Permission) PermissionSet {
	if !p.Valid() {
		return s
	}
	return s &^ (1 << p)
}

// Union returns the permissions in either set.
func (s PermissionSet) Union(other PermissionSet) PermissionSet { return s | other }

// Intersect returns the permissions in both sets.
func (s PermissionSet) Intersect(other PermissionSet) PermissionSet { return s & other }

// Empty reports whether the set holds nothing.
func (s PermissionSet) Empty() bool { return s == 0 }

// Len returns the number of permissions in the set.
func (s PermissionSet) Len() int { return bits.OnesCount64(uint64(s)) }

// Permissions lists the set in declaration order.
func (s PermissionSet) Permissions() []Permission {
	out := make([]Permission, 0, s.Len())
	for p := Permission(0); p < permissionCount; p++ {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s PermissionSet) String() string {
	names := make([]string, 0, s.Len())
	for _, p := range s.Permissions() {
		names = append(names, p.String())
	}
	return "[" + strings.Join(names, " ") + "]"
}

// MarshalJSON encodes the set as an array of permission names.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Permissions())
}

// UnmarshalJSON decodes an array of permission names.
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var perms []Permission
	if err := json.Unmarshal(data, &perms); err != nil {
		return err
	}
	*s = NewPermissionSet(perms...)
	return nil
}
