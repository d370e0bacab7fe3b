package rbac

import (
	"fmt"
	"strings"

	"github.com/joncooperworks/devicetrust/errdefs"
)

// ResourceType is the kind of resource a scope restricts an assignment to.
type ResourceType uint8

const (
	ResourceGlobal ResourceType = iota
	ResourceDevice
	ResourceDeviceGroup
	ResourceLocation
	ResourceUser
	ResourceRole

	resourceTypeCount
)

var resourceTypeNames = [resourceTypeCount]string{
	ResourceGlobal:      "global",
	ResourceDevice:      "device",
	ResourceDeviceGroup: "device_group",
	ResourceLocation:    "location",
	ResourceUser:        "user",
	ResourceRole:        "role",
}

func (t ResourceType) String() string {
	if t < resourceTypeCount {
		return resourceTypeNames[t]
	}
	return fmt.Sprintf("resource_type(%d)", uint8(t))
}

// Valid reports whether t is a defined resource type.
func (t ResourceType) Valid() bool { return t < resourceTypeCount }

// ParseResourceType parses a resource type name such as "device_group".
func ParseResourceType(name string) (ResourceType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range resourceTypeNames {
		if n == name {
			return ResourceType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown resource type %q: %w", name, errdefs.ErrInvalidInput)
}

// MarshalText implements encoding.TextMarshaler.
func (t ResourceType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid resource type %d: %w", uint8(t), errdefs.ErrInvalidInput)
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ResourceType) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ResourceScope narrows a role assignment to resources of one type.
//
// A nil ResourceID matches every resource of Type; the empty string is a
// concrete id like any other. A non-empty Permissions further restricts the
// assignment to those permissions.
type ResourceScope struct {
	Type        ResourceType  `json:"resource_type"`
	ResourceID  *string       `json:"resource_id,omitempty"`
	Permissions PermissionSet `json:"permissions,omitempty"`
}

// Scope returns a scope for one resource instance.
func Scope(t ResourceType, id string) *ResourceScope {
	return &ResourceScope{Type: t, ResourceID: &id}
}

// AllOf returns a scope covering every resource of type t.
func AllOf(t ResourceType) *ResourceScope {
	return &ResourceScope{Type: t}
}

// Restrict returns a copy of the scope limited to perms.
func (s ResourceScope) Restrict(perms ...Permission) *ResourceScope {
	s.ResourceID = cloneString(s.ResourceID)
	s.Permissions = NewPermissionSet(perms...)
	return &s
}

// Validate rejects undefined resource types.
func (s *ResourceScope) Validate() error {
	if s == nil {
		return nil
	}
	if !s.Type.Valid() {
		return fmt.Errorf("invalid scope resource type %d: %w", uint8(s.Type), errdefs.ErrInvalidInput)
	}
	return nil
}

// Equal reports whether two scopes are identical. Two nil scopes are equal.
func (s *ResourceScope) Equal(other *ResourceScope) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	if s.Type != other.Type || s.Permissions != other.Permissions {
		return false
	}
	if s.ResourceID == nil || other.ResourceID == nil {
		return s.ResourceID == nil && other.ResourceID == nil
	}
	return *s.ResourceID == *other.ResourceID
}

func (s *ResourceScope) clone() *ResourceScope {
	if s == nil {
		return nil
	}
	out := *s
	out.ResourceID = cloneString(s.ResourceID)
	return &out
}

func (s *ResourceScope) String() string {
	if s == nil {
		return "unscoped"
	}
	id := "*"
	if s.ResourceID != nil {
		id = fmt.Sprintf("%q", *s.ResourceID)
	}
	if s.Permissions.Empty() {
		return fmt.Sprintf("%s:%s", s.Type, id)
	}
	return fmt.Sprintf("%s:%s%s", s.Type, id, s.Permissions)
}

// Resource identifies what a permission check is about. A nil ID means the
// caller is not asking about one instance.
type Resource struct {
	Type ResourceType
	ID   *string
}

// On returns a Resource for one instance.
func On(t ResourceType, id string) *Resource {
	return &Resource{Type: t, ID: &id}
}

// matches applies the scope rules of a permission check: the type must match,
// a nil scope id matches any requested id, and a restricted permission set
// must contain perm.
func (s *ResourceScope) matches(perm Permission, res *Resource) bool {
	if res == nil || s.Type != res.Type {
		return false
	}
	if s.ResourceID != nil && (res.ID == nil || *res.ID != *s.ResourceID) {
		return false
	}
	if !s.Permissions.Empty() && !s.Permissions.Has(perm) {
		return false
	}
	return true
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
