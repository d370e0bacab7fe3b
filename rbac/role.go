package rbac

import (
	"time"
)

// Built-in role ids.
const (
	RoleSuperAdmin = "super_admin"
	RoleITAdmin    = "it_admin"
	RoleSiteAdmin  = "site_admin"
	RoleOperator   = "operator"
	RoleViewer     = "viewer"
	RoleAPIService = "api_service"
)

// Role is a named set of permissions. System roles are built in and can be
// neither modified nor deleted.
type Role struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Permissions PermissionSet `json:"permissions"`
	IsSystem    bool          `json:"is_system"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Has reports whether the role grants p.
func (r Role) Has(p Permission) bool { return r.Permissions.Has(p) }

// systemRoles returns the built-in policy baseline.
func systemRoles(now time.Time) []Role {
	role := func(id, name, description string, perms PermissionSet) Role {
		return Role{
			ID:          id,
			Name:        name,
			Description: description,
			Permissions: perms,
			IsSystem:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	return []Role{
		role(RoleSuperAdmin, "Super Administrator", "Unrestricted access to every device and setting",
			FullPermissionSet()),
		role(RoleITAdmin, "IT Administrator", "Fleet-wide device, credential and user administration",
			NewPermissionSet(
				DeviceView, DeviceCreate, DeviceEdit, DeviceDelete, DeviceControl,
				CredentialView, CredentialCreate, CredentialEdit, CredentialDelete, CredentialRotate,
				UserView, UserCreate, UserEdit, UserDelete,
				RoleView, RoleAssign,
				AuditView, AuditExport,
				SettingsView, SettingsEdit,
				AnalyticsView, AnalyticsExport,
				APIRead, APIWrite,
				SystemUpdate, SystemReboot,
			)),
		role(RoleSiteAdmin, "Site Administrator", "Manages the rooms and devices of a site",
			NewPermissionSet(
				DeviceView, DeviceEdit, DeviceControl,
				CredentialView,
				UserView,
				SettingsView, SettingsEdit,
				MeetingJoin, MeetingCreate, MeetingManage,
				AnalyticsView,
				SystemReboot,
			)),
		role(RoleOperator, "Operator", "Runs meetings and controls room devices",
			NewPermissionSet(
				DeviceView, DeviceControl,
				SettingsView,
				MeetingJoin, MeetingCreate, MeetingManage,
			)),
		role(RoleViewer, "Viewer", "Read-only access to devices and analytics",
			NewPermissionSet(
				DeviceView,
				SettingsView,
				MeetingJoin,
				AnalyticsView,
			)),
		role(RoleAPIService, "API Service", "Machine identity for integrations",
			NewPermissionSet(
				DeviceView,
				CredentialView,
				AnalyticsView,
				APIRead, APIWrite,
			)),
	}
}

// Assignment binds a role to a user, optionally narrowed by a scope.
type Assignment struct {
	RoleID string         `json:"role_id"`
	Scope  *ResourceScope `json:"scope,omitempty"`
}

// Equal reports whether two assignments name the same role and scope.
func (a Assignment) Equal(other Assignment) bool {
	return a.RoleID == other.RoleID && a.Scope.Equal(other.Scope)
}

func (a Assignment) clone() Assignment {
	return Assignment{RoleID: a.RoleID, Scope: a.Scope.clone()}
}

// Decision is the result of a permission check. It is never persisted.
type Decision struct {
	Allowed      bool
	Reason       string
	MatchedRole  string
	MatchedScope *ResourceScope
}

// Decision reasons.
const (
	ReasonSuperAdmin   = "super administrator access"
	ReasonInsufficient = "insufficient privileges"
)
