// Package rbac decides which users may perform which actions on conference
// room devices.
//
// Users hold an ordered list of role assignments. CheckPermission walks that
// list in insertion order and the first assignment that grants the
// permission for the requested resource decides; later, more specific
// assignments are not consulted. Callers rely on this ordering for
// precedence.
package rbac

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/joncooperworks/devicetrust/audit"
	"github.com/joncooperworks/devicetrust/clock"
	"github.com/joncooperworks/devicetrust/errdefs"
)

// Service holds roles and assignments. It is safe for concurrent use.
type Service struct {
	mu          sync.RWMutex
	roles       map[string]*Role
	assignments map[string][]Assignment

	logger *slog.Logger
	clock  clock.Clock
	audit  audit.Hook
}

// Option configures New.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock sets the time source for role timestamps and audit events.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithAudit sets the hook that receives every decision and role change.
func WithAudit(hook audit.Hook) Option {
	return func(s *Service) { s.audit = hook }
}

// New returns a Service seeded with the built-in system roles.
func New(opts ...Option) *Service {
	s := &Service{
		roles:       make(map[string]*Role),
		assignments: make(map[string][]Assignment),
		logger:      slog.New(slog.DiscardHandler),
		clock:       clock.Real(),
		audit:       audit.Nop,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, r := range systemRoles(s.clock.Now().UTC()) {
		s.roles[r.ID] = &r
	}
	return s
}

func (s *Service) emit(action, actor, subject string, success bool, reason string, fields map[string]string) {
	s.audit(audit.Event{
		Time:    s.clock.Now().UTC(),
		Source:  "rbac",
		Action:  action,
		Actor:   actor,
		Subject: subject,
		Success: success,
		Reason:  reason,
		Fields:  fields,
	})
}

func validRoleID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("role id cannot be empty: %w", errdefs.ErrInvalidInput)
	}
	return nil
}

// CreateRole adds a custom role.
func (s *Service) CreateRole(id, name, description string, perms PermissionSet) (Role, error) {
	if err := validRoleID(id); err != nil {
		return Role{}, err
	}
	s.mu.Lock()
	if _, exists := s.roles[id]; exists {
		s.mu.Unlock()
		return Role{}, fmt.Errorf("role %q already exists: %w", id, errdefs.ErrInvalidInput)
	}
	now := s.clock.Now().UTC()
	role := &Role{
		ID:          id,
		Name:        name,
		Description: description,
		Permissions: perms,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.roles[id] = role
	out := *role
	s.mu.Unlock()

	s.logger.Info("created role", "role", id, "permissions", perms.Len())
	s.emit("create_role", "", id, true, "", nil)
	return out, nil
}

// RoleUpdate lists the fields UpdateRole changes. Nil fields are kept.
type RoleUpdate struct {
	Name        *string
	Description *string
	Permissions *PermissionSet
}

// UpdateRole modifies a custom role. System roles fail with
// errdefs.ErrPermissionDenied and are left unchanged.
func (s *Service) UpdateRole(id string, update RoleUpdate) (Role, error) {
	s.mu.Lock()
	role, err := s.mutableRole(id)
	if err != nil {
		s.mu.Unlock()
		s.emit("update_role", "", id, false, err.Error(), nil)
		return Role{}, err
	}
	if update.Name != nil {
		role.Name = *update.Name
	}
	if update.Description != nil {
		role.Description = *update.Description
	}
	if update.Permissions != nil {
		role.Permissions = *update.Permissions
	}
	role.UpdatedAt = s.clock.Now().UTC()
	out := *role
	s.mu.Unlock()

	s.emit("update_role", "", id, true, "", nil)
	return out, nil
}

// DeleteRole removes a custom role and every assignment of it. System roles
// fail with errdefs.ErrPermissionDenied.
func (s *Service) DeleteRole(id string) error {
	s.mu.Lock()
	if _, err := s.mutableRole(id); err != nil {
		s.mu.Unlock()
		s.emit("delete_role", "", id, false, err.Error(), nil)
		return err
	}
	delete(s.roles, id)
	for user, list := range s.assignments {
		list = slices.DeleteFunc(list, func(a Assignment) bool { return a.RoleID == id })
		if len(list) == 0 {
			delete(s.assignments, user)
		} else {
			s.assignments[user] = list
		}
	}
	s.mu.Unlock()

	s.logger.Info("deleted role", "role", id)
	s.emit("delete_role", "", id, true, "", nil)
	return nil
}

func (s *Service) mutableRole(id string) (*Role, error) {
	role, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %q: %w", id, errdefs.ErrNotFound)
	}
	if role.IsSystem {
		return nil, fmt.Errorf("role %q is a system role: %w", id, errdefs.ErrPermissionDenied)
	}
	return role, nil
}

// GetRole returns a role by id.
func (s *Service) GetRole(id string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("role %q: %w", id, errdefs.ErrNotFound)
	}
	return *role, nil
}

// ListRoles returns all roles, system roles first, each group sorted by id.
func (s *Service) ListRoles() []Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Role) int {
		if a.IsSystem != b.IsSystem {
			if a.IsSystem {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// AssignRole appends an assignment to the user's list. Assigning the same
// role with an equal scope twice is a no-op.
func (s *Service) AssignRole(userID, roleID string, scope *ResourceScope) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id cannot be empty: %w", errdefs.ErrInvalidInput)
	}
	if err := scope.Validate(); err != nil {
		return err
	}
	assignment := Assignment{RoleID: roleID, Scope: scope.clone()}

	s.mu.Lock()
	if _, ok := s.roles[roleID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("role %q: %w", roleID, errdefs.ErrNotFound)
	}
	list := s.assignments[userID]
	if slices.ContainsFunc(list, assignment.Equal) {
		s.mu.Unlock()
		return nil
	}
	s.assignments[userID] = append(list, assignment)
	s.mu.Unlock()

	s.emit("assign_role", "", userID, true, "", map[string]string{"role": roleID, "scope": scope.String()})
	return nil
}

// RevokeRole removes the assignment of roleID with a scope equal to scope. A
// nil scope matches only the unscoped assignment.
func (s *Service) RevokeRole(userID, roleID string, scope *ResourceScope) error {
	target := Assignment{RoleID: roleID, Scope: scope}

	s.mu.Lock()
	list := s.assignments[userID]
	i := slices.IndexFunc(list, target.Equal)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("user %q has no assignment of %q (%s): %w", userID, roleID, scope, errdefs.ErrNotFound)
	}
	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(s.assignments, userID)
	} else {
		s.assignments[userID] = list
	}
	s.mu.Unlock()

	s.emit("revoke_role", "", userID, true, "", map[string]string{"role": roleID, "scope": scope.String()})
	return nil
}

// GetUserRoles returns the user's assignments in insertion order.
func (s *Service) GetUserRoles(userID string) []Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.assignments[userID]
	out := make([]Assignment, len(list))
	for i, a := range list {
		out[i] = a.clone()
	}
	return out
}

// GetUserPermissions returns the union of the permissions the user's roles
// grant. A scope with a restricted permission set contributes only those
// permissions. Holding super_admin yields every permission.
func (s *Service) GetUserPermissions(userID string) PermissionSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var perms PermissionSet
	for _, a := range s.assignments[userID] {
		role, ok := s.roles[a.RoleID]
		if !ok {
			continue
		}
		if role.ID == RoleSuperAdmin {
			return FullPermissionSet()
		}
		granted := role.Permissions
		if a.Scope != nil && !a.Scope.Permissions.Empty() {
			granted = granted.Intersect(a.Scope.Permissions)
		}
		perms = perms.Union(granted)
	}
	return perms
}

// CheckPermission decides whether userID may exercise perm on res. A nil res
// asks about no particular resource, so only unscoped assignments can grant
// it.
//
// A user holding super_admin is always allowed. Otherwise the user's
// assignments are tried in insertion order and the first one whose role
// grants perm and whose scope (if any) covers res decides. Every decision is
// sent to the audit hook.
func (s *Service) CheckPermission(userID string, perm Permission, res *Resource) Decision {
	d := s.decide(userID, perm, res)

	fields := map[string]string{}
	if d.MatchedRole != "" {
		fields["role"] = d.MatchedRole
	}
	if res != nil {
		fields["resource_type"] = res.Type.String()
		if res.ID != nil {
			fields["resource_id"] = *res.ID
		}
	}
	s.emit("check_permission", userID, perm.String(), d.Allowed, d.Reason, fields)
	if !d.Allowed {
		s.logger.Debug("permission denied", "user", userID, "permission", perm)
	}
	return d
}

func (s *Service) decide(userID string, perm Permission, res *Resource) Decision {
	if !perm.Valid() {
		return Decision{Reason: ReasonInsufficient}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.assignments[userID]
	for _, a := range list {
		if a.RoleID == RoleSuperAdmin {
			return Decision{Allowed: true, Reason: ReasonSuperAdmin, MatchedRole: RoleSuperAdmin}
		}
	}
	for _, a := range list {
		role, ok := s.roles[a.RoleID]
		if !ok || !role.Has(perm) {
			continue
		}
		if a.Scope != nil && !a.Scope.matches(perm, res) {
			continue
		}
		return Decision{
			Allowed:      true,
			Reason:       fmt.Sprintf("granted by role %s", role.ID),
			MatchedRole:  role.ID,
			MatchedScope: a.Scope.clone(),
		}
	}
	return Decision{Reason: ReasonInsufficient}
}

// RequirePermission is CheckPermission for call sites that want an error. A
// denial wraps errdefs.ErrPermissionDenied.
func (s *Service) RequirePermission(userID string, perm Permission, res *Resource) error {
	d := s.CheckPermission(userID, perm, res)
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%s lacks %s: %s: %w", userID, perm, d.Reason, errdefs.ErrPermissionDenied)
}
