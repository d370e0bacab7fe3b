package rbac

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joncooperworks/devicetrust/errdefs"
	"github.com/joncooperworks/devicetrust/fsutil"
)

const policyVersion = 1

// policyFile is the persisted policy. System roles are rebuilt by New and
// never written.
type policyFile struct {
	Version     int                     `json:"version"`
	Roles       []Role                  `json:"roles"`
	Assignments map[string][]Assignment `json:"assignments"`
}

// Save writes custom roles and all assignments to path atomically.
func (s *Service) Save(path string) error {
	s.mu.RLock()
	policy := policyFile{
		Version:     policyVersion,
		Assignments: make(map[string][]Assignment, len(s.assignments)),
	}
	for _, r := range s.roles {
		if !r.IsSystem {
			policy.Roles = append(policy.Roles, *r)
		}
	}
	for user, list := range s.assignments {
		policy.Assignments[user] = append([]Assignment(nil), list...)
	}
	s.mu.RUnlock()
	slices.SortFunc(policy.Roles, func(a, b Role) int { return strings.Compare(a.ID, b.ID) })

	data, err := json.MarshalIndent(policy, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rbac policy: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), fsutil.PrivateDir); err != nil {
		return fmt.Errorf("failed to create rbac policy directory: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, fsutil.PrivateFile); err != nil {
		return fmt.Errorf("failed to save rbac policy: %w", err)
	}
	return nil
}

// Load replaces custom roles and assignments with the policy at path. The
// policy is validated completely before anything is replaced. A missing
// file leaves the service unchanged.
func (s *Service) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read rbac policy: %w", err)
	}
	var policy policyFile
	if err := json.Unmarshal(data, &policy); err != nil {
		return fmt.Errorf("failed to parse rbac policy %s: %v: %w", path, err, errdefs.ErrInvalidInput)
	}
	if policy.Version != policyVersion {
		return fmt.Errorf("unsupported rbac policy version %d: %w", policy.Version, errdefs.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	roles := make(map[string]*Role, len(s.roles)+len(policy.Roles))
	for id, r := range s.roles {
		if r.IsSystem {
			roles[id] = r
		}
	}
	for _, r := range policy.Roles {
		if err := validRoleID(r.ID); err != nil {
			return err
		}
		if _, exists := roles[r.ID]; exists {
			return fmt.Errorf("rbac policy redefines role %q: %w", r.ID, errdefs.ErrInvalidInput)
		}
		r.IsSystem = false
		roles[r.ID] = &r
	}

	assignments := make(map[string][]Assignment, len(policy.Assignments))
	for user, list := range policy.Assignments {
		for _, a := range list {
			if _, ok := roles[a.RoleID]; !ok {
				return fmt.Errorf("rbac policy assigns unknown role %q to %q: %w", a.RoleID, user, errdefs.ErrInvalidInput)
			}
			if err := a.Scope.Validate(); err != nil {
				return err
			}
		}
		if len(list) > 0 {
			assignments[user] = list
		}
	}

	s.roles = roles
	s.assignments = assignments
	s.logger.Info("loaded rbac policy", "path", path, "custom_roles", len(policy.Roles), "users", len(assignments))
	return nil
}
