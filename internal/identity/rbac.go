package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// RBACService resolves effective permissions and validates role/permission
// lifecycle operations. Resolution is side-effect-free; CRUD bumps the policy
// version reported by Evaluate.
type RBACService struct {
	store         Store
	policyVersion atomic.Uint64
}

// NewRBACService constructs the resolver over the given store.
func NewRBACService(store Store) *RBACService {
	s := &RBACService{store: store}
	s.policyVersion.Store(1)
	return s
}

// PolicyVersion identifies the RBAC mutation epoch of this process.
func (s *RBACService) PolicyVersion() string {
	return fmt.Sprintf("v%d", s.policyVersion.Load())
}

func (s *RBACService) bumpPolicy() {
	s.policyVersion.Add(1)
}

// EffectivePermissions returns the union of the user's direct permissions and
// the permission codes of every active role the user holds.
func (s *RBACService) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	user, err := s.store.Users().FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.effectiveForUser(ctx, user)
}

func (s *RBACService) effectiveForUser(ctx context.Context, user *User) ([]string, error) {
	set := make(map[string]struct{}, len(user.DirectPermissions))
	for _, code := range user.DirectPermissions {
		set[code] = struct{}{}
	}

	roles, err := s.activeRoles(ctx, user)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		for _, code := range role.PermissionCodes {
			set[code] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}

func (s *RBACService) activeRoles(ctx context.Context, user *User) ([]Role, error) {
	if len(user.Roles) == 0 {
		return nil, nil
	}
	roles, err := s.store.Roles().ListByNames(ctx, user.Roles)
	if err != nil {
		return nil, err
	}
	active := roles[:0]
	for _, role := range roles {
		if role.IsActive {
			active = append(active, role)
		}
	}
	return active, nil
}

// IsAllowed answers whether the user may perform the required permission. A
// role carrying the wildcard grants everything without computing the full set.
func (s *RBACService) IsAllowed(ctx context.Context, userID, required string) (bool, error) {
	user, err := s.store.Users().FindByID(ctx, userID)
	if err != nil {
		return false, err
	}

	roles, err := s.activeRoles(ctx, user)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role.HasWildcard() {
			return true, nil
		}
	}

	for _, code := range user.DirectPermissions {
		if code == required {
			return true, nil
		}
	}
	for _, role := range roles {
		for _, code := range role.PermissionCodes {
			if code == required {
				return true, nil
			}
		}
	}
	return false, nil
}

// IsAllowedAll requires every listed permission, with the same wildcard
// short-circuit as IsAllowed.
func (s *RBACService) IsAllowedAll(ctx context.Context, userID string, required []string) (bool, error) {
	user, err := s.store.Users().FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	roles, err := s.activeRoles(ctx, user)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role.HasWildcard() {
			return true, nil
		}
	}

	effective, err := s.effectiveForUser(ctx, user)
	if err != nil {
		return false, err
	}
	set := make(map[string]struct{}, len(effective))
	for _, code := range effective {
		set[code] = struct{}{}
	}
	for _, code := range required {
		if _, ok := set[code]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// Evaluate answers the inter-service permission check, reporting which roles
// and permission codes satisfied the request.
func (s *RBACService) Evaluate(ctx context.Context, userID, resource, action string) (Evaluation, error) {
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if userID == "" || resource == "" || action == "" {
		return Evaluation{}, fmt.Errorf("%w: userId, resource and action are required", ErrInvalidInput)
	}
	required := resource + ":" + action

	eval := Evaluation{
		UserID:             userID,
		Resource:           resource,
		Action:             action,
		MatchedRoles:       []string{},
		MatchedPermissions: []string{},
		PolicyVersion:      s.PolicyVersion(),
	}

	user, err := s.store.Users().FindByID(ctx, userID)
	if err != nil {
		return Evaluation{}, err
	}
	roles, err := s.activeRoles(ctx, user)
	if err != nil {
		return Evaluation{}, err
	}

	for _, role := range roles {
		if role.HasWildcard() {
			eval.Allowed = true
			eval.MatchedRoles = append(eval.MatchedRoles, role.Name)
			eval.MatchedPermissions = append(eval.MatchedPermissions, WildcardPermission)
			return eval, nil
		}
	}

	for _, code := range user.DirectPermissions {
		if code == required {
			eval.Allowed = true
			eval.MatchedPermissions = append(eval.MatchedPermissions, code)
		}
	}
	for _, role := range roles {
		for _, code := range role.PermissionCodes {
			if code == required {
				eval.Allowed = true
				eval.MatchedRoles = append(eval.MatchedRoles, role.Name)
				if len(eval.MatchedPermissions) == 0 {
					eval.MatchedPermissions = append(eval.MatchedPermissions, code)
				}
			}
		}
	}
	return eval, nil
}

// --- Role and permission lifecycle -----------------------------------------

// CreateRole validates and stores a new role.
func (s *RBACService) CreateRole(ctx context.Context, role Role) (Role, error) {
	role.Name = strings.ToUpper(strings.TrimSpace(role.Name))
	if role.Name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if role.DisplayName == "" {
		role.DisplayName = role.Name
	}
	role.PermissionCodes = dedupeCodes(role.PermissionCodes)
	if len(role.PermissionCodes) == 0 {
		return Role{}, ErrMustRetainPermission
	}
	for _, code := range role.PermissionCodes {
		if err := ValidatePermissionCode(code); err != nil {
			return Role{}, err
		}
	}
	role.IsActive = true
	if err := s.store.Roles().Create(ctx, &role); err != nil {
		return Role{}, err
	}
	s.bumpPolicy()
	return role, nil
}

// UpdateRolePermissions replaces a role's permission set. Removing every
// permission is rejected; system roles keep their name but may be retuned.
func (s *RBACService) UpdateRolePermissions(ctx context.Context, name string, codes []string) (Role, error) {
	role, err := s.store.Roles().FindByName(ctx, name)
	if err != nil {
		return Role{}, err
	}
	codes = dedupeCodes(codes)
	if len(codes) == 0 {
		return Role{}, ErrMustRetainPermission
	}
	for _, code := range codes {
		if err := ValidatePermissionCode(code); err != nil {
			return Role{}, err
		}
	}
	role.PermissionCodes = codes
	if err := s.store.Roles().Update(ctx, role); err != nil {
		return Role{}, err
	}
	s.bumpPolicy()
	return *role, nil
}

// RenameRole changes the display name, and for non-system roles the name.
func (s *RBACService) RenameRole(ctx context.Context, name, newName, displayName string) (Role, error) {
	role, err := s.store.Roles().FindByName(ctx, name)
	if err != nil {
		return Role{}, err
	}
	newName = strings.TrimSpace(newName)
	rename := newName != "" && !strings.EqualFold(newName, role.Name)
	if rename && role.IsSystemRole {
		return Role{}, ErrSystemRoleImmutable
	}
	if displayName = strings.TrimSpace(displayName); displayName != "" {
		role.DisplayName = displayName
	}
	if err := s.store.Roles().Update(ctx, role); err != nil {
		return Role{}, err
	}
	if rename {
		if err := s.store.Roles().Rename(ctx, role.Name, newName); err != nil {
			return Role{}, err
		}
		role.Name = strings.ToUpper(newName)
	}
	s.bumpPolicy()
	return *role, nil
}

// SetRoleActive toggles a role without deleting it.
func (s *RBACService) SetRoleActive(ctx context.Context, name string, active bool) (Role, error) {
	role, err := s.store.Roles().FindByName(ctx, name)
	if err != nil {
		return Role{}, err
	}
	role.IsActive = active
	if err := s.store.Roles().Update(ctx, role); err != nil {
		return Role{}, err
	}
	s.bumpPolicy()
	return *role, nil
}

// DeleteRole removes a role. System roles cannot be deleted.
func (s *RBACService) DeleteRole(ctx context.Context, name string) error {
	role, err := s.store.Roles().FindByName(ctx, name)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return ErrSystemRoleImmutable
	}
	if err := s.store.Roles().Delete(ctx, role.Name); err != nil {
		return err
	}
	s.bumpPolicy()
	return nil
}

// ListRoles returns the full role catalog.
func (s *RBACService) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.Roles().List(ctx)
}

// CreatePermission validates the resource:action shape and stores the entry.
func (s *RBACService) CreatePermission(ctx context.Context, code string) (Permission, error) {
	code = strings.TrimSpace(code)
	if code == WildcardPermission {
		return Permission{}, fmt.Errorf("%w: the wildcard is not a catalog entry", ErrInvalidInput)
	}
	if err := ValidatePermissionCode(code); err != nil {
		return Permission{}, err
	}
	resource, action, _ := strings.Cut(code, ":")
	perm := Permission{
		Code:     code,
		Resource: resource,
		Action:   action,
		IsActive: true,
	}
	if err := s.store.Permissions().Create(ctx, &perm); err != nil {
		return Permission{}, err
	}
	s.bumpPolicy()
	return perm, nil
}

// DeletePermission refuses to delete a code still referenced by an active
// role; the conflict error names the blocking roles.
func (s *RBACService) DeletePermission(ctx context.Context, code string) error {
	if _, err := s.store.Permissions().FindByCode(ctx, code); err != nil {
		return err
	}
	referencing, err := s.store.Roles().ListReferencingCode(ctx, code)
	if err != nil {
		return err
	}
	var blocking []string
	for _, role := range referencing {
		if role.IsActive {
			blocking = append(blocking, role.Name)
		}
	}
	if len(blocking) > 0 {
		sort.Strings(blocking)
		return fmt.Errorf("%w: permission %s is referenced by active roles %s",
			ErrConflict, code, strings.Join(blocking, ", "))
	}
	if err := s.store.Permissions().Delete(ctx, code); err != nil {
		return err
	}
	s.bumpPolicy()
	return nil
}

// ListPermissions returns the permission catalog.
func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.Permissions().List(ctx)
}

// ValidatePermissionCode enforces the resource:action shape. The wildcard is
// valid only inside a role's permission set, never as a catalog entry.
func ValidatePermissionCode(code string) error {
	if code == WildcardPermission {
		return nil
	}
	resource, action, found := strings.Cut(code, ":")
	if !found || resource == "" || action == "" || strings.Contains(action, ":") {
		return fmt.Errorf("%w: permission code %q must have the resource:action form", ErrInvalidInput, code)
	}
	return nil
}

func dedupeCodes(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
