package identity

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestEffectivePermissionsUnion(t *testing.T) {
	st := newFakeStore()
	st.addRole(Role{Name: "STAFF", PermissionCodes: []string{"bookings:read", "bookings:update"}, IsActive: true})
	st.addRole(Role{Name: "LEGACY", PermissionCodes: []string{"resources:manage"}, IsActive: false})
	user := st.addUser(User{
		Email:             "ada@example.com",
		Roles:             []string{"STAFF", "LEGACY"},
		DirectPermissions: []string{"reports:read", "bookings:read"},
		IsActive:          true,
	})

	svc := NewRBACService(st)
	got, err := svc.EffectivePermissions(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	want := []string{"bookings:read", "bookings:update", "reports:read"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("effective permissions = %v, want %v", got, want)
	}
}

func TestEffectivePermissionsUnknownUser(t *testing.T) {
	svc := NewRBACService(newFakeStore())
	if _, err := svc.EffectivePermissions(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIsAllowedWildcardShortCircuit(t *testing.T) {
	st := newFakeStore()
	st.addRole(Role{Name: "SUPER_ADMIN", PermissionCodes: []string{WildcardPermission}, IsActive: true, IsSystemRole: true})
	user := st.addUser(User{Email: "root@example.com", Roles: []string{"SUPER_ADMIN"}, IsActive: true})

	svc := NewRBACService(st)
	ok, err := svc.IsAllowed(context.Background(), user.ID, "anything:at-all")
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if !ok {
		t.Fatal("wildcard role should allow every permission")
	}
}

func TestIsAllowedIgnoresInactiveRole(t *testing.T) {
	st := newFakeStore()
	st.addRole(Role{Name: "STAFF", PermissionCodes: []string{"bookings:update"}, IsActive: false})
	user := st.addUser(User{Email: "bo@example.com", Roles: []string{"STAFF"}, IsActive: true})

	svc := NewRBACService(st)
	ok, err := svc.IsAllowed(context.Background(), user.ID, "bookings:update")
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if ok {
		t.Fatal("a deactivated role must not grant its permissions")
	}
}

func TestIsAllowedDirectPermission(t *testing.T) {
	st := newFakeStore()
	user := st.addUser(User{Email: "cy@example.com", DirectPermissions: []string{"audit:read"}, IsActive: true})

	svc := NewRBACService(st)
	ok, err := svc.IsAllowed(context.Background(), user.ID, "audit:read")
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if !ok {
		t.Fatal("direct permission should grant the check")
	}
	ok, err = svc.IsAllowed(context.Background(), user.ID, "audit:write")
	if err != nil {
		t.Fatalf("IsAllowed: %v", err)
	}
	if ok {
		t.Fatal("unrelated permission should be denied")
	}
}

func TestIsAllowedAll(t *testing.T) {
	st := newFakeStore()
	st.addRole(Role{Name: "STAFF", PermissionCodes: []string{"bookings:read", "bookings:update"}, IsActive: true})
	user := st.addUser(User{Email: "di@example.com", Roles: []string{"STAFF"}, DirectPermissions: []string{"audit:read"}, IsActive: true})

	svc := NewRBACService(st)
	ok, err := svc.IsAllowedAll(context.Background(), user.ID, []string{"bookings:read", "audit:read"})
	if err != nil {
		t.Fatalf("IsAllowedAll: %v", err)
	}
	if !ok {
		t.Fatal("user holds both permissions, expected allow")
	}
	ok, err = svc.IsAllowedAll(context.Background(), user.ID, []string{"bookings:read", "roles:manage"})
	if err != nil {
		t.Fatalf("IsAllowedAll: %v", err)
	}
	if ok {
		t.Fatal("one missing permission must deny the whole set")
	}
}

func TestEvaluateReportsMatches(t *testing.T) {
	st := newFakeStore()
	st.addRole(Role{Name: "STAFF", PermissionCodes: []string{"bookings:update"}, IsActive: true})
	user := st.addUser(User{Email: "ev@example.com", Roles: []string{"STAFF"}, IsActive: true})

	svc := NewRBACService(st)
	eval, err := svc.Evaluate(context.Background(), user.ID, "bookings", "update")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !eval.Allowed {
		t.Fatal("expected allow")
	}
	if !reflect.DeepEqual(eval.MatchedRoles, []string{"STAFF"}) {
		t.Fatalf("matched roles = %v", eval.MatchedRoles)
	}
	if !reflect.DeepEqual(eval.MatchedPermissions, []string{"bookings:update"}) {
		t.Fatalf("matched permissions = %v", eval.MatchedPermissions)
	}
	if eval.PolicyVersion != "v1" {
		t.Fatalf("policy version = %q, want v1", eval.PolicyVersion)
	}

	eval, err = svc.Evaluate(context.Background(), user.ID, "bookings", "delete")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if eval.Allowed {
		t.Fatal("expected deny")
	}
	if len(eval.MatchedRoles) != 0 || len(eval.MatchedPermissions) != 0 {
		t.Fatalf("deny should report no matches, got %v / %v", eval.MatchedRoles, eval.MatchedPermissions)
	}
}

func TestEvaluateWildcard(t *testing.T) {
	st := newFakeStore()
	st.addRole(Role{Name: "SUPER_ADMIN", PermissionCodes: []string{WildcardPermission}, IsActive: true, IsSystemRole: true})
	user := st.addUser(User{Email: "root@example.com", Roles: []string{"SUPER_ADMIN"}, IsActive: true})

	svc := NewRBACService(st)
	eval, err := svc.Evaluate(context.Background(), user.ID, "bookings", "delete")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !eval.Allowed {
		t.Fatal("wildcard should allow")
	}
	if !reflect.DeepEqual(eval.MatchedPermissions, []string{WildcardPermission}) {
		t.Fatalf("matched permissions = %v, want the wildcard", eval.MatchedPermissions)
	}
}

func TestEvaluateRejectsBlankInput(t *testing.T) {
	svc := NewRBACService(newFakeStore())
	if _, err := svc.Evaluate(context.Background(), "user-1", "  ", "read"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.Evaluate(context.Background(), "", "bookings", "read"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCreateRoleNormalizesAndValidates(t *testing.T) {
	svc := NewRBACService(newFakeStore())

	role, err := svc.CreateRole(context.Background(), Role{
		Name:            "  reception ",
		PermissionCodes: []string{"bookings:read", "bookings:read", " ", "bookings:update"},
	})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.Name != "RECEPTION" {
		t.Fatalf("name = %q, want RECEPTION", role.Name)
	}
	if !role.IsActive {
		t.Fatal("new roles start active")
	}
	if !reflect.DeepEqual(role.PermissionCodes, []string{"bookings:read", "bookings:update"}) {
		t.Fatalf("codes not deduped: %v", role.PermissionCodes)
	}

	if _, err := svc.CreateRole(context.Background(), Role{Name: "EMPTY"}); !errors.Is(err, ErrMustRetainPermission) {
		t.Fatalf("expected ErrMustRetainPermission, got %v", err)
	}
	if _, err := svc.CreateRole(context.Background(), Role{Name: "BAD", PermissionCodes: []string{"no-colon"}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for malformed code, got %v", err)
	}
}

func TestUpdateRolePermissionsKeepsAtLeastOne(t *testing.T) {
	st := newFakeStore()
	st.addRole(Role{Name: "STAFF", PermissionCodes: []string{"bookings:read"}, IsActive: true})

	svc := NewRBACService(st)
	if _, err := svc.UpdateRolePermissions(context.Background(), "STAFF", nil); !errors.Is(err, ErrMustRetainPermission) {
		t.Fatalf("expected ErrMustRetainPermission, got %v", err)
	}
	role, err := svc.UpdateRolePermissions(context.Background(), "staff", []string{"bookings:read", "bookings:delete"})
	if err != nil {
		t.Fatalf("UpdateRolePermissions: %v", err)
	}
	if !reflect.DeepEqual(role.PermissionCodes, []string{"bookings:read", "bookings:delete"}) {
		t.Fatalf("codes = %v", role.PermissionCodes)
	}
}

func TestRenameRoleGuardsSystemRoles(t *testing.T) {
	st := newFakeStore()
	st.addRole(Role{Name: "SUPER_ADMIN", DisplayName: "Super Admin", PermissionCodes: []string{WildcardPermission}, IsActive: true, IsSystemRole: true})
	st.addRole(Role{Name: "RECEPTION", DisplayName: "Reception", PermissionCodes: []string{"bookings:read"}, IsActive: true})

	svc := NewRBACService(st)

	if _, err := svc.RenameRole(context.Background(), "SUPER_ADMIN", "OVERLORD", ""); !errors.Is(err, ErrSystemRoleImmutable) {
		t.Fatalf("expected ErrSystemRoleImmutable, got %v", err)
	}

	// Display-name retunes stay legal even on system roles.
	role, err := svc.RenameRole(context.Background(), "SUPER_ADMIN", "", "Platform Operators")
	if err != nil {
		t.Fatalf("RenameRole display only: %v", err)
	}
	if role.DisplayName != "Platform Operators" {
		t.Fatalf("display name = %q", role.DisplayName)
	}

	role, err = svc.RenameRole(context.Background(), "RECEPTION", "front_desk", "Front Desk")
	if err != nil {
		t.Fatalf("RenameRole: %v", err)
	}
	if role.Name != "FRONT_DESK" {
		t.Fatalf("name = %q, want FRONT_DESK", role.Name)
	}
	if _, err := st.Roles().FindByName(context.Background(), "FRONT_DESK"); err != nil {
		t.Fatalf("renamed role not findable: %v", err)
	}
	if _, err := st.Roles().FindByName(context.Background(), "RECEPTION"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old name should be gone, got %v", err)
	}
}

func TestDeleteRoleGuardsSystemRoles(t *testing.T) {
	st := newFakeStore()
	st.addRole(Role{Name: "ADMIN", PermissionCodes: []string{"roles:manage"}, IsActive: true, IsSystemRole: true})
	st.addRole(Role{Name: "TEMP", PermissionCodes: []string{"bookings:read"}, IsActive: true})

	svc := NewRBACService(st)
	if err := svc.DeleteRole(context.Background(), "ADMIN"); !errors.Is(err, ErrSystemRoleImmutable) {
		t.Fatalf("expected ErrSystemRoleImmutable, got %v", err)
	}
	if err := svc.DeleteRole(context.Background(), "TEMP"); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if _, err := st.Roles().FindByName(context.Background(), "TEMP"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("role should be deleted, got %v", err)
	}
}

func TestCreatePermissionShape(t *testing.T) {
	svc := NewRBACService(newFakeStore())

	perm, err := svc.CreatePermission(context.Background(), "resources:manage")
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if perm.Resource != "resources" || perm.Action != "manage" {
		t.Fatalf("split = %q/%q", perm.Resource, perm.Action)
	}

	for _, code := range []string{WildcardPermission, "nodelimiter", "too:many:colons", ":action", "resource:"} {
		if _, err := svc.CreatePermission(context.Background(), code); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("code %q: expected ErrInvalidInput, got %v", code, err)
		}
	}
}

func TestDeletePermissionBlockedByActiveRoles(t *testing.T) {
	st := newFakeStore()
	st.addPermission(Permission{Code: "bookings:read", Resource: "bookings", Action: "read", IsActive: true})
	st.addRole(Role{Name: "STAFF", PermissionCodes: []string{"bookings:read"}, IsActive: true})
	st.addRole(Role{Name: "MEMBER", PermissionCodes: []string{"bookings:read"}, IsActive: true})

	svc := NewRBACService(st)
	err := svc.DeletePermission(context.Background(), "bookings:read")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if !strings.Contains(err.Error(), "MEMBER, STAFF") {
		t.Fatalf("conflict should name blocking roles sorted, got %q", err)
	}

	// Deactivated references stop blocking.
	for _, name := range []string{"STAFF", "MEMBER"} {
		if _, err := svc.SetRoleActive(context.Background(), name, false); err != nil {
			t.Fatalf("SetRoleActive(%s): %v", name, err)
		}
	}
	if err := svc.DeletePermission(context.Background(), "bookings:read"); err != nil {
		t.Fatalf("DeletePermission after deactivation: %v", err)
	}
	if _, err := st.Permissions().FindByCode(context.Background(), "bookings:read"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("permission should be gone, got %v", err)
	}
}

func TestPolicyVersionBumpsOnMutation(t *testing.T) {
	st := newFakeStore()
	svc := NewRBACService(st)
	if got := svc.PolicyVersion(); got != "v1" {
		t.Fatalf("initial policy version = %q", got)
	}
	if _, err := svc.CreatePermission(context.Background(), "bookings:read"); err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if got := svc.PolicyVersion(); got != "v2" {
		t.Fatalf("after create permission = %q, want v2", got)
	}
	if _, err := svc.CreateRole(context.Background(), Role{Name: "STAFF", PermissionCodes: []string{"bookings:read"}}); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if got := svc.PolicyVersion(); got != "v3" {
		t.Fatalf("after create role = %q, want v3", got)
	}
	if _, err := svc.SetRoleActive(context.Background(), "STAFF", false); err != nil {
		t.Fatalf("SetRoleActive: %v", err)
	}
	if got := svc.PolicyVersion(); got != "v4" {
		t.Fatalf("after toggle = %q, want v4", got)
	}
}
