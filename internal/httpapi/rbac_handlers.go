package httpapi

import (
	"net/http"
	"strings"

	"reservia.org/internal/audit"
	"reservia.org/internal/identity"
)

const (
	permManageRoles       = "roles:manage"
	permManagePermissions = "permissions:manage"
	permReadAudit         = "audit:read"
)

type createRoleRequest struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Permissions []string `json:"permissions"`
}

type renameRoleRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type setRoleActiveRequest struct {
	Active bool `json:"active"`
}

type createPermissionRequest struct {
	Code string `json:"code"`
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, permManageRoles) {
			return
		}
		roles, err := a.rbac.ListRoles(r.Context())
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":          roles,
			"policy_version": a.rbac.PolicyVersion(),
		})
	case http.MethodPost:
		if !a.ensurePermission(w, r, permManageRoles) {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), identity.Role{
			Name:            req.Name,
			DisplayName:     req.DisplayName,
			PermissionCodes: req.Permissions,
		})
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		a.auditAdmin(r, audit.ActionCreate, "role", map[string]any{"name": role.Name})
		w.Header().Set("Location", "/v1/roles/"+role.Name)
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	name := parts[0]

	switch {
	case len(parts) == 1:
		a.handleRole(w, r, name)
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleRolePermissions(w, r, name)
	case len(parts) == 2 && parts[1] == "active":
		a.handleRoleActive(w, r, name)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodPut:
		if !a.ensurePermission(w, r, permManageRoles) {
			return
		}
		var req renameRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.RenameRole(r.Context(), name, req.Name, req.DisplayName)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		a.auditAdmin(r, audit.ActionUpdate, "role", map[string]any{"name": role.Name})
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if !a.ensurePermission(w, r, permManageRoles) {
			return
		}
		if err := a.rbac.DeleteRole(r.Context(), name); err != nil {
			handleIdentityError(w, r, err)
			return
		}
		a.auditAdmin(r, audit.ActionDelete, "role", map[string]any{"name": name})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.ensurePermission(w, r, permManagePermissions) {
		return
	}
	var req updateRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.UpdateRolePermissions(r.Context(), name, req.Permissions)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	a.auditAdmin(r, audit.ActionUpdate, "role.permissions", map[string]any{
		"name":  role.Name,
		"count": len(role.PermissionCodes),
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleRoleActive(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.ensurePermission(w, r, permManageRoles) {
		return
	}
	var req setRoleActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.SetRoleActive(r.Context(), name, req.Active)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	a.auditAdmin(r, audit.ActionUpdate, "role.active", map[string]any{
		"name":   role.Name,
		"active": role.IsActive,
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handlePermissionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, permManagePermissions) {
			return
		}
		perms, err := a.rbac.ListPermissions(r.Context())
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": perms})
	case http.MethodPost:
		if !a.ensurePermission(w, r, permManagePermissions) {
			return
		}
		var req createPermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.rbac.CreatePermission(r.Context(), strings.TrimSpace(req.Code))
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		a.auditAdmin(r, audit.ActionCreate, "permission", map[string]any{"code": perm.Code})
		writeJSON(w, http.StatusCreated, perm)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePermissionResource(w http.ResponseWriter, r *http.Request) {
	code := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/permissions/"), "/")
	if code == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, permManagePermissions) {
		return
	}
	if err := a.rbac.DeletePermission(r.Context(), code); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	a.auditAdmin(r, audit.ActionDelete, "permission", map[string]any{"code": code})
	w.WriteHeader(http.StatusNoContent)
}

// auditAdmin records a policy mutation performed through the admin surface.
func (a *API) auditAdmin(r *http.Request, action audit.Action, resource string, changes map[string]any) {
	var userID string
	if principal, ok := identity.PrincipalFromContext(r.Context()); ok {
		userID = principal.UserID
	}
	a.recorder.Record(r.Context(), audit.Entry{
		UserID:      userID,
		Action:      action,
		Resource:    resource,
		Method:      r.Method,
		RequestPath: r.URL.Path,
		SourceIP:    clientIP(r),
		UserAgent:   r.UserAgent(),
		Status:      audit.StatusSuccess,
		Changes:     changes,
	})
}
