package httpapi

import (
	"net/http"
	"strings"
)

type introspectRequest struct {
	Token string `json:"token"`
}

type evaluateRequest struct {
	UserID   string `json:"user_id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// handleIntrospect resolves an access token for downstream services. The
// endpoint never distinguishes why a token is inactive.
func (a *API) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req introspectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.identity.Introspect(r.Context(), req.Token))
}

func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, "permissions:evaluate") {
		return
	}
	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Resource) == "" || strings.TrimSpace(req.Action) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id, resource and action are required")
		return
	}
	eval, err := a.rbac.Evaluate(r.Context(), req.UserID, req.Resource, req.Action)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}
