package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"reservia.org/internal/audit"
	"reservia.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/login/2fa",
	"/v1/auth/sso",
	"/v1/auth/register",
	"/v1/auth/refresh",
	"/v1/auth/password/forgot",
	"/v1/auth/password/reset",
	"/v1/introspect",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		user, claims, err := a.identity.ResolveToken(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrTokenInvalid), errors.Is(err, identity.ErrTokenRevoked):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		principal := identity.Principal{
			UserID:      user.ID,
			Email:       user.Email,
			Roles:       append([]string(nil), user.Roles...),
			Permissions: append([]string(nil), claims.Permissions...),
		}
		ctx := identity.ContextWithPrincipal(r.Context(), principal)
		ctx = identity.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensurePermission authorizes the request against the live policy, writes the
// response on denial and records the attempt in the audit trail.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, required string) bool {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	allowed, err := a.rbac.IsAllowed(r.Context(), principal.UserID, required)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization error")
		return false
	}
	if !allowed {
		a.recorder.Record(r.Context(), audit.Entry{
			UserID:      principal.UserID,
			Action:      audit.ActionUnauthorized,
			Resource:    required,
			Method:      r.Method,
			RequestPath: r.URL.Path,
			SourceIP:    clientIP(r),
			UserAgent:   r.UserAgent(),
			Status:      audit.StatusFailed,
			Timestamp:   time.Now().UTC(),
		})
		handleIdentityError(w, r, identity.ErrPermissionDenied)
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
