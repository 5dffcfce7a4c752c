// Package httpapi is the HTTP delivery layer for the identity service.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"reservia.org/internal/audit"
	"reservia.org/internal/config"
	"reservia.org/internal/identity"
	"reservia.org/internal/obs"
	"reservia.org/internal/stream"
)

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the service's storage dependencies.
type ReadyProbe struct {
	DB    *sql.DB
	Redis Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	identity   *identity.Service
	rbac       *identity.RBACService
	recorder   *audit.Recorder
	events     *stream.Stream
	readyProbe ReadyProbe
	version    string
	cfg        config.Config
}

// New wires all routes.
func New(
	svc *identity.Service,
	rbac *identity.RBACService,
	recorder *audit.Recorder,
	events *stream.Stream,
	rp ReadyProbe,
	version string,
	cfg config.Config,
) *API {
	a := &API{
		mux:        http.NewServeMux(),
		identity:   svc,
		rbac:       rbac,
		recorder:   recorder,
		events:     events,
		readyProbe: rp,
		version:    version,
		cfg:        cfg,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication flows
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/login/2fa", a.handleLoginTwoFactor)
	a.mux.HandleFunc("/v1/auth/sso", a.handleSSO)
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/password/change", a.handlePasswordChange)
	a.mux.HandleFunc("/v1/auth/password/forgot", a.handlePasswordForgot)
	a.mux.HandleFunc("/v1/auth/password/reset", a.handlePasswordReset)

	// two-factor enrollment
	a.mux.HandleFunc("/v1/auth/2fa/setup", a.handleTwoFactorSetup)
	a.mux.HandleFunc("/v1/auth/2fa/enable", a.handleTwoFactorEnable)
	a.mux.HandleFunc("/v1/auth/2fa/disable", a.handleTwoFactorDisable)
	a.mux.HandleFunc("/v1/auth/2fa/backup-codes", a.handleBackupCodes)

	// inter-service surfaces
	a.mux.HandleFunc("/v1/introspect", a.handleIntrospect)
	a.mux.HandleFunc("/v1/permissions/evaluate", a.handleEvaluate)

	// rbac administration
	a.mux.HandleFunc("/v1/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/permissions", a.handlePermissionsCollection)
	a.mux.HandleFunc("/v1/permissions/", a.handlePermissionResource)

	// audit read paths
	a.mux.HandleFunc("/v1/audit/users/", a.handleAuditByUser)
	a.mux.HandleFunc("/v1/audit/resources/", a.handleAuditByResource)
	a.mux.HandleFunc("/v1/audit/failures", a.handleAuditFailures)

	// security event stream
	a.mux.HandleFunc("/v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = obs.Instrument(h)
	h = Logging(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.cfg.RateLimitBurst, a.cfg.RateLimitPerSecond)
	h = CORS(h)
	h = SecurityHeaders(h)
	return h
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "reservia-identity",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           "reservia-identity",
		"time":           time.Now().UTC().Format(time.RFC3339),
		"version":        a.version,
		"policy_version": a.rbac.PolicyVersion(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleIdentityError maps domain errors to HTTP statuses. Credential and
// verification failures all surface as 401 without detail.
func handleIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrInvalidVerification),
		errors.Is(err, identity.ErrTokenInvalid),
		errors.Is(err, identity.ErrTokenRevoked),
		errors.Is(err, identity.ErrResetTokenInvalid):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, identity.ErrAccountNotUsable):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrUnsupportedAuthMethod),
		errors.Is(err, identity.ErrRegistrationDisabled),
		errors.Is(err, identity.ErrSSODisabled),
		errors.Is(err, identity.ErrTwoFactorNotEnabled),
		errors.Is(err, identity.ErrTwoFactorEnabled),
		errors.Is(err, identity.ErrInvalidInput),
		errors.Is(err, identity.ErrMustRetainPermission):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrSystemRoleImmutable):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func requestMeta(r *http.Request) identity.RequestMeta {
	return identity.RequestMeta{
		SourceIP:    clientIP(r),
		UserAgent:   r.UserAgent(),
		Method:      r.Method,
		RequestPath: r.URL.Path,
	}
}
