package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reservia.org/internal/audit"
	"reservia.org/internal/config"
	"reservia.org/internal/obs"
)

const resetKeyPrefix = "reset:"

// Service is the authentication orchestrator: it coordinates the password
// hasher, two-factor engine, token service, permission resolver and audit
// pipeline into the login, refresh, logout and password reset protocols.
type Service struct {
	store     Store
	secrets   SecretStore
	tokens    *TokenService
	twoFactor *TwoFactorEngine
	rbac      *RBACService
	recorder  *audit.Recorder
	cfg       config.Config
	now       func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the orchestrator. Every dependency is required.
func NewService(
	store Store,
	secrets SecretStore,
	tokens *TokenService,
	twoFactor *TwoFactorEngine,
	rbac *RBACService,
	recorder *audit.Recorder,
	cfg config.Config,
	opts ...ServiceOption,
) (*Service, error) {
	if store == nil || secrets == nil || tokens == nil || twoFactor == nil || rbac == nil || recorder == nil {
		return nil, errors.New("identity: all service dependencies are required")
	}
	s := &Service{
		store:     store,
		secrets:   secrets,
		tokens:    tokens,
		twoFactor: twoFactor,
		rbac:      rbac,
		recorder:  recorder,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TwoFactor exposes the engine for enrollment endpoints.
func (s *Service) TwoFactor() *TwoFactorEngine { return s.twoFactor }

// Resolver exposes the permission resolver.
func (s *Service) Resolver() *RBACService { return s.rbac }

// Login validates credentials. A missing account, an inactive or unverified
// account and a wrong password are indistinguishable to the caller: same
// error, same latency class. Accounts with two-factor enabled receive a
// temporary challenge instead of tokens.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (*LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		// Burn the same hashing cost as a real verification so the
		// unknown-account path is not observably faster.
		VerifyPassword(dummyHash, password)
		s.auditLogin(ctx, "", meta, audit.StatusFailed, "account_not_found")
		obs.ObserveLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	if !user.HasPassword() {
		s.auditLogin(ctx, user.ID, meta, audit.StatusFailed, "password_auth_unsupported")
		obs.ObserveLogin("unsupported_method")
		return nil, ErrUnsupportedAuthMethod
	}

	if !VerifyPassword(user.PasswordHash, password) {
		s.auditLogin(ctx, user.ID, meta, audit.StatusFailed, "password_mismatch")
		obs.ObserveLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	if !user.CanLogin() {
		s.auditLogin(ctx, user.ID, meta, audit.StatusFailed, "account_inactive_or_unverified")
		obs.ObserveLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	if user.TwoFactorEnabled {
		challenge, err := s.tokens.IssueChallenge(user)
		if err != nil {
			return nil, err
		}
		s.recorder.Record(ctx, audit.Entry{
			UserID:      user.ID,
			Action:      audit.ActionAccess,
			Resource:    "auth",
			Method:      meta.Method,
			RequestPath: meta.RequestPath,
			SourceIP:    meta.SourceIP,
			UserAgent:   meta.UserAgent,
			Status:      audit.StatusSuccess,
			Changes:     map[string]any{"step": "two_factor_challenge_issued"},
		})
		obs.ObserveLogin("two_factor_pending")
		return &LoginResult{RequiresTwoFactor: true, Challenge: challenge}, nil
	}

	return s.finalizeLogin(ctx, user, meta)
}

// CompleteLoginWithTwoFactor finishes a pending login with a TOTP or backup
// code. Which kind failed is recorded in the audit trail but never revealed
// to the caller.
func (s *Service) CompleteLoginWithTwoFactor(ctx context.Context, challenge, code string, meta RequestMeta) (*LoginResult, error) {
	claims, err := s.tokens.VerifyChallenge(challenge)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	user, err := s.store.Users().FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if !user.TwoFactorEnabled {
		// A challenge should never exist for such an account; treat it
		// as a protocol violation rather than silently passing.
		return nil, ErrTwoFactorNotEnabled
	}

	code = strings.TrimSpace(code)
	if looksLikeTOTP(code) {
		ok, err := s.twoFactor.VerifyForUser(user, code)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.auditLogin(ctx, user.ID, meta, audit.StatusFailed, "invalid_code")
			obs.ObserveLogin("two_factor_failed")
			return nil, ErrInvalidVerification
		}
	} else {
		ok, err := s.twoFactor.UseBackupCode(ctx, user.ID, code)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.auditLogin(ctx, user.ID, meta, audit.StatusFailed, "invalid_backup_code")
			obs.ObserveLogin("two_factor_failed")
			return nil, ErrInvalidVerification
		}
		// UseBackupCode persisted the shrunken code set; reload so the
		// last-login write below cannot resurrect the burned code.
		user, err = s.store.Users().FindByID(ctx, user.ID)
		if err != nil {
			return nil, err
		}
	}

	return s.finalizeLogin(ctx, user, meta)
}

// Register provisions a password account when self-service registration is on.
func (s *Service) Register(ctx context.Context, email, password, firstName, lastName string, meta RequestMeta) (*User, error) {
	if !s.cfg.RegistrationEnabled {
		return nil, ErrRegistrationDisabled
	}
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if _, err := s.store.Users().FindByEmail(ctx, email); err == nil {
		return nil, ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Email:           email,
		FirstName:       strings.TrimSpace(firstName),
		LastName:        strings.TrimSpace(lastName),
		PasswordHash:    hash,
		Roles: []string{s.cfg.RoleForDomain(email)},
		// No out-of-band verification step exists for password signups,
		// so the account is usable immediately.
		IsActive:        true,
		IsEmailVerified: true,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID:      user.ID,
		Action:      audit.ActionCreate,
		Resource:    "user",
		Method:      meta.Method,
		RequestPath: meta.RequestPath,
		SourceIP:    meta.SourceIP,
		UserAgent:   meta.UserAgent,
		Status:      audit.StatusSuccess,
	})
	return user, nil
}

// ChangePassword re-verifies the old password before applying the new one, so
// a hijacked session alone cannot rotate the credential.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string, meta RequestMeta) error {
	user, err := s.store.Users().FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.HasPassword() {
		return ErrUnsupportedAuthMethod
	}
	if !VerifyPassword(user.PasswordHash, oldPassword) {
		s.recorder.Record(ctx, audit.Entry{
			UserID:   user.ID,
			Action:   audit.ActionUpdate,
			Resource: "user.password",
			SourceIP: meta.SourceIP,
			Status:   audit.StatusFailed,
			Error:    "old_password_mismatch",
		})
		return ErrInvalidCredentials
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	changed := s.now().UTC()
	user.PasswordHash = hash
	user.PasswordChangedAt = &changed
	if err := s.store.Users().Update(ctx, user); err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID:   user.ID,
		Action:   audit.ActionUpdate,
		Resource: "user.password",
		SourceIP: meta.SourceIP,
		Status:   audit.StatusSuccess,
	})
	return nil
}

// ForgotPassword always reports success to the caller. Unknown emails are
// only visible in the local log, never in the response.
func (s *Service) ForgotPassword(ctx context.Context, email string, meta RequestMeta) error {
	email = normalizeEmail(email)
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		obs.LogEvent("warn", "password reset requested for unknown email", map[string]any{
			"source_ip": meta.SourceIP,
		})
		return nil
	}

	token, err := s.tokens.IssueResetToken(user, s.cfg.ResetTTL)
	if err != nil {
		return err
	}
	if err := s.secrets.Set(ctx, resetKeyPrefix+user.ID, token, s.cfg.ResetTTL); err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID:   user.ID,
		Action:   audit.ActionAccess,
		Resource: "user.password_reset",
		SourceIP: meta.SourceIP,
		Status:   audit.StatusSuccess,
		Changes:  map[string]any{"step": "reset_token_issued"},
	})
	// Delivery of the token (mail, SMS) happens via the event stream; the
	// orchestrator itself never sees the transport.
	return nil
}

// ResetPassword validates signature, store presence and exact match, then
// consumes the stored token whether or not the attempt succeeds.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string, meta RequestMeta) error {
	claims, err := s.tokens.VerifyResetToken(token)
	if err != nil {
		return ErrResetTokenInvalid
	}

	key := resetKeyPrefix + claims.Subject
	stored, err := s.secrets.Get(ctx, key)
	if err != nil {
		return ErrResetTokenInvalid
	}
	// Single attempt: the stored token is gone after this call either way.
	_ = s.secrets.Delete(ctx, key)

	if stored != token {
		// A superseded reset link must not be replayable.
		s.recorder.Record(ctx, audit.Entry{
			UserID:   claims.Subject,
			Action:   audit.ActionUpdate,
			Resource: "user.password_reset",
			SourceIP: meta.SourceIP,
			Status:   audit.StatusFailed,
			Error:    "reset_token_superseded",
		})
		return ErrResetTokenInvalid
	}

	user, err := s.store.Users().FindByID(ctx, claims.Subject)
	if err != nil {
		return ErrResetTokenInvalid
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	changed := s.now().UTC()
	user.PasswordHash = hash
	user.PasswordChangedAt = &changed
	if err := s.store.Users().Update(ctx, user); err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID:   user.ID,
		Action:   audit.ActionUpdate,
		Resource: "user.password_reset",
		SourceIP: meta.SourceIP,
		Status:   audit.StatusSuccess,
	})
	return nil
}

// Logout revokes the presented access token for its remaining lifetime.
func (s *Service) Logout(ctx context.Context, userID, accessToken string, meta RequestMeta) error {
	claims, err := s.tokens.parse(accessToken, tokenTypeAccess)
	if err != nil {
		return err
	}
	if claims.Subject != userID {
		return ErrTokenInvalid
	}
	if err := s.tokens.Blacklist(ctx, accessToken, claims); err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID:      userID,
		Action:      audit.ActionLogout,
		Resource:    "auth",
		Method:      meta.Method,
		RequestPath: meta.RequestPath,
		SourceIP:    meta.SourceIP,
		UserAgent:   meta.UserAgent,
		Status:      audit.StatusSuccess,
	})
	return nil
}

// LoginWithSSO resolves a verified external identity to a local account:
// an existing linkage, an email match that gets linked, or a newly
// provisioned user. SSO counts as strong authentication, so no 2FA challenge.
func (s *Service) LoginWithSSO(ctx context.Context, ext ExternalIdentity, meta RequestMeta) (*LoginResult, error) {
	if !s.cfg.SSOEnabled {
		return nil, ErrSSODisabled
	}
	if ext.Provider == "" || ext.ProviderID == "" || normalizeEmail(ext.Email) == "" {
		return nil, fmt.Errorf("%w: provider, provider id and email are required", ErrInvalidInput)
	}
	email := normalizeEmail(ext.Email)

	user, err := s.store.Users().FindBySSO(ctx, ext.Provider, ext.ProviderID)
	switch {
	case err == nil:
		// already linked
	case errors.Is(err, ErrNotFound):
		user, err = s.linkOrProvisionSSO(ctx, ext, email)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if !user.IsActive {
		s.auditLogin(ctx, user.ID, meta, audit.StatusFailed, "account_inactive")
		obs.ObserveLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}
	return s.finalizeLogin(ctx, user, meta)
}

func (s *Service) linkOrProvisionSSO(ctx context.Context, ext ExternalIdentity, email string) (*User, error) {
	existing, err := s.store.Users().FindByEmail(ctx, email)
	if err == nil {
		// Link the external identity; the provider has verified the
		// mailbox, so the local flag is upgraded too.
		existing.SSOProvider = ext.Provider
		existing.SSOProviderID = ext.ProviderID
		existing.IsEmailVerified = true
		if err := s.store.Users().Update(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	user := &User{
		Email:           email,
		FirstName:       strings.TrimSpace(ext.FirstName),
		LastName:        strings.TrimSpace(ext.LastName),
		Roles:           []string{s.cfg.RoleForDomain(email)},
		IsActive:        true,
		IsEmailVerified: true,
		SSOProvider:     ext.Provider,
		SSOProviderID:   ext.ProviderID,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID:   user.ID,
		Action:   audit.ActionCreate,
		Resource: "user",
		Status:   audit.StatusSuccess,
		Changes:  map[string]any{"provisioned_via": ext.Provider},
	})
	return user, nil
}

// Refresh rotates a refresh token: the presented token is blacklisted before
// the new pair exists, so two concurrent calls cannot both win.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	user, err := s.store.Users().FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if !user.CanLogin() {
		return nil, ErrAccountNotUsable
	}

	if err := s.tokens.Blacklist(ctx, refreshToken, claims); err != nil {
		// Documented residual risk: the old token stays usable until its
		// natural expiry. Issuance still proceeds.
		obs.LogEvent("warn", "failed to blacklist rotated refresh token", map[string]any{
			"user_id": user.ID,
			"error":   err.Error(),
		})
	}

	perms, err := s.rbac.effectiveForUser(ctx, user)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.IssuePair(user, perms)
	if err != nil {
		return nil, err
	}
	obs.ObserveTokenRotation()
	s.recorder.Record(ctx, audit.Entry{
		UserID:      user.ID,
		Action:      audit.ActionAccess,
		Resource:    "auth.token",
		Method:      meta.Method,
		RequestPath: meta.RequestPath,
		SourceIP:    meta.SourceIP,
		Status:      audit.StatusSuccess,
		Changes:     map[string]any{"step": "token_rotated"},
	})
	return &pair, nil
}

// Introspect resolves an access token for downstream services. Invalid,
// expired and revoked tokens all yield active=false with no identity fields.
func (s *Service) Introspect(ctx context.Context, accessToken string) Introspection {
	claims, err := s.tokens.Validate(ctx, accessToken)
	if err != nil {
		return Introspection{Active: false}
	}
	user, err := s.store.Users().FindByID(ctx, claims.Subject)
	if err != nil {
		return Introspection{Active: false}
	}
	perms, err := s.rbac.effectiveForUser(ctx, user)
	if err != nil {
		return Introspection{Active: false}
	}
	return Introspection{
		Active:       true,
		Sub:          user.ID,
		Email:        user.Email,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		Roles:        user.Roles,
		Permissions:  perms,
		IsActive:     user.IsActive,
		Is2FAEnabled: user.TwoFactorEnabled,
	}
}

// ResolveToken authenticates a bearer token for the HTTP layer.
func (s *Service) ResolveToken(ctx context.Context, accessToken string) (*User, *Claims, error) {
	claims, err := s.tokens.Validate(ctx, accessToken)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.store.Users().FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, nil, ErrTokenInvalid
	}
	if !user.IsActive {
		return nil, nil, ErrTokenInvalid
	}
	return user, claims, nil
}

func (s *Service) finalizeLogin(ctx context.Context, user *User, meta RequestMeta) (*LoginResult, error) {
	perms, err := s.rbac.effectiveForUser(ctx, user)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.IssuePair(user, perms)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user.LastLogin = &now
	if err := s.store.Users().Update(ctx, user); err != nil {
		return nil, err
	}

	s.auditLogin(ctx, user.ID, meta, audit.StatusSuccess, "")
	obs.ObserveLogin("success")
	return &LoginResult{User: user, Tokens: &pair}, nil
}

func (s *Service) auditLogin(ctx context.Context, userID string, meta RequestMeta, status audit.Status, reason string) {
	entry := audit.Entry{
		UserID:      userID,
		Action:      audit.ActionLogin,
		Resource:    "auth",
		Method:      meta.Method,
		RequestPath: meta.RequestPath,
		SourceIP:    meta.SourceIP,
		UserAgent:   meta.UserAgent,
		Status:      status,
	}
	if reason != "" {
		entry.Error = reason
	}
	s.recorder.Record(ctx, entry)
}

func looksLikeTOTP(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
