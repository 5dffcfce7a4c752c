package identity

import "time"

// WildcardPermission is the literal role permission code meaning "everything".
const WildcardPermission = "*"

// User is the central identity record. Password hash is absent for accounts
// that only ever authenticated through an external provider.
type User struct {
	ID                   string     `json:"id"`
	Email                string     `json:"email"`
	FirstName            string     `json:"first_name,omitempty"`
	LastName             string     `json:"last_name,omitempty"`
	PasswordHash         string     `json:"-"`
	Roles                []string   `json:"roles"`
	DirectPermissions    []string   `json:"direct_permissions,omitempty"`
	IsActive             bool       `json:"is_active"`
	IsEmailVerified      bool       `json:"is_email_verified"`
	TwoFactorEnabled     bool       `json:"two_factor_enabled"`
	TwoFactorSecret      string     `json:"-"`
	TwoFactorBackupCodes []string   `json:"-"`
	SSOProvider          string     `json:"sso_provider,omitempty"`
	SSOProviderID        string     `json:"-"`
	LastLogin            *time.Time `json:"last_login,omitempty"`
	PasswordChangedAt    *time.Time `json:"password_changed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// CanLogin reports whether the account may hold a session at all.
func (u *User) CanLogin() bool {
	return u != nil && u.IsActive && u.IsEmailVerified
}

// HasPassword reports whether password authentication is supported.
func (u *User) HasPassword() bool {
	return u != nil && u.PasswordHash != ""
}

// HasRole reports whether the user holds the named role.
func (u *User) HasRole(name string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// Role groups permission codes under a name users can be granted.
type Role struct {
	Name            string    `json:"name"`
	DisplayName     string    `json:"display_name"`
	PermissionCodes []string  `json:"permission_codes"`
	IsActive        bool      `json:"is_active"`
	IsSystemRole    bool      `json:"is_system_role"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasWildcard reports whether the role grants every permission.
func (r *Role) HasWildcard() bool {
	if r == nil {
		return false
	}
	for _, code := range r.PermissionCodes {
		if code == WildcardPermission {
			return true
		}
	}
	return false
}

// Permission is a fine-grained capability in resource:action form.
type Permission struct {
	Code      string    `json:"code"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenPair holds the session credentials issued on successful authentication.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// LoginResult is the outcome of the first authentication step. Exactly one of
// Tokens (direct success) or Challenge (second factor pending) is set.
type LoginResult struct {
	RequiresTwoFactor bool       `json:"requires_two_factor"`
	Challenge         string     `json:"challenge,omitempty"`
	User              *User      `json:"user,omitempty"`
	Tokens            *TokenPair `json:"tokens,omitempty"`
}

// TwoFactorSetup is returned by a provisional 2FA setup. Nothing is persisted
// until the user confirms with a valid code.
type TwoFactorSetup struct {
	Secret      string   `json:"secret"`
	QRPayload   string   `json:"qr_payload"`
	BackupCodes []string `json:"backup_codes"`
}

// ExternalIdentity is a pre-verified assertion from an SSO provider.
type ExternalIdentity struct {
	Provider   string `json:"provider"`
	ProviderID string `json:"provider_id"`
	Email      string `json:"email"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Photo      string `json:"photo,omitempty"`
}

// Introspection is the inter-service token resolution shape.
type Introspection struct {
	Active       bool     `json:"active"`
	Sub          string   `json:"sub,omitempty"`
	Email        string   `json:"email,omitempty"`
	FirstName    string   `json:"firstName,omitempty"`
	LastName     string   `json:"lastName,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
	IsActive     bool     `json:"isActive"`
	Is2FAEnabled bool     `json:"is2FAEnabled"`
}

// Evaluation is the inter-service permission check shape.
type Evaluation struct {
	Allowed            bool     `json:"allowed"`
	UserID             string   `json:"userId"`
	Resource           string   `json:"resource"`
	Action             string   `json:"action"`
	MatchedRoles       []string `json:"matchedRoles"`
	MatchedPermissions []string `json:"matchedPermissions"`
	PolicyVersion      string   `json:"policyVersion"`
}

// RequestMeta carries transport-level facts into audit entries.
type RequestMeta struct {
	SourceIP    string
	UserAgent   string
	Method      string
	RequestPath string
}
