package identity

import "errors"

// Externally visible failure taxonomy. Credential, token and 2FA failures are
// never more specific than these: the caller learns that authentication
// failed, not why.
var (
	ErrInvalidCredentials     = errors.New("identity: invalid credentials")
	ErrAccountNotUsable       = errors.New("identity: account inactive or unverified")
	ErrUnsupportedAuthMethod  = errors.New("identity: password authentication is not available for this account")
	ErrTwoFactorNotEnabled    = errors.New("identity: two-factor authentication is not enabled")
	ErrTwoFactorEnabled       = errors.New("identity: two-factor authentication is already enabled")
	ErrInvalidVerification    = errors.New("identity: invalid verification code")
	ErrTokenInvalid           = errors.New("identity: invalid token")
	ErrTokenRevoked           = errors.New("identity: token revoked")
	ErrResetTokenInvalid      = errors.New("identity: invalid or expired reset token")
	ErrPermissionDenied       = errors.New("identity: permission denied")
	ErrNotFound               = errors.New("identity: not found")
	ErrConflict               = errors.New("identity: already exists")
	ErrSystemRoleImmutable    = errors.New("identity: system roles cannot be renamed or deleted")
	ErrMustRetainPermission   = errors.New("identity: a role must retain at least one permission")
	ErrRegistrationDisabled   = errors.New("identity: registration is disabled")
	ErrSSODisabled            = errors.New("identity: sso login is disabled")
	ErrInvalidInput           = errors.New("identity: invalid input")
)
