package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"reservia.org/internal/obs"
)

const (
	tokenTypeAccess    = "access"
	tokenTypeRefresh   = "refresh"
	tokenTypeChallenge = "temp"
	tokenTypeReset     = "reset"

	blacklistKeyPrefix = "bl:"
	blacklistRetries   = 3
)

// Claims is the signed claims set carried by every token the service issues.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenService issues, verifies, rotates and revokes signed session tokens.
type TokenService struct {
	secret       []byte
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	challengeTTL time.Duration
	blacklist    SecretStore
	now          func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService)

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithChallengeTTL configures the lifetime of temporary 2FA challenge tokens.
func WithChallengeTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.challengeTTL = ttl
		}
	}
}

// NewTokenService constructs a TokenService signing with the given secret.
// The blacklist store rejects revoked tokens before their natural expiry.
func NewTokenService(secret, issuer string, blacklist SecretStore, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("identity: token secret is required")
	}
	if blacklist == nil {
		return nil, errors.New("identity: blacklist store is required")
	}
	s := &TokenService{
		secret:       []byte(secret),
		issuer:       strings.TrimSpace(issuer),
		accessTTL:    15 * time.Minute,
		refreshTTL:   14 * 24 * time.Hour,
		challengeTTL: 5 * time.Minute,
		blacklist:    blacklist,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssuePair signs a fresh access/refresh token pair for the user.
func (s *TokenService) IssuePair(user *User, permissions []string) (TokenPair, error) {
	now := s.now().UTC()
	access, accessExp, err := s.sign(user, permissions, tokenTypeAccess, now, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.sign(user, permissions, tokenTypeRefresh, now, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// IssueChallenge signs a short-lived token that only proves the first
// authentication factor passed. Its temp type keeps it unusable as a session.
func (s *TokenService) IssueChallenge(user *User) (string, error) {
	token, _, err := s.sign(user, nil, tokenTypeChallenge, s.now().UTC(), s.challengeTTL)
	return token, err
}

// IssueResetToken signs a single-purpose password reset token.
func (s *TokenService) IssueResetToken(user *User, ttl time.Duration) (string, error) {
	token, _, err := s.sign(user, nil, tokenTypeReset, s.now().UTC(), ttl)
	return token, err
}

func (s *TokenService) sign(user *User, permissions []string, tokenType string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		Email:       user.Email,
		Roles:       user.Roles,
		Permissions: permissions,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// parse verifies signature and expiry and checks the expected token type.
func (s *TokenService) parse(token, wantType string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenInvalid
	}
	if claims.TokenType != wantType {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Validate checks an access token end to end: signature, expiry, blacklist.
func (s *TokenService) Validate(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.parse(token, tokenTypeAccess)
	if err != nil {
		return nil, err
	}
	revoked, err := s.isBlacklisted(ctx, token)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// VerifyRefresh checks a refresh token's signature, expiry and blacklist state.
func (s *TokenService) VerifyRefresh(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.parse(token, tokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	revoked, err := s.isBlacklisted(ctx, token)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// VerifyChallenge checks a temporary 2FA challenge token. Session tokens are
// rejected here the same way challenge tokens are rejected by Validate.
func (s *TokenService) VerifyChallenge(token string) (*Claims, error) {
	return s.parse(token, tokenTypeChallenge)
}

// VerifyResetToken checks a password reset token's signature and expiry.
func (s *TokenService) VerifyResetToken(token string) (*Claims, error) {
	claims, err := s.parse(token, tokenTypeReset)
	if err != nil {
		return nil, ErrResetTokenInvalid
	}
	return claims, nil
}

// Blacklist revokes the token for its remaining lifetime. The entry expires
// exactly when the token would have, so the store never accumulates history.
func (s *TokenService) Blacklist(ctx context.Context, token string, claims *Claims) error {
	if claims == nil || claims.ExpiresAt == nil {
		return ErrTokenInvalid
	}
	ttl := claims.ExpiresAt.Time.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	key := blacklistKeyPrefix + tokenDigest(token)
	var err error
	for attempt := 0; attempt < blacklistRetries; attempt++ {
		if err = s.blacklist.Set(ctx, key, "revoked", ttl); err == nil {
			obs.ObserveBlacklistWrite("ok")
			return nil
		}
	}
	obs.ObserveBlacklistWrite("error")
	return err
}

func (s *TokenService) isBlacklisted(ctx context.Context, token string) (bool, error) {
	_, err := s.blacklist.Get(ctx, blacklistKeyPrefix+tokenDigest(token))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// tokenDigest keys blacklist entries without storing the raw credential.
func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
