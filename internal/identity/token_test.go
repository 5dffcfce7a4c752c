package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeSecrets is a minimal TTL store for token tests.
type fakeSecrets struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
	now     func() time.Time
}

func newFakeSecrets(now func() time.Time) *fakeSecrets {
	return &fakeSecrets{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
		now:     now,
	}
}

func (f *fakeSecrets) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	if ttl > 0 {
		f.expires[key] = f.now().Add(ttl)
	}
	return nil
}

func (f *fakeSecrets) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	val, ok := f.values[key]
	if !ok {
		return "", ErrNotFound
	}
	if exp, ok := f.expires[key]; ok && !f.now().Before(exp) {
		delete(f.values, key)
		return "", ErrNotFound
	}
	return val, nil
}

func (f *fakeSecrets) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func testTokenService(t *testing.T, now *time.Time) *TokenService {
	t.Helper()
	clock := func() time.Time { return *now }
	svc, err := NewTokenService("test-secret", "reservia-identity", newFakeSecrets(clock),
		WithTokenClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func testUser() *User {
	return &User{
		ID:              "user-1",
		Email:           "ada@example.com",
		Roles:           []string{"MEMBER"},
		IsActive:        true,
		IsEmailVerified: true,
	}
}

func TestIssuePairAndValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testTokenService(t, &now)
	ctx := context.Background()

	pair, err := svc.IssuePair(testUser(), []string{"bookings:read"})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := svc.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "user-1" || claims.Email != "ada@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != "bookings:read" {
		t.Fatalf("unexpected permissions: %v", claims.Permissions)
	}
}

func TestValidateRejectsWrongTokenType(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testTokenService(t, &now)
	ctx := context.Background()
	user := testUser()

	challenge, err := svc.IssueChallenge(user)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Validate(ctx, challenge); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("challenge token accepted as access token: %v", err)
	}

	pair, err := svc.IssuePair(user, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.VerifyRefresh(ctx, pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("access token accepted as refresh token: %v", err)
	}
	if _, err := svc.VerifyChallenge(pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("access token accepted as challenge: %v", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testTokenService(t, &now)
	ctx := context.Background()

	pair, err := svc.IssuePair(testUser(), nil)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(16 * time.Minute)
	if _, err := svc.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestBlacklistRevokesToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testTokenService(t, &now)
	ctx := context.Background()

	pair, err := svc.IssuePair(testUser(), nil)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := svc.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Blacklist(ctx, pair.AccessToken, claims); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	// the refresh half stays usable
	if _, err := svc.VerifyRefresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("refresh token unexpectedly revoked: %v", err)
	}
}

func TestBlacklistEntryExpiresWithToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testTokenService(t, &now)
	ctx := context.Background()

	pair, err := svc.IssuePair(testUser(), nil)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := svc.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Blacklist(ctx, pair.AccessToken, claims); err != nil {
		t.Fatal(err)
	}

	// After natural expiry the blacklist entry is gone and the token fails
	// on expiry, not on revocation.
	now = now.Add(20 * time.Minute)
	if _, err := svc.Validate(ctx, pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid after expiry, got %v", err)
	}
}

func TestVerifyResetToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := testTokenService(t, &now)

	token, err := svc.IssueResetToken(testUser(), 15*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := svc.VerifyResetToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}

	now = now.Add(16 * time.Minute)
	if _, err := svc.VerifyResetToken(token); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("expired reset token accepted: %v", err)
	}

	pair, err := svc.IssuePair(testUser(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.VerifyResetToken(pair.AccessToken); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("access token accepted as reset token: %v", err)
	}
}

func TestTokenIssuerMismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	issuerA, err := NewTokenService("test-secret", "service-a", newFakeSecrets(clock), WithTokenClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	issuerB, err := NewTokenService("test-secret", "service-b", newFakeSecrets(clock), WithTokenClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	pair, err := issuerA.IssuePair(testUser(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuerB.Validate(context.Background(), pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("token from another issuer accepted: %v", err)
	}
}
