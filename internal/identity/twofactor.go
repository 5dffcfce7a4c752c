package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"reservia.org/internal/obs"
)

const (
	backupCodeCount = 10
	backupCodeBytes = 5

	totpPeriod = 30
	// Two steps either side of the current window absorb client clock skew.
	totpSkew = 2
)

// TwoFactorEngine generates and verifies time-based one-time codes and
// single-use backup codes.
type TwoFactorEngine struct {
	store  Store
	issuer string
	now    func() time.Time
}

// TwoFactorOption configures TwoFactorEngine behavior.
type TwoFactorOption func(*TwoFactorEngine)

// WithTwoFactorClock overrides the time source (useful for tests).
func WithTwoFactorClock(fn func() time.Time) TwoFactorOption {
	return func(e *TwoFactorEngine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewTwoFactorEngine constructs the engine. Issuer names the service inside
// authenticator apps.
func NewTwoFactorEngine(store Store, issuer string, opts ...TwoFactorOption) *TwoFactorEngine {
	e := &TwoFactorEngine{
		store:  store,
		issuer: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Setup generates a fresh shared secret, provisioning URI and backup code
// preview. Nothing is persisted: setup is provisional until Enable confirms
// the user's authenticator produces valid codes.
func (e *TwoFactorEngine) Setup(ctx context.Context, userID string) (*TwoFactorSetup, error) {
	user, err := e.store.Users().FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: user.Email,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	codes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	return &TwoFactorSetup{
		Secret:      key.Secret(),
		QRPayload:   key.URL(),
		BackupCodes: codes,
	}, nil
}

// Enable verifies the submitted code against the provisional secret and, on
// success, persists the secret plus a fresh backup code set atomically. A
// wrong code leaves the account untouched.
func (e *TwoFactorEngine) Enable(ctx context.Context, userID, code, secret string) ([]string, error) {
	user, err := e.store.Users().FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorEnabled
	}
	if !e.validateCode(code, secret) {
		obs.ObserveTwoFactorCheck("enable_failed")
		return nil, ErrInvalidVerification
	}

	codes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	user.TwoFactorEnabled = true
	user.TwoFactorSecret = secret
	user.TwoFactorBackupCodes = hashBackupCodes(codes)
	if err := e.store.Users().Update(ctx, user); err != nil {
		return nil, err
	}
	obs.ObserveTwoFactorCheck("enabled")
	return codes, nil
}

// Verify checks a time-based code against the persisted secret.
func (e *TwoFactorEngine) Verify(ctx context.Context, userID, code string) (bool, error) {
	user, err := e.store.Users().FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return e.VerifyForUser(user, code)
}

// VerifyForUser checks a code for an already-resolved user record.
func (e *TwoFactorEngine) VerifyForUser(user *User, code string) (bool, error) {
	if !user.TwoFactorEnabled || user.TwoFactorSecret == "" {
		return false, ErrTwoFactorNotEnabled
	}
	ok := e.validateCode(code, user.TwoFactorSecret)
	if ok {
		obs.ObserveTwoFactorCheck("ok")
	} else {
		obs.ObserveTwoFactorCheck("failed")
	}
	return ok, nil
}

// Disable clears the secret and backup codes in a single write.
func (e *TwoFactorEngine) Disable(ctx context.Context, userID string) error {
	user, err := e.store.Users().FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}
	user.TwoFactorEnabled = false
	user.TwoFactorSecret = ""
	user.TwoFactorBackupCodes = nil
	return e.store.Users().Update(ctx, user)
}

// UseBackupCode consumes a single-use backup code. A matched code is removed
// before the call returns; a miss has no persistence side effect.
func (e *TwoFactorEngine) UseBackupCode(ctx context.Context, userID, code string) (bool, error) {
	user, err := e.store.Users().FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if !user.TwoFactorEnabled {
		return false, ErrTwoFactorNotEnabled
	}

	digest := hashBackupCode(code)
	idx := -1
	for i, stored := range user.TwoFactorBackupCodes {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(digest)) == 1 {
			idx = i
			break
		}
	}
	if idx < 0 {
		obs.ObserveTwoFactorCheck("backup_failed")
		return false, nil
	}

	user.TwoFactorBackupCodes = append(user.TwoFactorBackupCodes[:idx], user.TwoFactorBackupCodes[idx+1:]...)
	if err := e.store.Users().Update(ctx, user); err != nil {
		return false, err
	}
	obs.ObserveTwoFactorCheck("backup_ok")
	return true, nil
}

// RegenerateBackupCodes replaces the full backup code set.
func (e *TwoFactorEngine) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	user, err := e.store.Users().FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}
	codes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	user.TwoFactorBackupCodes = hashBackupCodes(codes)
	if err := e.store.Users().Update(ctx, user); err != nil {
		return nil, err
	}
	return codes, nil
}

func (e *TwoFactorEngine) validateCode(code, secret string) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, e.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func generateBackupCodes() ([]string, error) {
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	codes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		raw := make([]byte, backupCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes = append(codes, enc.EncodeToString(raw))
	}
	return codes, nil
}

// Backup codes are stored hashed so a leaked user record cannot be replayed.
func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}

func hashBackupCodes(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = hashBackupCode(c)
	}
	return out
}
