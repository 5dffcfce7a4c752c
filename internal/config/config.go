package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is an immutable snapshot of the service configuration, loaded once at
// startup and passed down explicitly. Reload happens only by restarting or by
// calling Load again at a defined point and swapping the snapshot.
type Config struct {
	ListenAddr string
	PGDSN      string
	RedisAddr  string
	RedisDB    int

	TokenSecret  string
	TokenIssuer  string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	ChallengeTTL time.Duration
	ResetTTL     time.Duration

	RegistrationEnabled bool
	SSOEnabled          bool
	// SSODomainRoles maps an email domain to the role provisioned for new
	// SSO users from that domain. Empty-string key is the fallback role.
	SSODomainRoles map[string]string

	AuditRetentionDays int
	AuditBufferSize    int

	RateLimitPerSecond int
	RateLimitBurst     int
}

const envPrefix = "RESERVIA_"

// Load reads configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:          getEnv("ADDR", ":8080"),
		PGDSN:               getEnv("PG_DSN", ""),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		TokenSecret:         getEnv("TOKEN_SECRET", ""),
		TokenIssuer:         getEnv("TOKEN_ISSUER", "reservia-identity"),
		AccessTTL:           15 * time.Minute,
		RefreshTTL:          14 * 24 * time.Hour,
		ChallengeTTL:        5 * time.Minute,
		ResetTTL:            15 * time.Minute,
		RegistrationEnabled: getBool("REGISTRATION_ENABLED", true),
		SSOEnabled:          getBool("SSO_ENABLED", false),
		SSODomainRoles:      map[string]string{"": "MEMBER"},
		AuditRetentionDays:  90,
		AuditBufferSize:     256,
		RateLimitPerSecond:  20,
		RateLimitBurst:      40,
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.AccessTTL, err = getDuration("ACCESS_TTL", cfg.AccessTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = getDuration("REFRESH_TTL", cfg.RefreshTTL); err != nil {
		return Config{}, err
	}
	if cfg.ChallengeTTL, err = getDuration("CHALLENGE_TTL", cfg.ChallengeTTL); err != nil {
		return Config{}, err
	}
	if cfg.ResetTTL, err = getDuration("RESET_TTL", cfg.ResetTTL); err != nil {
		return Config{}, err
	}
	if cfg.AuditRetentionDays, err = getInt("AUDIT_RETENTION_DAYS", cfg.AuditRetentionDays); err != nil {
		return Config{}, err
	}
	if cfg.AuditBufferSize, err = getInt("AUDIT_BUFFER_SIZE", cfg.AuditBufferSize); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitPerSecond, err = getInt("RATE_LIMIT_PER_SECOND", cfg.RateLimitPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return Config{}, err
	}

	if mapping := getEnv("SSO_DOMAIN_ROLES", ""); mapping != "" {
		parsed, err := parseDomainRoles(mapping)
		if err != nil {
			return Config{}, err
		}
		cfg.SSODomainRoles = parsed
	}

	return cfg, nil
}

// RoleForDomain resolves the role assigned to freshly provisioned SSO users.
func (c Config) RoleForDomain(email string) string {
	domain := ""
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		domain = strings.ToLower(email[at+1:])
	}
	if role, ok := c.SSODomainRoles[domain]; ok {
		return role
	}
	return c.SSODomainRoles[""]
}

// parseDomainRoles parses "example.com=STAFF,partner.io=PARTNER,=MEMBER".
func parseDomainRoles(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			return nil, fmt.Errorf("config: invalid domain role mapping %q", pair)
		}
		domain := strings.ToLower(strings.TrimSpace(pair[:eq]))
		role := strings.TrimSpace(pair[eq+1:])
		if role == "" {
			return nil, fmt.Errorf("config: empty role in mapping %q", pair)
		}
		out[domain] = role
	}
	if _, ok := out[""]; !ok {
		out[""] = "MEMBER"
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", envPrefix+key, err)
	}
	return parsed, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration: %w", envPrefix+key, err)
	}
	return parsed, nil
}
