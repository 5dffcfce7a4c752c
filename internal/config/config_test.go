package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.ListenAddr)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected access ttl: %v", cfg.AccessTTL)
	}
	if cfg.ChallengeTTL != 5*time.Minute {
		t.Fatalf("unexpected challenge ttl: %v", cfg.ChallengeTTL)
	}
	if cfg.AuditRetentionDays != 90 {
		t.Fatalf("unexpected retention: %d", cfg.AuditRetentionDays)
	}
	if !cfg.RegistrationEnabled {
		t.Fatal("registration should default to enabled")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RESERVIA_ACCESS_TTL", "30m")
	t.Setenv("RESERVIA_SSO_ENABLED", "true")
	t.Setenv("RESERVIA_SSO_DOMAIN_ROLES", "example.edu=STUDENT,staff.example.edu=STAFF")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AccessTTL != 30*time.Minute {
		t.Fatalf("unexpected access ttl: %v", cfg.AccessTTL)
	}
	if !cfg.SSOEnabled {
		t.Fatal("expected SSO enabled")
	}
	if got := cfg.RoleForDomain("alice@example.edu"); got != "STUDENT" {
		t.Fatalf("unexpected role: %s", got)
	}
	if got := cfg.RoleForDomain("bob@staff.example.edu"); got != "STAFF" {
		t.Fatalf("unexpected role: %s", got)
	}
	if got := cfg.RoleForDomain("eve@other.org"); got != "MEMBER" {
		t.Fatalf("unexpected fallback role: %s", got)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("RESERVIA_REFRESH_TTL", "fortnight")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestParseDomainRolesRejectsMissingRole(t *testing.T) {
	if _, err := parseDomainRoles("example.com="); err == nil {
		t.Fatal("expected error for empty role")
	}
}
