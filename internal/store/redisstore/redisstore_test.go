package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"reservia.org/internal/identity"
)

func testStore(t *testing.T) (*SecretStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestSetGetDelete(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "reset:user-1", "token-value", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "reset:user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "token-value" {
		t.Fatalf("value = %q", got)
	}

	if err := s.Delete(ctx, "reset:user-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "reset:user-1"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
}

func TestGetMissingKey(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.Get(context.Background(), "never-set"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKeysAreNamespaced(t *testing.T) {
	s, mr := testStore(t)
	if err := s.Set(context.Background(), "bl:abc", "1", 0); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("identity:bl:abc") {
		t.Fatal("key not stored under the identity prefix")
	}
}

func TestTTLExpiry(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "bl:abc", "1", 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(9 * time.Minute)
	if _, err := s.Get(ctx, "bl:abc"); err != nil {
		t.Fatalf("before expiry: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := s.Get(ctx, "bl:abc"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("after expiry: %v", err)
	}
}

func TestPing(t *testing.T) {
	s, mr := testStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	mr.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure after server shutdown")
	}
}
