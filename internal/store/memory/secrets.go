package memory

import (
	"context"
	"sync"
	"time"

	"reservia.org/internal/identity"
)

// SecretStore is an in-process TTL key-value store. Expiry is checked lazily
// on read, which is enough for blacklist and reset-token semantics.
type SecretStore struct {
	mu      sync.Mutex
	entries map[string]secretEntry
	now     func() time.Time
}

type secretEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewSecretStore returns an empty SecretStore.
func NewSecretStore() *SecretStore {
	return &SecretStore{
		entries: make(map[string]secretEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source (useful for tests).
func (s *SecretStore) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

func (s *SecretStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := secretEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *SecretStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return "", identity.ErrNotFound
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return "", identity.ErrNotFound
	}
	return entry.value, nil
}

func (s *SecretStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
