package memory

import (
	"context"
	"sync"
	"time"

	"reservia.org/internal/audit"
)

// AuditStore is an append-only in-process audit log.
type AuditStore struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

// NewAuditStore returns an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *AuditStore) ListByUser(ctx context.Context, userID string, limit int) ([]audit.Entry, error) {
	return s.filter(limit, func(e audit.Entry) bool { return e.UserID == userID })
}

func (s *AuditStore) ListByResource(ctx context.Context, resource string, limit int) ([]audit.Entry, error) {
	return s.filter(limit, func(e audit.Entry) bool { return e.Resource == resource })
}

func (s *AuditStore) ListFailuresSince(ctx context.Context, since time.Time, limit int) ([]audit.Entry, error) {
	return s.filter(limit, func(e audit.Entry) bool {
		return e.Status == audit.StatusFailed && !e.Timestamp.Before(since)
	})
}

func (s *AuditStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var deleted int64
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return deleted, nil
}

// Len reports the number of stored entries.
func (s *AuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// filter returns matches newest first.
func (s *AuditStore) filter(limit int, keep func(audit.Entry) bool) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if keep(s.entries[i]) {
			out = append(out, s.entries[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
