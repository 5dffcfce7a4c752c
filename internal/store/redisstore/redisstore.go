// Package redisstore backs the TTL secret store (token blacklist, password
// reset tokens) with Redis so revocation is shared across replicas.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"reservia.org/internal/identity"
)

const keyPrefix = "identity:"

// SecretStore implements identity.SecretStore on a Redis client.
type SecretStore struct {
	client *redis.Client
}

var _ identity.SecretStore = (*SecretStore)(nil)

// Open connects and verifies the server is reachable.
func Open(ctx context.Context, addr string, db int) (*SecretStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &SecretStore{client: client}, nil
}

// New wraps an existing client (used by tests with miniredis).
func New(client *redis.Client) *SecretStore { return &SecretStore{client: client} }

func (s *SecretStore) Close() error { return s.client.Close() }

// Ping reports backend health for the readiness probe.
func (s *SecretStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *SecretStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

func (s *SecretStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", identity.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *SecretStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, keyPrefix+key).Err()
}
