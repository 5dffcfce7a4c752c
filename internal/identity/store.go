package identity

import (
	"context"
	"time"
)

// Store describes persistence required by the identity core. The backing
// store is an implementation detail behind this contract; every mutation is a
// single-record read-modify-write applied atomically at the store layer.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Permissions() PermissionStore
}

// UserStore manages user records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindBySSO(ctx context.Context, provider, providerID string) (*User, error)
	Update(ctx context.Context, u *User) error
}

// RoleStore manages roles.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	ListByNames(ctx context.Context, names []string) ([]Role, error)
	ListReferencingCode(ctx context.Context, code string) ([]Role, error)
	Update(ctx context.Context, role *Role) error
	Rename(ctx context.Context, name, newName string) error
	Delete(ctx context.Context, name string) error
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Create(ctx context.Context, perm *Permission) error
	FindByCode(ctx context.Context, code string) (*Permission, error)
	List(ctx context.Context) ([]Permission, error)
	Delete(ctx context.Context, code string) error
}

// SecretStore is a TTL-capable key-value store used for token blacklist
// entries and short-lived password reset tokens. Get returns ErrNotFound for
// absent or expired keys.
type SecretStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}
