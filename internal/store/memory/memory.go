// Package memory provides in-process implementations of the identity and
// audit stores. It backs local development and single-node deployments where
// no Postgres DSN is configured, and doubles as the fixture store in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"reservia.org/internal/identity"
	"reservia.org/internal/ids"
)

// Store keeps all identity records in mutex-protected maps.
type Store struct {
	mu    sync.RWMutex
	users map[string]identity.User // keyed by id
	roles map[string]identity.Role // keyed by upper-cased name
	perms map[string]identity.Permission

	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users: make(map[string]identity.User),
		roles: make(map[string]identity.Role),
		perms: make(map[string]identity.Permission),
		now:   time.Now,
	}
}

// SetClock overrides the time source (useful for tests).
func (s *Store) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

func (s *Store) Users() identity.UserStore             { return (*userStore)(s) }
func (s *Store) Roles() identity.RoleStore             { return (*roleStore)(s) }
func (s *Store) Permissions() identity.PermissionStore { return (*permStore)(s) }

type userStore Store

func (s *userStore) Create(ctx context.Context, u *identity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(u.Email)
	for _, existing := range s.users {
		if strings.ToLower(existing.Email) == email {
			return fmt.Errorf("%w: email already registered", identity.ErrConflict)
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := s.now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *userStore) FindByID(ctx context.Context, id string) (*identity.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return cloneUserPtr(u), nil
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(email)
	for _, u := range s.users {
		if strings.ToLower(u.Email) == email {
			return cloneUserPtr(u), nil
		}
	}
	return nil, identity.ErrNotFound
}

func (s *userStore) FindBySSO(ctx context.Context, provider, providerID string) (*identity.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.SSOProvider == provider && u.SSOProviderID == providerID {
			return cloneUserPtr(u), nil
		}
	}
	return nil, identity.ErrNotFound
}

func (s *userStore) Update(ctx context.Context, u *identity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return identity.ErrNotFound
	}
	u.UpdatedAt = s.now().UTC()
	s.users[u.ID] = cloneUser(u)
	return nil
}

type roleStore Store

func roleKey(name string) string { return strings.ToUpper(strings.TrimSpace(name)) }

func (s *roleStore) Create(ctx context.Context, role *identity.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := roleKey(role.Name)
	if _, ok := s.roles[key]; ok {
		return fmt.Errorf("%w: role %s", identity.ErrConflict, role.Name)
	}
	now := s.now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	s.roles[key] = cloneRole(role)
	return nil
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*identity.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[roleKey(name)]
	if !ok {
		return nil, identity.ErrNotFound
	}
	out := cloneRole(&role)
	return &out, nil
}

func (s *roleStore) List(ctx context.Context) ([]identity.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, cloneRole(&role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *roleStore) ListByNames(ctx context.Context, names []string) ([]identity.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.Role, 0, len(names))
	for _, name := range names {
		if role, ok := s.roles[roleKey(name)]; ok {
			out = append(out, cloneRole(&role))
		}
	}
	return out, nil
}

func (s *roleStore) ListReferencingCode(ctx context.Context, code string) ([]identity.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []identity.Role
	for _, role := range s.roles {
		for _, c := range role.PermissionCodes {
			if c == code {
				out = append(out, cloneRole(&role))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *roleStore) Update(ctx context.Context, role *identity.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := roleKey(role.Name)
	if _, ok := s.roles[key]; !ok {
		return identity.ErrNotFound
	}
	role.UpdatedAt = s.now().UTC()
	s.roles[key] = cloneRole(role)
	return nil
}

func (s *roleStore) Rename(ctx context.Context, name, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := roleKey(name)
	role, ok := s.roles[key]
	if !ok {
		return identity.ErrNotFound
	}
	newKey := roleKey(newName)
	if _, ok := s.roles[newKey]; ok && newKey != key {
		return fmt.Errorf("%w: role %s", identity.ErrConflict, newName)
	}
	delete(s.roles, key)
	role.Name = newKey
	role.UpdatedAt = s.now().UTC()
	s.roles[newKey] = role
	return nil
}

func (s *roleStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := roleKey(name)
	if _, ok := s.roles[key]; !ok {
		return identity.ErrNotFound
	}
	delete(s.roles, key)
	return nil
}

type permStore Store

func (s *permStore) Create(ctx context.Context, perm *identity.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perms[perm.Code]; ok {
		return fmt.Errorf("%w: permission %s", identity.ErrConflict, perm.Code)
	}
	perm.CreatedAt = s.now().UTC()
	s.perms[perm.Code] = *perm
	return nil
}

func (s *permStore) FindByCode(ctx context.Context, code string) (*identity.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.perms[code]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return &perm, nil
}

func (s *permStore) List(ctx context.Context) ([]identity.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.Permission, 0, len(s.perms))
	for _, perm := range s.perms {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *permStore) Delete(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perms[code]; !ok {
		return identity.ErrNotFound
	}
	delete(s.perms, code)
	return nil
}

func cloneUser(u *identity.User) identity.User {
	out := *u
	out.Roles = append([]string(nil), u.Roles...)
	out.DirectPermissions = append([]string(nil), u.DirectPermissions...)
	out.TwoFactorBackupCodes = append([]string(nil), u.TwoFactorBackupCodes...)
	return out
}

func cloneUserPtr(u identity.User) *identity.User {
	out := cloneUser(&u)
	return &out
}

func cloneRole(r *identity.Role) identity.Role {
	out := *r
	out.PermissionCodes = append([]string(nil), r.PermissionCodes...)
	return out
}
