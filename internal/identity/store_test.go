package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeStore is an in-package map-backed Store for engine and service tests.
type fakeStore struct {
	mu    sync.RWMutex
	users map[string]User
	roles map[string]Role
	perms map[string]Permission
	seq   int

	failUserUpdate error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: make(map[string]User),
		roles: make(map[string]Role),
		perms: make(map[string]Permission),
	}
}

func (s *fakeStore) Users() UserStore             { return (*fakeUsers)(s) }
func (s *fakeStore) Roles() RoleStore             { return (*fakeRoles)(s) }
func (s *fakeStore) Permissions() PermissionStore { return (*fakePerms)(s) }

func (s *fakeStore) addUser(u User) User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		s.seq++
		u.ID = fmt.Sprintf("user-%d", s.seq)
	}
	s.users[u.ID] = u
	return u
}

func (s *fakeStore) addRole(r Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[strings.ToUpper(r.Name)] = r
}

func (s *fakeStore) addPermission(p Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[p.Code] = p
}

type fakeUsers fakeStore

func (s *fakeUsers) Create(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrConflict
		}
	}
	if u.ID == "" {
		s.seq++
		u.ID = fmt.Sprintf("user-%d", s.seq)
	}
	u.CreatedAt = time.Now().UTC()
	u.UpdatedAt = u.CreatedAt
	s.users[u.ID] = *u
	return nil
}

func (s *fakeUsers) FindByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := u
	out.Roles = append([]string(nil), u.Roles...)
	out.TwoFactorBackupCodes = append([]string(nil), u.TwoFactorBackupCodes...)
	return &out, nil
}

func (s *fakeUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			out := u
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeUsers) FindBySSO(ctx context.Context, provider, providerID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.SSOProvider == provider && u.SSOProviderID == providerID {
			out := u
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeUsers) Update(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUserUpdate != nil {
		return s.failUserUpdate
	}
	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	u.UpdatedAt = time.Now().UTC()
	s.users[u.ID] = *u
	return nil
}

type fakeRoles fakeStore

func (s *fakeRoles) Create(ctx context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToUpper(role.Name)
	if _, ok := s.roles[key]; ok {
		return ErrConflict
	}
	s.roles[key] = *role
	return nil
}

func (s *fakeRoles) FindByName(ctx context.Context, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[strings.ToUpper(name)]
	if !ok {
		return nil, ErrNotFound
	}
	out := role
	return &out, nil
}

func (s *fakeRoles) List(ctx context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fakeRoles) ListByNames(ctx context.Context, names []string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Role
	for _, name := range names {
		if role, ok := s.roles[strings.ToUpper(name)]; ok {
			out = append(out, role)
		}
	}
	return out, nil
}

func (s *fakeRoles) ListReferencingCode(ctx context.Context, code string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Role
	for _, role := range s.roles {
		for _, c := range role.PermissionCodes {
			if c == code {
				out = append(out, role)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fakeRoles) Update(ctx context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToUpper(role.Name)
	if _, ok := s.roles[key]; !ok {
		return ErrNotFound
	}
	s.roles[key] = *role
	return nil
}

func (s *fakeRoles) Rename(ctx context.Context, name, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToUpper(name)
	role, ok := s.roles[key]
	if !ok {
		return ErrNotFound
	}
	newKey := strings.ToUpper(newName)
	if _, ok := s.roles[newKey]; ok && newKey != key {
		return ErrConflict
	}
	delete(s.roles, key)
	role.Name = newKey
	s.roles[newKey] = role
	return nil
}

func (s *fakeRoles) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToUpper(name)
	if _, ok := s.roles[key]; !ok {
		return ErrNotFound
	}
	delete(s.roles, key)
	return nil
}

type fakePerms fakeStore

func (s *fakePerms) Create(ctx context.Context, perm *Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perms[perm.Code]; ok {
		return ErrConflict
	}
	s.perms[perm.Code] = *perm
	return nil
}

func (s *fakePerms) FindByCode(ctx context.Context, code string) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.perms[code]
	if !ok {
		return nil, ErrNotFound
	}
	out := perm
	return &out, nil
}

func (s *fakePerms) List(ctx context.Context) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Permission, 0, len(s.perms))
	for _, perm := range s.perms {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *fakePerms) Delete(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perms[code]; !ok {
		return ErrNotFound
	}
	delete(s.perms, code)
	return nil
}
