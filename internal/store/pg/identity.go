package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"reservia.org/internal/identity"
	"reservia.org/internal/ids"
)

const userColumns = `id, email, first_name, last_name, password_hash, roles,
	direct_permissions, is_active, is_email_verified, two_factor_enabled,
	two_factor_secret, two_factor_backup_codes, sso_provider, sso_provider_id,
	last_login, password_changed_at, created_at, updated_at`

type userStore struct {
	db *sql.DB
}

func (s *userStore) Create(ctx context.Context, u *identity.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	roles, err := encodeStrings(u.Roles)
	if err != nil {
		return err
	}
	direct, err := encodeStrings(u.DirectPermissions)
	if err != nil {
		return err
	}
	backup, err := encodeStrings(u.TwoFactorBackupCodes)
	if err != nil {
		return err
	}

	row := s.db.QueryRowContext(ctx, `
		insert into users (id, email, first_name, last_name, password_hash, roles,
			direct_permissions, is_active, is_email_verified, two_factor_enabled,
			two_factor_secret, two_factor_backup_codes, sso_provider, sso_provider_id)
		values ($1, lower($2), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		returning created_at, updated_at
	`, u.ID, u.Email, u.FirstName, u.LastName, u.PasswordHash, roles,
		direct, u.IsActive, u.IsEmailVerified, u.TwoFactorEnabled,
		u.TwoFactorSecret, backup, u.SSOProvider, u.SSOProviderID)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: email already registered", identity.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *userStore) FindByID(ctx context.Context, id string) (*identity.User, error) {
	return s.one(ctx, `select `+userColumns+` from users where id = $1`, id)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	return s.one(ctx, `select `+userColumns+` from users where email = lower($1)`, email)
}

func (s *userStore) FindBySSO(ctx context.Context, provider, providerID string) (*identity.User, error) {
	return s.one(ctx, `
		select `+userColumns+` from users
		where sso_provider = $1 and sso_provider_id = $2
	`, provider, providerID)
}

func (s *userStore) Update(ctx context.Context, u *identity.User) error {
	roles, err := encodeStrings(u.Roles)
	if err != nil {
		return err
	}
	direct, err := encodeStrings(u.DirectPermissions)
	if err != nil {
		return err
	}
	backup, err := encodeStrings(u.TwoFactorBackupCodes)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		update users set
			email = lower($2), first_name = $3, last_name = $4, password_hash = $5,
			roles = $6, direct_permissions = $7, is_active = $8, is_email_verified = $9,
			two_factor_enabled = $10, two_factor_secret = $11, two_factor_backup_codes = $12,
			sso_provider = $13, sso_provider_id = $14, last_login = $15,
			password_changed_at = $16, updated_at = now()
		where id = $1
	`, u.ID, u.Email, u.FirstName, u.LastName, u.PasswordHash,
		roles, direct, u.IsActive, u.IsEmailVerified,
		u.TwoFactorEnabled, u.TwoFactorSecret, backup,
		u.SSOProvider, u.SSOProviderID, u.LastLogin, u.PasswordChangedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: email already registered", identity.ErrConflict)
		}
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *userStore) one(ctx context.Context, query string, args ...any) (*identity.User, error) {
	var (
		u                    identity.User
		roles, direct, codes []byte
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &roles,
		&direct, &u.IsActive, &u.IsEmailVerified, &u.TwoFactorEnabled,
		&u.TwoFactorSecret, &codes, &u.SSOProvider, &u.SSOProviderID,
		&u.LastLogin, &u.PasswordChangedAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if u.Roles, err = decodeStrings(roles); err != nil {
		return nil, err
	}
	if u.DirectPermissions, err = decodeStrings(direct); err != nil {
		return nil, err
	}
	if u.TwoFactorBackupCodes, err = decodeStrings(codes); err != nil {
		return nil, err
	}
	return &u, nil
}

const roleColumns = `name, display_name, permission_codes, is_active, is_system_role, created_at, updated_at`

type roleStore struct {
	db *sql.DB
}

func (s *roleStore) Create(ctx context.Context, role *identity.Role) error {
	codes, err := encodeStrings(role.PermissionCodes)
	if err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into roles (name, display_name, permission_codes, is_active, is_system_role)
		values (upper($1), $2, $3, $4, $5)
		returning created_at, updated_at
	`, role.Name, role.DisplayName, codes, role.IsActive, role.IsSystemRole)
	if err := row.Scan(&role.CreatedAt, &role.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: role %s", identity.ErrConflict, role.Name)
		}
		return err
	}
	return nil
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*identity.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+roleColumns+` from roles where name = upper($1)
	`, name)
	role, err := scanRole(row)
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (s *roleStore) List(ctx context.Context) ([]identity.Role, error) {
	return s.list(ctx, `select `+roleColumns+` from roles order by name`)
}

func (s *roleStore) ListByNames(ctx context.Context, names []string) ([]identity.Role, error) {
	if len(names) == 0 {
		return nil, nil
	}
	encoded, err := encodeStrings(names)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, `
		select `+roleColumns+` from roles
		where name in (select upper(value) from jsonb_array_elements_text($1::jsonb) as t(value))
		order by name
	`, encoded)
}

func (s *roleStore) ListReferencingCode(ctx context.Context, code string) ([]identity.Role, error) {
	return s.list(ctx, `
		select `+roleColumns+` from roles
		where permission_codes @> to_jsonb(array[$1::text])
		order by name
	`, code)
}

func (s *roleStore) Update(ctx context.Context, role *identity.Role) error {
	codes, err := encodeStrings(role.PermissionCodes)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update roles set
			display_name = $2, permission_codes = $3, is_active = $4,
			is_system_role = $5, updated_at = now()
		where name = upper($1)
	`, role.Name, role.DisplayName, codes, role.IsActive, role.IsSystemRole)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *roleStore) Rename(ctx context.Context, name, newName string) error {
	res, err := s.db.ExecContext(ctx, `
		update roles set name = upper($2), updated_at = now() where name = upper($1)
	`, name, newName)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: role %s", identity.ErrConflict, newName)
		}
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *roleStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where name = upper($1)`, name)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *roleStore) list(ctx context.Context, query string, args ...any) ([]identity.Role, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []identity.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (*identity.Role, error) {
	var (
		role  identity.Role
		codes []byte
	)
	err := row.Scan(&role.Name, &role.DisplayName, &codes, &role.IsActive,
		&role.IsSystemRole, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if role.PermissionCodes, err = decodeStrings(codes); err != nil {
		return nil, err
	}
	return &role, nil
}

type permStore struct {
	db *sql.DB
}

func (s *permStore) Create(ctx context.Context, perm *identity.Permission) error {
	row := s.db.QueryRowContext(ctx, `
		insert into permissions (code, resource, action, is_active)
		values ($1, $2, $3, $4)
		returning created_at
	`, perm.Code, perm.Resource, perm.Action, perm.IsActive)
	if err := row.Scan(&perm.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: permission %s", identity.ErrConflict, perm.Code)
		}
		return err
	}
	return nil
}

func (s *permStore) FindByCode(ctx context.Context, code string) (*identity.Permission, error) {
	var perm identity.Permission
	err := s.db.QueryRowContext(ctx, `
		select code, resource, action, is_active, created_at
		from permissions where code = $1
	`, code).Scan(&perm.Code, &perm.Resource, &perm.Action, &perm.IsActive, &perm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &perm, nil
}

func (s *permStore) List(ctx context.Context) ([]identity.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select code, resource, action, is_active, created_at
		from permissions order by code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []identity.Permission
	for rows.Next() {
		var perm identity.Permission
		if err := rows.Scan(&perm.Code, &perm.Resource, &perm.Action, &perm.IsActive, &perm.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *permStore) Delete(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, `delete from permissions where code = $1`, code)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func encodeStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	bytes, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode string list: %w", err)
	}
	return bytes, nil
}

func decodeStrings(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return out, nil
}
