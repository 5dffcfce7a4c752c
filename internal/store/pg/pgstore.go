// Package pg implements the identity and audit stores on PostgreSQL via the
// pgx stdlib driver.
package pg

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"reservia.org/internal/identity"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store wraps a pooled connection and exposes the identity sub-stores.
type Store struct {
	db *sql.DB
}

var _ identity.Store = (*Store)(nil)

// Open connects to the DSN and applies pool tuning.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (used by tests with sqlmock).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Users() identity.UserStore             { return &userStore{db: s.db} }
func (s *Store) Roles() identity.RoleStore             { return &roleStore{db: s.db} }
func (s *Store) Permissions() identity.PermissionStore { return &permStore{db: s.db} }

// Audit returns the audit log store backed by the same pool.
func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
