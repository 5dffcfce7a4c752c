package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"reservia.org/internal/audit"
	"reservia.org/internal/ids"
)

const auditColumns = `id, user_id, action, resource, method, request_path,
	source_ip, user_agent, status, execution_time_ms, changes, error, created_at`

// AuditStore persists audit entries in the audit_log table.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

func (s *AuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	changes := []byte("{}")
	if len(entry.Changes) > 0 {
		bytes, err := json.Marshal(entry.Changes)
		if err != nil {
			return fmt.Errorf("marshal changes: %w", err)
		}
		changes = bytes
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, user_id, action, resource, method, request_path,
			source_ip, user_agent, status, execution_time_ms, changes, error, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, entry.ID, entry.UserID, string(entry.Action), entry.Resource, entry.Method,
		entry.RequestPath, entry.SourceIP, entry.UserAgent, string(entry.Status),
		entry.ExecutionTimeMs, changes, entry.Error, entry.Timestamp)
	return err
}

func (s *AuditStore) ListByUser(ctx context.Context, userID string, limit int) ([]audit.Entry, error) {
	return s.list(ctx, `
		select `+auditColumns+` from audit_log
		where user_id = $1
		order by created_at desc
		limit $2
	`, userID, limit)
}

func (s *AuditStore) ListByResource(ctx context.Context, resource string, limit int) ([]audit.Entry, error) {
	return s.list(ctx, `
		select `+auditColumns+` from audit_log
		where resource = $1
		order by created_at desc
		limit $2
	`, resource, limit)
}

func (s *AuditStore) ListFailuresSince(ctx context.Context, since time.Time, limit int) ([]audit.Entry, error) {
	return s.list(ctx, `
		select `+auditColumns+` from audit_log
		where status = $1 and created_at >= $2
		order by created_at desc
		limit $3
	`, string(audit.StatusFailed), since, limit)
}

func (s *AuditStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from audit_log where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *AuditStore) list(ctx context.Context, query string, args ...any) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			entry          audit.Entry
			action, status string
			changes        []byte
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &action, &entry.Resource,
			&entry.Method, &entry.RequestPath, &entry.SourceIP, &entry.UserAgent,
			&status, &entry.ExecutionTimeMs, &changes, &entry.Error, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.Action = audit.Action(action)
		entry.Status = audit.Status(status)
		if len(changes) > 0 && string(changes) != "{}" {
			if err := json.Unmarshal(changes, &entry.Changes); err != nil {
				return nil, fmt.Errorf("decode changes: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
