package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, admin_uid, admin_name, action, target_type, target_id,
			details, ip_address, risk_level, session_id, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.AdminUID, e.AdminName, e.Action, e.TargetType, e.TargetID,
		details, e.IPAddress, e.RiskLevel, e.SessionID, e.UserAgent, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Entry, int, error) {
	var (
		conds []string
		args  []any
	)
	if q.Action != "" {
		args = append(args, q.Action)
		conds = append(conds, fmt.Sprintf("action = $%d", len(args)))
	}
	if q.AdminUID != "" {
		args = append(args, q.AdminUID)
		conds = append(conds, fmt.Sprintf("admin_uid = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, q.Offset)
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, admin_uid, admin_name, action, target_type, target_id,
		       details, ip_address, risk_level, session_id, user_agent, created_at
		FROM audit_logs`+where+
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var (
			e       Entry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.AdminUID, &e.AdminName, &e.Action, &e.TargetType, &e.TargetID,
			&details, &e.IPAddress, &e.RiskLevel, &e.SessionID, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, 0, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}
