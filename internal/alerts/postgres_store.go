package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists alerts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the fraud_alerts table if it doesn't exist. The partial
// unique index enforces one open alert per (type, target) for non-system
// targets.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_alerts (
			id               BIGSERIAL PRIMARY KEY,
			alert_type       VARCHAR(30) NOT NULL,
			severity         VARCHAR(10) NOT NULL DEFAULT 'warning',
			status           VARCHAR(15) NOT NULL DEFAULT 'active',
			target_type      VARCHAR(20) NOT NULL,
			target_id        VARCHAR(255) NOT NULL DEFAULT '',
			target_name      VARCHAR(255) NOT NULL DEFAULT '',
			title            VARCHAR(255) NOT NULL,
			description      TEXT NOT NULL,
			metadata         JSONB NOT NULL DEFAULT '{}',
			resolved_by      VARCHAR(255) NOT NULL DEFAULT '',
			resolved_at      TIMESTAMPTZ,
			resolution_note  TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_alerts_status_severity
			ON fraud_alerts (status, severity, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_fraud_alerts_type
			ON fraud_alerts (alert_type, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_fraud_alerts_target
			ON fraud_alerts (target_type, target_id);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_fraud_alerts_open_target
			ON fraud_alerts (alert_type, target_type, target_id)
			WHERE status IN ('active', 'investigating') AND target_type <> 'system';
	`)
	return err
}

const alertColumns = `id, alert_type, severity, status, target_type, target_id, target_name,
		title, description, metadata, resolved_by, resolved_at, resolution_note,
		created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, a *Alert) error {
	metaJSON, err := marshalMetadata(a.Metadata)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO fraud_alerts (
			alert_type, severity, status, target_type, target_id, target_name,
			title, description, metadata, resolved_by, resolved_at, resolution_note,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		string(a.Type), string(a.Severity), string(a.Status),
		a.Target.Type, a.Target.ID, a.Target.Name,
		a.Title, a.Description, metaJSON,
		a.ResolvedBy, nullTime(a.ResolvedAt), a.ResolutionNote,
		a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateOpen
		}
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM fraud_alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	return a, err
}

func (s *PostgresStore) Update(ctx context.Context, a *Alert) error {
	metaJSON, err := marshalMetadata(a.Metadata)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE fraud_alerts SET
			status = $1, metadata = $2, resolved_by = $3, resolved_at = $4,
			resolution_note = $5, updated_at = $6
		WHERE id = $7`,
		string(a.Status), metaJSON, a.ResolvedBy, nullTime(a.ResolvedAt),
		a.ResolutionNote, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func (s *PostgresStore) FindOpen(ctx context.Context, typ Type, target Target) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM fraud_alerts
		WHERE alert_type = $1 AND target_type = $2 AND target_id = $3
		  AND status IN ('active', 'investigating')
		ORDER BY created_at DESC
		LIMIT 1`,
		string(typ), target.Type, target.ID,
	)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *PostgresStore) ExistsSince(ctx context.Context, typ Type, statuses []Status, since time.Time) (bool, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM fraud_alerts
			WHERE alert_type = $1 AND status = ANY($2) AND created_at >= $3
		)`,
		string(typ), pq.Array(names), since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recent alerts: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Alert, int, error) {
	where, args := filterClause(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fraud_alerts`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = PageSize
	}
	args = append(args, limit, f.Offset)
	query := `SELECT ` + alertColumns + ` FROM fraud_alerts` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	alerts, err := scanAlerts(rows)
	return alerts, total, err
}

func (s *PostgresStore) CountActive(ctx context.Context) (int, int, error) {
	var active, critical int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE severity = 'critical')
		FROM fraud_alerts WHERE status = 'active'`,
	).Scan(&active, &critical)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count active alerts: %w", err)
	}
	return active, critical, nil
}

func (s *PostgresStore) Summary(ctx context.Context) (*Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_type, severity, COUNT(*),
		       COALESCE(SUM((metadata->>'risk_score')::numeric), 0)::float8
		FROM fraud_alerts
		WHERE status = 'active'
		GROUP BY alert_type, severity`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sum := &Summary{
		ByType:     make(map[Type]int),
		BySeverity: make(map[Severity]int),
	}
	var scoreSum float64
	for rows.Next() {
		var (
			typ, sev string
			count    int
			scores   float64
		)
		if err := rows.Scan(&typ, &sev, &count, &scores); err != nil {
			return nil, err
		}
		sum.TotalActive += count
		sum.ByType[Type(typ)] += count
		sum.BySeverity[Severity(sev)] += count
		if Severity(sev) == SeverityCritical {
			sum.CriticalCount += count
		}
		scoreSum += scores
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if sum.TotalActive > 0 {
		sum.AvgRiskScore = roundTenth(scoreSum / float64(sum.TotalActive))
	}
	return sum, nil
}

func (s *PostgresStore) MaxID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM fraud_alerts`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read max alert id: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListActiveAfter(ctx context.Context, afterID int64, limit int) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM fraud_alerts
		WHERE id > $1 AND status = 'active'
		ORDER BY id ASC
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list new alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanAlerts(rows)
}

func filterClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col, val string) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Severity != "" {
		add("severity", string(f.Severity))
	}
	if f.Type != "" {
		add("alert_type", string(f.Type))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (*Alert, error) {
	var (
		a          Alert
		typ        string
		severity   string
		status     string
		metaJSON   []byte
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&a.ID, &typ, &severity, &status,
		&a.Target.Type, &a.Target.ID, &a.Target.Name,
		&a.Title, &a.Description, &metaJSON,
		&a.ResolvedBy, &resolvedAt, &a.ResolutionNote,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Type = Type(typ)
	a.Severity = Severity(severity)
	a.Status = Status(status)
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode alert metadata: %w", err)
		}
	}
	return &a, nil
}

func scanAlerts(rows *sql.Rows) ([]*Alert, error) {
	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert metadata: %w", err)
	}
	return b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
