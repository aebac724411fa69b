package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresSource reads the marketplace tables from PostgreSQL.
type PostgresSource struct {
	db *sql.DB
}

var _ Source = (*PostgresSource)(nil)

// NewPostgresSource creates a PostgreSQL-backed marketplace read model.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (p *PostgresSource) Ping(ctx context.Context) error {
	var one int
	return p.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

func (p *PostgresSource) MaxOrderID(ctx context.Context) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM orders`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read max order id: %w", err)
	}
	return id, nil
}

func (p *PostgresSource) OrdersAfter(ctx context.Context, afterID int64, limit int) ([]Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT o.id, o.order_number, o.customer_id, o.customer_name, o.shop_id,
		       COALESCE(s.name, ''), o.total, o.payment_method, o.payment_status,
		       o.status, o.created_at, o.confirmed_at, o.delivered_at
		FROM orders o
		LEFT JOIN shops s ON s.id = o.shop_id
		WHERE o.id > $1
		ORDER BY o.id DESC
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list new orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Order
	for rows.Next() {
		var (
			o           Order
			confirmedAt sql.NullTime
			deliveredAt sql.NullTime
		)
		if err := rows.Scan(
			&o.ID, &o.OrderNumber, &o.CustomerID, &o.CustomerName, &o.ShopID,
			&o.ShopName, &o.Total, &o.PaymentMethod, &o.PaymentStatus,
			&o.Status, &o.CreatedAt, &confirmedAt, &deliveredAt,
		); err != nil {
			return nil, err
		}
		if confirmedAt.Valid {
			o.ConfirmedAt = &confirmedAt.Time
		}
		if deliveredAt.Valid {
			o.DeliveredAt = &deliveredAt.Time
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresSource) CountPendingComplaints(ctx context.Context) (int, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM complaints WHERE status = $1`, ComplaintPending)
}

func (p *PostgresSource) DeliveredRevenue(ctx context.Context, from, to time.Time) (decimal.Decimal, int, error) {
	var (
		revenue decimal.Decimal
		count   int
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total) FILTER (WHERE status = $3), 0), COUNT(*)
		FROM orders
		WHERE created_at >= $1 AND created_at < $2`,
		from, to, StatusDelivered,
	).Scan(&revenue, &count)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to sum revenue: %w", err)
	}
	return revenue, count, nil
}

func (p *PostgresSource) CountOrders(ctx context.Context) (int, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM orders`)
}

func (p *PostgresSource) CountOrdersSince(ctx context.Context, since time.Time) (int, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM orders WHERE created_at >= $1`, since)
}

func (p *PostgresSource) FirstOrderAt(ctx context.Context) (time.Time, bool, error) {
	var first sql.NullTime
	if err := p.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM orders`).Scan(&first); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read first order: %w", err)
	}
	return first.Time, first.Valid, nil
}

func (p *PostgresSource) CustomerActivitySince(ctx context.Context, since time.Time) ([]CustomerActivity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT customer_id,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = $2),
		       COUNT(*) FILTER (WHERE payment_status = $3)
		FROM orders
		WHERE created_at >= $1
		GROUP BY customer_id
		ORDER BY customer_id`, since, StatusCancelled, PaymentRefunded)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate customer activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CustomerActivity
	for rows.Next() {
		var a CustomerActivity
		if err := rows.Scan(&a.CustomerID, &a.Orders, &a.Cancelled, &a.Refunded); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresSource) CountComplaintsSince(ctx context.Context, authUID string, since time.Time) (int, error) {
	return p.count(ctx,
		`SELECT COUNT(*) FROM complaints WHERE user_auth_uid = $1 AND created_at >= $2`,
		authUID, since)
}

func (p *PostgresSource) CountUsersSince(ctx context.Context, since time.Time) (int, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM users WHERE created_at >= $1`, since)
}

func (p *PostgresSource) GetUser(ctx context.Context, id int64) (*User, error) {
	return p.user(ctx, `WHERE id = $1`, id)
}

func (p *PostgresSource) UserByAuthUID(ctx context.Context, authUID string) (*User, error) {
	return p.user(ctx, `WHERE auth_uid = $1`, authUID)
}

func (p *PostgresSource) user(ctx context.Context, where string, arg any) (*User, error) {
	u := &User{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, auth_uid, name, phone, email, role, is_active, created_at
		FROM users `+where, arg,
	).Scan(&u.ID, &u.AuthUID, &u.Name, &u.Phone, &u.Email, &u.Role, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

func (p *PostgresSource) DayStats(ctx context.Context, from, to time.Time) (*DayStats, error) {
	stats := &DayStats{}

	var avgDelivery sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = $3),
		       COUNT(*) FILTER (WHERE status = $4),
		       COALESCE(SUM(total), 0),
		       COALESCE(SUM(total) FILTER (WHERE status = $3), 0),
		       AVG(EXTRACT(EPOCH FROM (delivered_at - confirmed_at)) / 60)
		           FILTER (WHERE status = $3 AND delivered_at IS NOT NULL AND confirmed_at IS NOT NULL),
		       COUNT(DISTINCT customer_id),
		       COUNT(DISTINCT shop_id)
		FROM orders
		WHERE created_at >= $1 AND created_at < $2`,
		from, to, StatusDelivered, StatusCancelled,
	).Scan(
		&stats.OrderCount, &stats.DeliveredCount, &stats.CancelledCount,
		&stats.Revenue, &stats.RevenueDelivered, &avgDelivery,
		&stats.ActiveCustomers, &stats.ShopsWithOrders,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate orders: %w", err)
	}
	if avgDelivery.Valid {
		stats.AvgDeliveryMinutes = roundTenth(avgDelivery.Float64)
	}

	if stats.NewUsers, err = p.count(ctx,
		`SELECT COUNT(*) FROM users WHERE created_at >= $1 AND created_at < $2`, from, to); err != nil {
		return nil, err
	}

	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $3)
		FROM complaints
		WHERE created_at >= $1 AND created_at < $2`,
		from, to, ComplaintPending,
	).Scan(&stats.ComplaintsTotal, &stats.ComplaintsPending)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate complaints: %w", err)
	}

	if stats.ActiveShops, err = p.count(ctx,
		`SELECT COUNT(*) FROM shops WHERE status = $1 AND is_active`, ShopApproved); err != nil {
		return nil, err
	}

	return stats, nil
}

func (p *PostgresSource) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}
