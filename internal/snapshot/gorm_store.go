package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// upsertColumns are rewritten when a date already has a row.
var upsertColumns = []string{
	"revenue", "revenue_delivered", "order_count", "delivered_count",
	"cancelled_count", "new_users", "active_customers", "avg_delivery_minutes",
	"complaints_total", "complaints_pending", "active_shops",
	"shops_with_orders", "computed_at",
}

// GormStore persists snapshots in PostgreSQL through gorm. It shares the
// application's *sql.DB pool rather than opening its own.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore wraps an open connection pool.
func NewGormStore(sqlDB *sql.DB) (*GormStore, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) Upsert(ctx context.Context, s *Snapshot) error {
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(s).Error
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot %s: %w", s.Date.Format(DateLayout), err)
	}
	return nil
}

func (g *GormStore) Get(ctx context.Context, date time.Time) (*Snapshot, error) {
	var s Snapshot
	err := g.db.WithContext(ctx).
		Where("date = ?::date", date.Format(DateLayout)).
		Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	s.Date = s.Date.UTC()
	return &s, nil
}

func (g *GormStore) Range(ctx context.Context, from, to time.Time) ([]*Snapshot, error) {
	var rows []*Snapshot
	err := g.db.WithContext(ctx).
		Where("date BETWEEN ?::date AND ?::date", from.Format(DateLayout), to.Format(DateLayout)).
		Order("date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	for _, s := range rows {
		s.Date = s.Date.UTC()
	}
	return rows, nil
}
