// Package snapshot computes and stores one row of marketplace KPIs per day.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire and storage format of a snapshot date.
const DateLayout = "2006-01-02"

// ErrNotFound is returned when no snapshot exists for a date.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the daily metrics row. Date is midnight UTC of the day it
// describes.
type Snapshot struct {
	Date               time.Time       `gorm:"column:date;type:date;primaryKey"`
	Revenue            decimal.Decimal `gorm:"column:revenue;type:numeric(12,2);not null"`
	RevenueDelivered   decimal.Decimal `gorm:"column:revenue_delivered;type:numeric(12,2);not null"`
	OrderCount         int             `gorm:"column:order_count;not null"`
	DeliveredCount     int             `gorm:"column:delivered_count;not null"`
	CancelledCount     int             `gorm:"column:cancelled_count;not null"`
	NewUsers           int             `gorm:"column:new_users;not null"`
	ActiveCustomers    int             `gorm:"column:active_customers;not null"`
	AvgDeliveryMinutes float64         `gorm:"column:avg_delivery_minutes;not null"`
	ComplaintsTotal    int             `gorm:"column:complaints_total;not null"`
	ComplaintsPending  int             `gorm:"column:complaints_pending;not null"`
	ActiveShops        int             `gorm:"column:active_shops;not null"`
	ShopsWithOrders    int             `gorm:"column:shops_with_orders;not null"`
	ComputedAt         time.Time       `gorm:"column:computed_at;not null"`
}

// TableName maps Snapshot onto the daily metrics table.
func (Snapshot) TableName() string { return "admin_metrics_daily" }

// Day returns t's calendar date in loc as midnight UTC.
func Day(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MarshalJSON renders the date as YYYY-MM-DD and money as fixed two-place strings.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Date               string  `json:"date"`
		Revenue            string  `json:"revenue"`
		RevenueDelivered   string  `json:"revenue_delivered"`
		OrderCount         int     `json:"order_count"`
		DeliveredCount     int     `json:"delivered_count"`
		CancelledCount     int     `json:"cancelled_count"`
		NewUsers           int     `json:"new_users"`
		ActiveCustomers    int     `json:"active_customers"`
		AvgDeliveryMinutes float64 `json:"avg_delivery_minutes"`
		ComplaintsTotal    int     `json:"complaints_total"`
		ComplaintsPending  int     `json:"complaints_pending"`
		ActiveShops        int     `json:"active_shops"`
		ShopsWithOrders    int     `json:"shops_with_orders"`
		ComputedAt         string  `json:"computed_at"`
	}{
		Date:               s.Date.Format(DateLayout),
		Revenue:            s.Revenue.StringFixed(2),
		RevenueDelivered:   s.RevenueDelivered.StringFixed(2),
		OrderCount:         s.OrderCount,
		DeliveredCount:     s.DeliveredCount,
		CancelledCount:     s.CancelledCount,
		NewUsers:           s.NewUsers,
		ActiveCustomers:    s.ActiveCustomers,
		AvgDeliveryMinutes: s.AvgDeliveryMinutes,
		ComplaintsTotal:    s.ComplaintsTotal,
		ComplaintsPending:  s.ComplaintsPending,
		ActiveShops:        s.ActiveShops,
		ShopsWithOrders:    s.ShopsWithOrders,
		ComputedAt:         s.ComputedAt.UTC().Format(time.RFC3339),
	})
}

// Store persists snapshots, one per date.
type Store interface {
	// Upsert inserts s or replaces the row for s.Date.
	Upsert(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, date time.Time) (*Snapshot, error)
	// Range returns snapshots with from <= date <= to, oldest first.
	Range(ctx context.Context, from, to time.Time) ([]*Snapshot, error)
}
