// Package marketplace is the read model over the marketplace's business
// tables (orders, users, complaints, shops). The ops center never writes
// these tables; it polls them for deltas and aggregates.
package marketplace

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound = errors.New("user not found")
)

// Order statuses and payment states the ops center reacts to.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusDelivered = "delivered"
	StatusCancelled = "cancelled"

	PaymentRefunded = "refunded"

	ComplaintPending = "pending"

	RoleAdmin    = "admin"
	RoleCustomer = "customer"

	ShopApproved = "approved"
)

// Order is a marketplace order as seen by the ops center.
type Order struct {
	ID            int64
	OrderNumber   string
	CustomerID    int64
	CustomerName  string
	ShopID        int64
	ShopName      string
	Total         decimal.Decimal
	PaymentMethod string
	PaymentStatus string
	Status        string
	CreatedAt     time.Time
	ConfirmedAt   *time.Time
	DeliveredAt   *time.Time
}

// User is a marketplace account. AuthUID is the identity provider subject.
type User struct {
	ID        int64
	AuthUID   string
	Name      string
	Phone     string
	Email     string
	Role      string
	IsActive  bool
	CreatedAt time.Time
}

// DisplayName is the name shown in alerts, falling back to phone.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Phone
}

// Complaint is a customer complaint.
type Complaint struct {
	ID          int64
	UserAuthUID string
	Status      string
	CreatedAt   time.Time
}

// Shop is a marketplace storefront.
type Shop struct {
	ID       int64
	Name     string
	Status   string
	IsActive bool
}

// CustomerActivity aggregates one customer's orders since a point in time.
type CustomerActivity struct {
	CustomerID int64
	Orders     int
	Cancelled  int
	Refunded   int
}

// DayStats is the raw aggregate behind a daily metrics snapshot.
type DayStats struct {
	OrderCount         int
	DeliveredCount     int
	CancelledCount     int
	Revenue            decimal.Decimal
	RevenueDelivered   decimal.Decimal
	AvgDeliveryMinutes float64
	NewUsers           int
	ActiveCustomers    int
	ComplaintsTotal    int
	ComplaintsPending  int
	ActiveShops        int
	ShopsWithOrders    int
}

// Source reads marketplace state. Time windows are half-open [from, to).
type Source interface {
	Ping(ctx context.Context) error

	// Feed cursors and deltas.
	MaxOrderID(ctx context.Context) (int64, error)
	// OrdersAfter returns up to limit orders with id > afterID, newest first.
	OrdersAfter(ctx context.Context, afterID int64, limit int) ([]Order, error)
	CountPendingComplaints(ctx context.Context) (int, error)
	// DeliveredRevenue returns delivered revenue and total order count for
	// orders created in [from, to).
	DeliveredRevenue(ctx context.Context, from, to time.Time) (decimal.Decimal, int, error)

	// Detection inputs.
	CountOrders(ctx context.Context) (int, error)
	CountOrdersSince(ctx context.Context, since time.Time) (int, error)
	FirstOrderAt(ctx context.Context) (time.Time, bool, error)
	CustomerActivitySince(ctx context.Context, since time.Time) ([]CustomerActivity, error)
	CountComplaintsSince(ctx context.Context, authUID string, since time.Time) (int, error)
	CountUsersSince(ctx context.Context, since time.Time) (int, error)
	GetUser(ctx context.Context, id int64) (*User, error)

	// UserByAuthUID resolves an identity-provider subject to its account.
	UserByAuthUID(ctx context.Context, authUID string) (*User, error)

	// Snapshot aggregation.
	DayStats(ctx context.Context, from, to time.Time) (*DayStats, error)
}
