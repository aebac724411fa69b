package alerts

import (
	"context"
	"time"
)

// PageSize is the fixed page size of the alert list.
const PageSize = 20

// Filter narrows an alert listing. Zero values match everything.
type Filter struct {
	Status   Status
	Severity Severity
	Type     Type
	Offset   int
	Limit    int
}

// Summary aggregates the currently active alerts.
type Summary struct {
	TotalActive   int              `json:"total_active"`
	CriticalCount int              `json:"critical_count"`
	AvgRiskScore  float64          `json:"avg_risk_score"`
	ByType        map[Type]int     `json:"by_type"`
	BySeverity    map[Severity]int `json:"by_severity"`
}

// Store persists alerts.
type Store interface {
	// Create assigns the alert an ID. It returns ErrDuplicateOpen when an
	// open alert already exists for the same (type, non-system target).
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id int64) (*Alert, error)
	Update(ctx context.Context, a *Alert) error

	// FindOpen returns the open alert for (type, target), or nil.
	FindOpen(ctx context.Context, typ Type, target Target) (*Alert, error)
	// ExistsSince reports whether an alert of typ in one of statuses was
	// created at or after since.
	ExistsSince(ctx context.Context, typ Type, statuses []Status, since time.Time) (bool, error)

	// List returns one page, newest first, and the total matching count.
	List(ctx context.Context, f Filter) ([]*Alert, int, error)
	// CountActive returns the number of active alerts and how many are critical.
	CountActive(ctx context.Context) (active int, critical int, err error)
	Summary(ctx context.Context) (*Summary, error)

	// MaxID returns the highest alert id, 0 when empty.
	MaxID(ctx context.Context) (int64, error)
	// ListActiveAfter returns active alerts with id > afterID in ascending order.
	ListActiveAfter(ctx context.Context, afterID int64, limit int) ([]*Alert, error)
}

func roundTenth(v float64) float64 {
	if v < 0 {
		return -roundTenth(-v)
	}
	return float64(int64(v*10+0.5)) / 10
}
