package detector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/opscenter/internal/marketplace"
)

const (
	highRiskWindow    = 30 * 24 * time.Hour
	highRiskMinRate   = 0.25
	highRiskHighRate  = 0.35
	highRiskCritRate  = 0.5
	HighRiskListLimit = 30
)

// RiskyUser is a customer with a high recent cancel rate.
type RiskyUser struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Phone        string  `json:"phone"`
	Email        string  `json:"email"`
	RecentOrders int     `json:"recent_orders"`
	Cancelled    int     `json:"cancelled"`
	CancelRate   float64 `json:"cancel_rate"` // percent, 1 dp
	IsActive     bool    `json:"is_active"`
	RiskLevel    string  `json:"risk_level"`
}

func riskLevel(rate float64) string {
	switch {
	case rate >= highRiskCritRate:
		return "critical"
	case rate >= highRiskHighRate:
		return "high"
	default:
		return "medium"
	}
}

// HighRiskUsers lists customers with at least minOrders orders in the last
// 30 days and a cancel rate of 25% or more, most cancellations first.
func (d *Detector) HighRiskUsers(ctx context.Context, minOrders int) ([]RiskyUser, error) {
	activity, err := d.source.CustomerActivitySince(ctx, d.now().Add(-highRiskWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to load customer activity: %w", err)
	}

	var out []RiskyUser
	for _, a := range activity {
		if a.Orders < minOrders || a.Orders == 0 {
			continue
		}
		rate := float64(a.Cancelled) / float64(a.Orders)
		if rate < highRiskMinRate {
			continue
		}
		u, err := lookupCustomer(ctx, d.source, a.CustomerID)
		if err != nil {
			return nil, err
		}
		if u == nil || u.Role != marketplace.RoleCustomer {
			continue
		}
		name := u.DisplayName()
		if name == "" {
			name = "Unknown"
		}
		out = append(out, RiskyUser{
			ID:           u.ID,
			Name:         name,
			Phone:        u.Phone,
			Email:        u.Email,
			RecentOrders: a.Orders,
			Cancelled:    a.Cancelled,
			CancelRate:   round(rate*100, 1),
			IsActive:     u.IsActive,
			RiskLevel:    riskLevel(rate),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Cancelled > out[j].Cancelled })
	return out, nil
}
