package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/mbd888/opscenter/internal/alerts"
	"github.com/mbd888/opscenter/internal/marketplace"
)

// Input is what a rule sees on one evaluation.
type Input struct {
	Source marketplace.Source
	Now    time.Time
}

// Candidate is an alert a rule wants raised. When DedupSince is set the
// candidate is dropped if an active alert of the same type was created at or
// after it; otherwise it is dropped if an open alert exists for its target.
type Candidate struct {
	Alert      *alerts.Alert
	DedupSince time.Time
}

// Rule is one detection check.
type Rule interface {
	Name() alerts.Type
	Evaluate(ctx context.Context, in *Input) ([]Candidate, error)
}

// DefaultRules returns the built-in rules parameterized by t.
func DefaultRules(t Thresholds) []Rule {
	return []Rule{
		&OrderSpikeRule{T: t.OrderSpike},
		&CancelRateRule{T: t.CancelRate},
		&RapidOrdersRule{T: t.RapidOrders},
		&ComplaintRatioRule{T: t.ComplaintRatio},
		&RepeatedRefundsRule{T: t.RepeatedRefunds},
		&RapidAccountCreationRule{T: t.RapidAccountCreation},
	}
}

// isSystemRule reports whether a rule reports a single system-wide verdict.
func isSystemRule(t alerts.Type) bool {
	return t == alerts.TypeOrderSpike || t == alerts.TypeRapidAccountCreation
}

// --- order spike ---

// Spike is the measured order rate when the last hour exceeds the average.
type Spike struct {
	LastHour   int     `json:"last_hour"`
	AvgHourly  float64 `json:"avg_hourly"`
	Multiplier float64 `json:"multiplier"`
}

// Message is the one-line advisory shown on the live feed.
func (s *Spike) Message() string {
	return fmt.Sprintf("Order spike: %d orders in last hour (avg: %.0f/hr)", s.LastHour, s.AvgHourly)
}

// MeasureSpike compares orders in the trailing window against the all-time
// hourly average. It returns nil when there is no spike.
func MeasureSpike(ctx context.Context, src marketplace.Source, now time.Time, t OrderSpikeThresholds) (*Spike, error) {
	lastHour, err := src.CountOrdersSince(ctx, now.Add(-t.Window))
	if err != nil {
		return nil, fmt.Errorf("failed to count recent orders: %w", err)
	}
	total, err := src.CountOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}
	first, ok, err := src.FirstOrderAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load first order: %w", err)
	}
	if !ok || total == 0 {
		return nil, nil
	}

	hours := math.Max(now.Sub(first).Hours(), 1)
	avg := float64(total) / hours
	if avg <= 0 || float64(lastHour) <= t.Multiplier*avg {
		return nil, nil
	}
	return &Spike{
		LastHour:   lastHour,
		AvgHourly:  avg,
		Multiplier: float64(lastHour) / avg,
	}, nil
}

// OrderSpikeRule raises a system alert when the trailing hour is far above average.
type OrderSpikeRule struct {
	T OrderSpikeThresholds
}

func (r *OrderSpikeRule) Name() alerts.Type { return alerts.TypeOrderSpike }

func (r *OrderSpikeRule) Evaluate(ctx context.Context, in *Input) ([]Candidate, error) {
	s, err := MeasureSpike(ctx, in.Source, in.Now, r.T)
	if err != nil || s == nil {
		return nil, err
	}

	return []Candidate{{
		DedupSince: in.Now.Add(-r.T.Window),
		Alert: &alerts.Alert{
			Type:     alerts.TypeOrderSpike,
			Severity: alerts.SeverityWarning,
			Target:   alerts.SystemTarget(),
			Title:    fmt.Sprintf("Order spike: %d orders in last hour", s.LastHour),
			Description: fmt.Sprintf("%d orders received in the last hour, which is %.1f× the average of %.1f/hr.",
				s.LastHour, s.Multiplier, s.AvgHourly),
			Metadata: map[string]any{
				"last_hour_count": s.LastHour,
				"avg_hourly":      round(s.AvgHourly, 1),
				"multiplier":      round(s.Multiplier, 1),
			},
			CreatedAt: in.Now,
		},
	}}, nil
}

// --- per-customer rules ---

// CancelRateRule flags customers who cancel a large share of their orders.
type CancelRateRule struct {
	T CancelRateThresholds
}

func (r *CancelRateRule) Name() alerts.Type { return alerts.TypeHighCancelRate }

func (r *CancelRateRule) Evaluate(ctx context.Context, in *Input) ([]Candidate, error) {
	activity, err := in.Source.CustomerActivitySince(ctx, in.Now.Add(-r.T.Window))
	if err != nil {
		return nil, fmt.Errorf("failed to load customer activity: %w", err)
	}

	var out []Candidate
	for _, a := range activity {
		if a.Orders < r.T.MinOrders {
			continue
		}
		rate := float64(a.Cancelled) / float64(a.Orders)
		if rate < r.T.Rate {
			continue
		}
		user, err := lookupCustomer(ctx, in.Source, a.CustomerID)
		if err != nil {
			return out, err
		}
		if user == nil {
			continue
		}

		sev := alerts.SeverityWarning
		if rate >= r.T.Critical {
			sev = alerts.SeverityCritical
		}
		out = append(out, Candidate{Alert: &alerts.Alert{
			Type:     alerts.TypeHighCancelRate,
			Severity: sev,
			Target:   userTarget(user),
			Title:    fmt.Sprintf("High cancel rate: %s", percent(rate)),
			Description: fmt.Sprintf("%s cancelled %d/%d orders (%s) in the last %d days.",
				user.DisplayName(), a.Cancelled, a.Orders, percent(rate), days(r.T.Window)),
			Metadata: map[string]any{
				"customer_id":      user.ID,
				"total_orders":     a.Orders,
				"cancelled_orders": a.Cancelled,
				"cancel_rate":      round(rate, 3),
			},
			CreatedAt: in.Now,
		}})
	}
	return out, nil
}

// RapidOrdersRule flags bursts of orders from one customer.
type RapidOrdersRule struct {
	T RapidOrdersThresholds
}

func (r *RapidOrdersRule) Name() alerts.Type { return alerts.TypeRapidOrders }

func (r *RapidOrdersRule) Evaluate(ctx context.Context, in *Input) ([]Candidate, error) {
	activity, err := in.Source.CustomerActivitySince(ctx, in.Now.Add(-r.T.Window))
	if err != nil {
		return nil, fmt.Errorf("failed to load customer activity: %w", err)
	}

	minutes := int(r.T.Window / time.Minute)
	var out []Candidate
	for _, a := range activity {
		if a.Orders <= r.T.MaxOrders {
			continue
		}
		user, err := lookupCustomer(ctx, in.Source, a.CustomerID)
		if err != nil {
			return out, err
		}
		if user == nil {
			continue
		}
		out = append(out, Candidate{Alert: &alerts.Alert{
			Type:        alerts.TypeRapidOrders,
			Severity:    alerts.SeverityCritical,
			Target:      userTarget(user),
			Title:       fmt.Sprintf("Rapid orders: %d in %dmin", a.Orders, minutes),
			Description: fmt.Sprintf("%s placed %d orders in the last %d minutes.", user.DisplayName(), a.Orders, minutes),
			Metadata: map[string]any{
				"customer_id":    user.ID,
				"order_count":    a.Orders,
				"window_minutes": minutes,
			},
			CreatedAt: in.Now,
		}})
	}
	return out, nil
}

// ComplaintRatioRule flags customers who complain about many of their orders.
type ComplaintRatioRule struct {
	T ComplaintRatioThresholds
}

func (r *ComplaintRatioRule) Name() alerts.Type { return alerts.TypeHighComplaintRatio }

func (r *ComplaintRatioRule) Evaluate(ctx context.Context, in *Input) ([]Candidate, error) {
	since := in.Now.Add(-r.T.Window)
	activity, err := in.Source.CustomerActivitySince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load customer activity: %w", err)
	}

	var out []Candidate
	for _, a := range activity {
		if a.Orders < r.T.MinOrders {
			continue
		}
		user, err := lookupCustomer(ctx, in.Source, a.CustomerID)
		if err != nil {
			return out, err
		}
		if user == nil || user.AuthUID == "" {
			continue
		}
		complaints, err := in.Source.CountComplaintsSince(ctx, user.AuthUID, since)
		if err != nil {
			return out, fmt.Errorf("failed to count complaints for customer %d: %w", user.ID, err)
		}
		if complaints == 0 {
			continue
		}
		ratio := float64(complaints) / float64(a.Orders)
		if ratio < r.T.Ratio {
			continue
		}

		sev := alerts.SeverityWarning
		if ratio >= r.T.Critical {
			sev = alerts.SeverityCritical
		}
		out = append(out, Candidate{Alert: &alerts.Alert{
			Type:     alerts.TypeHighComplaintRatio,
			Severity: sev,
			Target:   userTarget(user),
			Title:    fmt.Sprintf("High complaint ratio: %s", percent(ratio)),
			Description: fmt.Sprintf("%s filed %d complaints across %d orders (%s) in the last %d days.",
				user.DisplayName(), complaints, a.Orders, percent(ratio), days(r.T.Window)),
			Metadata: map[string]any{
				"customer_id":     user.ID,
				"total_orders":    a.Orders,
				"complaint_count": complaints,
				"complaint_ratio": round(ratio, 3),
			},
			CreatedAt: in.Now,
		}})
	}
	return out, nil
}

// RepeatedRefundsRule flags customers with many refunded orders.
type RepeatedRefundsRule struct {
	T RefundThresholds
}

func (r *RepeatedRefundsRule) Name() alerts.Type { return alerts.TypeRepeatedRefunds }

func (r *RepeatedRefundsRule) Evaluate(ctx context.Context, in *Input) ([]Candidate, error) {
	activity, err := in.Source.CustomerActivitySince(ctx, in.Now.Add(-r.T.Window))
	if err != nil {
		return nil, fmt.Errorf("failed to load customer activity: %w", err)
	}

	window := days(r.T.Window)
	var out []Candidate
	for _, a := range activity {
		if a.Refunded < r.T.Count {
			continue
		}
		user, err := lookupCustomer(ctx, in.Source, a.CustomerID)
		if err != nil {
			return out, err
		}
		if user == nil {
			continue
		}

		sev := alerts.SeverityWarning
		if a.Refunded >= r.T.Critical {
			sev = alerts.SeverityCritical
		}
		out = append(out, Candidate{Alert: &alerts.Alert{
			Type:        alerts.TypeRepeatedRefunds,
			Severity:    sev,
			Target:      userTarget(user),
			Title:       fmt.Sprintf("Repeated refunds: %d in %dd", a.Refunded, window),
			Description: fmt.Sprintf("%s had %d refunded orders in the last %d days.", user.DisplayName(), a.Refunded, window),
			Metadata: map[string]any{
				"customer_id":  user.ID,
				"refund_count": a.Refunded,
				"window_days":  window,
			},
			CreatedAt: in.Now,
		}})
	}
	return out, nil
}

// --- signups ---

// RapidAccountCreationRule raises a system alert on a burst of new accounts.
type RapidAccountCreationRule struct {
	T SignupThresholds
}

func (r *RapidAccountCreationRule) Name() alerts.Type { return alerts.TypeRapidAccountCreation }

func (r *RapidAccountCreationRule) Evaluate(ctx context.Context, in *Input) ([]Candidate, error) {
	since := in.Now.Add(-r.T.Window)
	n, err := in.Source.CountUsersSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count new accounts: %w", err)
	}
	if n < r.T.Count {
		return nil, nil
	}

	sev := alerts.SeverityWarning
	if n >= r.T.Critical {
		sev = alerts.SeverityCritical
	}
	hours := int(r.T.Window / time.Hour)
	unit := "hours"
	if hours == 1 {
		unit = "hour"
	}
	return []Candidate{{
		DedupSince: since,
		Alert: &alerts.Alert{
			Type:     alerts.TypeRapidAccountCreation,
			Severity: sev,
			Target:   alerts.SystemTarget(),
			Title:    fmt.Sprintf("Rapid signups: %d in %dh", n, hours),
			Description: fmt.Sprintf("%d new accounts created in the last %d %s. Threshold is %d.",
				n, hours, unit, r.T.Count),
			Metadata: map[string]any{
				"account_count": n,
				"window_hours":  hours,
				"threshold":     r.T.Count,
			},
			CreatedAt: in.Now,
		},
	}}, nil
}

// lookupCustomer returns nil without error for accounts that no longer exist.
func lookupCustomer(ctx context.Context, src marketplace.Source, id int64) (*marketplace.User, error) {
	u, err := src.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, marketplace.ErrUserNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load customer %d: %w", id, err)
	}
	return u, nil
}

func userTarget(u *marketplace.User) alerts.Target {
	return alerts.Target{
		Type: alerts.TargetUser,
		ID:   strconv.FormatInt(u.ID, 10),
		Name: u.DisplayName(),
	}
}

func percent(ratio float64) string {
	return fmt.Sprintf("%.0f%%", ratio*100)
}

func days(d time.Duration) int {
	return int(d / (24 * time.Hour))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
