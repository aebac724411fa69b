// Package audit records admin actions for accountability.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/opscenter/internal/ratelimit"
)

// Risk levels attached to audited actions.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Audited fraud-review actions.
const (
	ActionAlertDismiss     = "fraud_alert_dismiss"
	ActionAlertInvestigate = "fraud_alert_investigate"
	ActionAlertConfirm     = "fraud_alert_confirm"
	ActionFraudScan        = "fraud_scan"
	ActionSnapshotBackfill = "snapshot_backfill"
)

var actionRisk = map[string]string{
	ActionAlertDismiss:     RiskLow,
	ActionAlertInvestigate: RiskMedium,
	ActionAlertConfirm:     RiskHigh,
	ActionFraudScan:        RiskMedium,
	ActionSnapshotBackfill: RiskMedium,
	"settings_update":      RiskMedium,
	"user_toggle":          RiskMedium,
	"order_override":       RiskMedium,
	"refund_approve":       RiskHigh,
	"fraud_user_ban":       RiskHigh,
	"bulk_user_toggle":     RiskHigh,
	"permission_change":    RiskCritical,
}

// RiskFor returns the risk level of action, low when unknown.
func RiskFor(action string) string {
	if r, ok := actionRisk[action]; ok {
		return r
	}
	return RiskLow
}

// Entry is one audited admin action.
type Entry struct {
	ID         string         `json:"id"`
	AdminUID   string         `json:"admin_uid"`
	AdminName  string         `json:"admin_name"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Details    map[string]any `json:"details"`
	IPAddress  string         `json:"ip_address"`
	RiskLevel  string         `json:"risk_level"`
	SessionID  string         `json:"session_id"`
	UserAgent  string         `json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Query filters a listing. Zero values match everything.
type Query struct {
	Action   string
	AdminUID string
	Offset   int
	Limit    int
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// List returns matching entries newest first and the total match count.
	List(ctx context.Context, q Query) ([]*Entry, int, error)
}

// SuspiciousThreshold is the number of audited actions per admin per hour
// above which activity is flagged.
const SuspiciousThreshold = 50

const maxUserAgent = 500

// Recorder writes audit entries and watches per-admin action volume.
type Recorder struct {
	store    Store
	activity ratelimit.Store
	logger   *slog.Logger
	now      func() time.Time
}

// NewRecorder creates a recorder. activity counts actions per admin per hour.
func NewRecorder(store Store, activity ratelimit.Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, activity: activity, logger: logger, now: time.Now}
}

// Store exposes the underlying store for read paths.
func (r *Recorder) Store() Store {
	return r.store
}

// Record stamps and appends e. It returns whether the admin's hourly
// action volume is now suspicious.
func (r *Recorder) Record(ctx context.Context, e Entry) (bool, error) {
	e.ID = uuid.NewString()
	e.CreatedAt = r.now()
	if e.RiskLevel == "" {
		e.RiskLevel = RiskFor(e.Action)
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	if len(e.UserAgent) > maxUserAgent {
		e.UserAgent = e.UserAgent[:maxUserAgent]
	}

	if err := r.store.Append(ctx, &e); err != nil {
		r.logger.Error("failed to write audit entry", "action", e.Action, "admin_uid", e.AdminUID, "error", err)
		return false, err
	}

	return r.checkActivity(ctx, e), nil
}

func (r *Recorder) checkActivity(ctx context.Context, e Entry) bool {
	if r.activity == nil || e.AdminUID == "" {
		return false
	}
	count, _, err := r.activity.Hit(ctx, "admin_activity:"+e.AdminUID, time.Hour, e.CreatedAt)
	if err != nil {
		return false
	}
	if count > SuspiciousThreshold {
		r.logger.Warn("suspicious admin activity",
			"admin_uid", e.AdminUID,
			"actions_last_hour", count,
			"latest", e.Action,
		)
		return true
	}
	return false
}
