// Package alerts holds fraud and anomaly alerts and their review lifecycle.
//
// An alert is created by a detection rule, carries the statistics that
// produced it plus a risk score fixed at creation, and moves through
// active → investigating → dismissed | confirmed under admin review.
package alerts

import (
	"errors"
	"time"
)

var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert status transition")
	ErrDuplicateOpen     = errors.New("an open alert already exists for this target")
)

// Type identifies the detection rule family.
type Type string

const (
	TypeOrderSpike           Type = "order_spike"
	TypeHighCancelRate       Type = "high_cancel_rate"
	TypeRapidOrders          Type = "rapid_orders"
	TypeHighRefundRate       Type = "high_refund_rate"
	TypeHighComplaintRatio   Type = "high_complaint_ratio"
	TypeRepeatedRefunds      Type = "repeated_refunds"
	TypeRapidAccountCreation Type = "rapid_account_creation"
	TypeSuspiciousPattern    Type = "suspicious_pattern"
)

// Types lists every alert type.
var Types = []Type{
	TypeOrderSpike, TypeHighCancelRate, TypeRapidOrders, TypeHighRefundRate,
	TypeHighComplaintRatio, TypeRepeatedRefunds, TypeRapidAccountCreation,
	TypeSuspiciousPattern,
}

// Valid reports whether t is a known alert type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Severity is derived from how far past threshold a rule fired.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// Status is the review state of an alert.
type Status string

const (
	StatusActive        Status = "active"
	StatusInvestigating Status = "investigating"
	StatusDismissed     Status = "dismissed"
	StatusConfirmed     Status = "confirmed"
)

// OpenStatuses are the statuses that block a duplicate alert for the same target.
var OpenStatuses = []Status{StatusActive, StatusInvestigating}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInvestigating, StatusDismissed, StatusConfirmed:
		return true
	}
	return false
}

// IsOpen reports whether the alert still awaits a verdict.
func (s Status) IsOpen() bool {
	return s == StatusActive || s == StatusInvestigating
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusDismissed || s == StatusConfirmed
}

// Target types.
const (
	TargetUser   = "user"
	TargetOrder  = "order"
	TargetSystem = "system"
)

// Target identifies what triggered an alert.
type Target struct {
	Type string `json:"target_type"`
	ID   string `json:"target_id"`
	Name string `json:"target_name"`
}

// SystemTarget is the target of global anomalies.
func SystemTarget() Target {
	return Target{Type: TargetSystem}
}

// Alert is a persisted fraud or anomaly record.
type Alert struct {
	ID       int64    `json:"id"`
	Type     Type     `json:"alert_type"`
	Severity Severity `json:"severity"`
	Status   Status   `json:"status"`
	Target
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Metadata       map[string]any `json:"metadata"`
	ResolvedBy     string         `json:"resolved_by"`
	ResolvedAt     *time.Time     `json:"resolved_at"`
	ResolutionNote string         `json:"resolution_note"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// RiskScoreValue returns the stored risk score, or 0 when absent.
func (a *Alert) RiskScoreValue() int {
	v, ok := number(a.Metadata, MetaRiskScore)
	if !ok {
		return 0
	}
	return int(v)
}

// Action is an admin review verb.
type Action string

const (
	ActionInvestigate Action = "investigate"
	ActionDismiss     Action = "dismiss"
	ActionConfirm     Action = "confirm"
)

// TargetStatus maps a review action to the status it produces.
func (a Action) TargetStatus() (Status, bool) {
	switch a {
	case ActionInvestigate:
		return StatusInvestigating, true
	case ActionDismiss:
		return StatusDismissed, true
	case ActionConfirm:
		return StatusConfirmed, true
	}
	return "", false
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusInvestigating || to == StatusDismissed || to == StatusConfirmed
	case StatusInvestigating:
		return to == StatusDismissed || to == StatusConfirmed
	}
	return false
}

// Apply moves the alert to the status produced by action, attributing it
// to actor. Terminal statuses stamp resolved_at; investigating does not.
func (a *Alert) Apply(action Action, actor, note string, now time.Time) error {
	to, ok := action.TargetStatus()
	if !ok || !CanTransition(a.Status, to) {
		return ErrInvalidTransition
	}

	a.Status = to
	a.ResolvedBy = actor
	a.ResolutionNote = note
	if to.IsTerminal() {
		t := now
		a.ResolvedAt = &t
	}
	a.UpdatedAt = now
	return nil
}

// Clone returns a deep copy of the alert.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
