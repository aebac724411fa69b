// Package stream runs the admin real-time feed: one long-lived session per
// connection that baselines cursors, then polls for deltas and pushes them
// over SSE or WebSocket until it times out, fails, or the client leaves.
package stream

import (
	"time"

	"github.com/mbd888/opscenter/internal/alerts"
	"github.com/mbd888/opscenter/internal/marketplace"
)

// Event types on the wire.
const (
	EventConnected      = "connected"
	EventNewOrder       = "new_order"
	EventRevenueUpdate  = "revenue_update"
	EventSystemAlert    = "system_alert"
	EventFraudAlert     = "fraud_alert"
	EventComplaintSpike = "complaint_spike"
	EventHealthStatus   = "health_status"
	EventHeartbeat      = "heartbeat"
	EventTimeout        = "timeout"
	EventError          = "error"
)

// Event is one feed message. ID is the session sequence number; Retry is
// set only on the connected event.
type Event struct {
	ID    int64
	Type  string
	Retry time.Duration
	Data  map[string]any
}

// Payload is the JSON body of the event: its data plus the type discriminator.
func (e Event) Payload() map[string]any {
	out := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = e.Type
	return out
}

// Emitter delivers events to one client. An error means the client is gone.
type Emitter interface {
	Emit(e Event) error
}

func orderPayload(o marketplace.Order) map[string]any {
	method := o.PaymentMethod
	if method == "" {
		method = "cod"
	}
	return map[string]any{
		"id":             o.ID,
		"order_number":   o.OrderNumber,
		"status":         o.Status,
		"total":          o.Total.StringFixed(2),
		"shop_name":      o.ShopName,
		"customer_name":  o.CustomerName,
		"created_at":     o.CreatedAt.UTC().Format(time.RFC3339),
		"payment_method": method,
	}
}

func alertPayload(a *alerts.Alert) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"alert_type":  a.Type,
		"severity":    a.Severity,
		"title":       a.Title,
		"description": a.Description,
		"target_type": a.Target.Type,
		"target_name": a.Target.Name,
		"created_at":  a.CreatedAt.UTC().Format(time.RFC3339),
	}
}
