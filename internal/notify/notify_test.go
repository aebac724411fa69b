package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/opscenter/internal/alerts"
	"github.com/mbd888/opscenter/internal/logging"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func testAlert() *alerts.Alert {
	return &alerts.Alert{
		ID:       42,
		Type:     alerts.TypeRapidOrders,
		Severity: alerts.SeverityCritical,
		Status:   alerts.StatusActive,
		Target:   alerts.Target{Type: alerts.TargetUser, ID: "7", Name: "Ravi"},
		Title:    "Rapid orders: 4 in 5min",
		Metadata: map[string]any{alerts.MetaRiskScore: 73},
	}
}

func TestKafkaNotifier_Publish(t *testing.T) {
	w := &fakeWriter{}
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	n := &KafkaNotifier{writer: w, topic: "fraud-alerts", logger: logging.Discard(), now: func() time.Time { return at }}

	require.NoError(t, n.Publish(context.Background(), testAlert()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "rapid_orders:user:7", string(msg.Key))
	assert.Equal(t, at, msg.Time)

	var ev struct {
		ID        string         `json:"id"`
		Type      string         `json:"type"`
		RiskScore int            `json:"risk_score"`
		Alert     map[string]any `json:"alert"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, EventAlertCreated, ev.Type)
	assert.Equal(t, 73, ev.RiskScore)
	assert.Equal(t, "user", ev.Alert["target_type"])
	assert.Equal(t, float64(42), ev.Alert["id"])

	require.NoError(t, n.Close())
	assert.True(t, w.closed)
}

func TestKafkaNotifier_SystemKey(t *testing.T) {
	a := testAlert()
	a.Type = alerts.TypeOrderSpike
	a.Target = alerts.SystemTarget()
	assert.Equal(t, "order_spike:system", messageKey(a))
}

func TestKafkaNotifier_WrapsWriteError(t *testing.T) {
	boom := errors.New("leader not available")
	n := &KafkaNotifier{writer: &fakeWriter{err: boom}, topic: "fraud-alerts", logger: logging.Discard(), now: time.Now}

	err := n.Publish(context.Background(), testAlert())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(logging.NewWithWriter(&buf, "info", "json"))
	require.NoError(t, n.Publish(context.Background(), testAlert()))
	assert.Contains(t, buf.String(), `"type":"rapid_orders"`)
	assert.NoError(t, n.Close())
}
