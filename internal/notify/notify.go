// Package notify publishes newly created fraud alerts to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/mbd888/opscenter/internal/alerts"
)

// EventAlertCreated is the event type of every published alert.
const EventAlertCreated = "fraud_alert.created"

// Event is the message envelope.
type Event struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	Alert       *alerts.Alert `json:"alert"`
	RiskScore   int           `json:"risk_score"`
	PublishedAt time.Time     `json:"published_at"`
}

// NewEvent wraps a for publishing.
func NewEvent(a *alerts.Alert, now time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        EventAlertCreated,
		Alert:       a,
		RiskScore:   a.RiskScoreValue(),
		PublishedAt: now,
	}
}

// Notifier publishes alerts.
type Notifier interface {
	Publish(ctx context.Context, a *alerts.Alert) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes alert events to a Kafka topic, keyed by alert type
// and target so one target's alerts stay ordered within a partition.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
	now    func() time.Time
}

var _ Notifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier creates a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string, logger *slog.Logger) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
	return &KafkaNotifier{writer: w, topic: topic, logger: logger, now: time.Now}
}

func messageKey(a *alerts.Alert) string {
	if a.Target.ID == "" {
		return string(a.Type) + ":" + a.Target.Type
	}
	return string(a.Type) + ":" + a.Target.Type + ":" + a.Target.ID
}

// Publish writes one alert event.
func (k *KafkaNotifier) Publish(ctx context.Context, a *alerts.Alert) error {
	ev := NewEvent(a, k.now())
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(messageKey(a)),
		Value: data,
		Time:  ev.PublishedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventAlertCreated)},
			{Key: "severity", Value: []byte(a.Severity)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write alert %d to %s: %w", a.ID, k.topic, err)
	}
	k.logger.Debug("alert published", "id", a.ID, "topic", k.topic)
	return nil
}

// Close flushes pending writes.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

// LogNotifier logs alerts instead of publishing them. Used when no broker
// is configured.
type LogNotifier struct {
	logger *slog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a logging notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Publish(ctx context.Context, a *alerts.Alert) error {
	l.logger.Info("fraud alert raised",
		"id", strconv.FormatInt(a.ID, 10),
		"type", a.Type,
		"severity", a.Severity,
		"target", a.Target.Name,
		"title", a.Title,
	)
	return nil
}

func (l *LogNotifier) Close() error { return nil }
