package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/opscenter/internal/alerts"
	"github.com/mbd888/opscenter/internal/detector"
	"github.com/mbd888/opscenter/internal/health"
	"github.com/mbd888/opscenter/internal/marketplace"
	"github.com/mbd888/opscenter/internal/metrics"
)

// Defaults for Config.
const (
	DefaultPollInterval      = 3 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHealthInterval    = 60 * time.Second
	DefaultMaxDuration       = 600 * time.Second
	DefaultRetry             = 3 * time.Second

	orderBatch     = 10
	alertBatch     = 5
	complaintDelta = 3
)

// State is the lifecycle position of a session.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// CloseReason says why a session ended.
type CloseReason string

const (
	CloseTimeout    CloseReason = "timeout"
	CloseError      CloseReason = "error"
	CloseDisconnect CloseReason = "disconnect"
)

// Config tunes the session loop.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	HealthInterval    time.Duration
	MaxDuration       time.Duration
	// Retry is the reconnect hint sent with the connected event.
	Retry time.Duration
	// Location decides which calendar day "today" is for revenue updates.
	Location *time.Location
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		PollInterval:      DefaultPollInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HealthInterval:    DefaultHealthInterval,
		MaxDuration:       DefaultMaxDuration,
		Retry:             DefaultRetry,
		Location:          time.UTC,
	}
}

// AlertFeed is the alert store surface a session polls.
type AlertFeed interface {
	MaxID(ctx context.Context) (int64, error)
	ListActiveAfter(ctx context.Context, afterID int64, limit int) ([]*alerts.Alert, error)
}

// SpikeChecker measures the order spike without persisting anything.
type SpikeChecker interface {
	SpikeCheck(ctx context.Context) (*detector.Spike, error)
}

// Prober runs the lightweight dependency probe.
type Prober interface {
	CheckAll(ctx context.Context) (bool, []health.Status)
}

// SessionCounter reports the global number of admitted sessions.
type SessionCounter interface {
	Active(ctx context.Context) (int64, error)
}

// Deps are the read models every session polls.
type Deps struct {
	Orders   marketplace.Source
	Alerts   AlertFeed
	Spikes   SpikeChecker
	Health   Prober
	Sessions SessionCounter
}

// Session is one admin's feed connection. It is not safe for concurrent use;
// the owning goroutine calls Run once.
type Session struct {
	deps   Deps
	cfg    Config
	emit   Emitter
	logger *slog.Logger
	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) error

	state          State
	startedAt      time.Time
	lastOrderID    int64
	lastAlertID    int64
	lastComplaints int
	lastHeartbeat  time.Time
	lastHealth     time.Time
	seq            int64
}

// NewSession creates a session that writes to emit.
func NewSession(deps Deps, cfg Config, emit Emitter, logger *slog.Logger) *Session {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Session{
		deps:   deps,
		cfg:    cfg,
		emit:   emit,
		logger: logger,
		now:    time.Now,
		wait:   sleep,
		state:  StateConnecting,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Sequence returns the id of the last emitted event.
func (s *Session) Sequence() int64 {
	return s.seq
}

// errDisconnected marks a failed write: the client is gone.
var errDisconnected = errors.New("client disconnected")

// Run streams until the session times out, fails or the client leaves.
// It never returns an error; the outcome is the close reason.
func (s *Session) Run(ctx context.Context) CloseReason {
	s.startedAt = s.now()
	s.lastHeartbeat = s.startedAt

	if err := s.baseline(ctx); err != nil {
		return s.fail(ctx, err)
	}
	s.state = StateStreaming

	if err := s.send(EventConnected, map[string]any{
		"maxDuration": int(s.cfg.MaxDuration.Seconds()),
	}); err != nil {
		return s.close(CloseDisconnect)
	}

	for {
		done, err := s.iterate(ctx)
		if err != nil {
			return s.fail(ctx, err)
		}
		if done {
			return s.close(CloseTimeout)
		}
		if err := s.wait(ctx, s.cfg.PollInterval); err != nil {
			return s.close(CloseDisconnect)
		}
	}
}

func (s *Session) baseline(ctx context.Context) error {
	var err error
	if s.lastOrderID, err = s.deps.Orders.MaxOrderID(ctx); err != nil {
		return fmt.Errorf("failed to baseline orders: %w", err)
	}
	if s.lastAlertID, err = s.deps.Alerts.MaxID(ctx); err != nil {
		return fmt.Errorf("failed to baseline alerts: %w", err)
	}
	if s.lastComplaints, err = s.deps.Orders.CountPendingComplaints(ctx); err != nil {
		return fmt.Errorf("failed to baseline complaints: %w", err)
	}
	return nil
}

// iterate runs one poll. done is true when the session reached its max duration.
func (s *Session) iterate(ctx context.Context) (done bool, err error) {
	now := s.now()
	elapsed := now.Sub(s.startedAt)
	if elapsed >= s.cfg.MaxDuration {
		return true, s.send(EventTimeout, map[string]any{
			"message": "Connection expired, reconnecting automatically",
		})
	}

	steps := []func(context.Context, time.Time) error{
		s.pollOrders,
		s.checkSpike,
		s.pollAlerts,
		s.checkComplaints,
		s.probeHealth,
	}
	for _, step := range steps {
		if err := step(ctx, now); err != nil {
			return false, err
		}
	}
	return false, s.heartbeat(ctx, now, elapsed)
}

func (s *Session) pollOrders(ctx context.Context, now time.Time) error {
	orders, err := s.deps.Orders.OrdersAfter(ctx, s.lastOrderID, orderBatch)
	if err != nil {
		return fmt.Errorf("failed to poll orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}
	s.lastOrderID = orders[0].ID

	for i := len(orders) - 1; i >= 0; i-- {
		if err := s.send(EventNewOrder, map[string]any{"order": orderPayload(orders[i])}); err != nil {
			return err
		}
	}

	y, m, d := now.In(s.cfg.Location).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, s.cfg.Location)
	revenue, count, err := s.deps.Orders.DeliveredRevenue(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("failed to compute today's revenue: %w", err)
	}
	return s.send(EventRevenueUpdate, map[string]any{
		"today_revenue": revenue.InexactFloat64(),
		"today_orders":  count,
	})
}

func (s *Session) checkSpike(ctx context.Context, _ time.Time) error {
	spike, err := s.deps.Spikes.SpikeCheck(ctx)
	if err != nil {
		return fmt.Errorf("failed to check order spike: %w", err)
	}
	if spike == nil {
		return nil
	}
	return s.send(EventSystemAlert, map[string]any{
		"alert":      string(alerts.TypeOrderSpike),
		"message":    spike.Message(),
		"severity":   string(alerts.SeverityWarning),
		"last_hour":  spike.LastHour,
		"avg_hourly": math.Round(spike.AvgHourly*10) / 10,
	})
}

func (s *Session) pollAlerts(ctx context.Context, _ time.Time) error {
	list, err := s.deps.Alerts.ListActiveAfter(ctx, s.lastAlertID, alertBatch)
	if err != nil {
		return fmt.Errorf("failed to poll alerts: %w", err)
	}
	for _, a := range list {
		s.lastAlertID = a.ID
		if err := s.send(EventFraudAlert, map[string]any{"alert": alertPayload(a)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) checkComplaints(ctx context.Context, _ time.Time) error {
	pending, err := s.deps.Orders.CountPendingComplaints(ctx)
	if err != nil {
		return fmt.Errorf("failed to count complaints: %w", err)
	}
	prev := s.lastComplaints
	s.lastComplaints = pending
	if pending <= prev+complaintDelta {
		return nil
	}
	delta := pending - prev
	return s.send(EventComplaintSpike, map[string]any{
		"severity":      string(alerts.SeverityWarning),
		"pending_count": pending,
		"delta":         delta,
		"message":       fmt.Sprintf("%d pending complaints (+%d since last check)", pending, delta),
	})
}

func (s *Session) probeHealth(ctx context.Context, now time.Time) error {
	if !s.lastHealth.IsZero() && now.Sub(s.lastHealth) < s.cfg.HealthInterval {
		return nil
	}
	s.lastHealth = now

	healthy, statuses := s.deps.Health.CheckAll(ctx)
	data := map[string]any{"status": "healthy"}
	if !healthy {
		data["status"] = "degraded"
	}
	for _, st := range statuses {
		data[st.Name] = st.State()
	}
	return s.send(EventHealthStatus, data)
}

func (s *Session) heartbeat(ctx context.Context, now time.Time, elapsed time.Duration) error {
	if now.Sub(s.lastHeartbeat) < s.cfg.HeartbeatInterval {
		return nil
	}
	s.lastHeartbeat = now

	var connections any
	if n, err := s.deps.Sessions.Active(ctx); err != nil {
		s.logger.Warn("failed to read session count", "error", err)
	} else {
		connections = n
	}
	return s.send(EventHeartbeat, map[string]any{
		"uptime":      int(math.Round(elapsed.Seconds())),
		"connections": connections,
	})
}

func (s *Session) send(typ string, data map[string]any) error {
	s.seq++
	e := Event{ID: s.seq, Type: typ, Data: data}
	if typ == EventConnected {
		e.Retry = s.cfg.Retry
	}
	if err := s.emit.Emit(e); err != nil {
		return fmt.Errorf("%w: %v", errDisconnected, err)
	}
	metrics.StreamEventsTotal.WithLabelValues(typ).Inc()
	return nil
}

// fail ends the session after an iteration error. A cancelled context or a
// failed write is a disconnect; anything else gets a final error event.
func (s *Session) fail(ctx context.Context, err error) CloseReason {
	if errors.Is(err, errDisconnected) || ctx.Err() != nil {
		return s.close(CloseDisconnect)
	}
	s.logger.Error("admin feed iteration failed", "error", err, "sequence", s.seq)
	_ = s.send(EventError, map[string]any{"message": "Internal error, reconnecting"})
	return s.close(CloseError)
}

func (s *Session) close(reason CloseReason) CloseReason {
	s.state = StateClosing
	metrics.StreamSessionsClosed.WithLabelValues(string(reason)).Inc()
	s.logger.Info("admin feed closed",
		"reason", reason,
		"events", s.seq,
		"duration", s.now().Sub(s.startedAt).Round(time.Second).String(),
	)
	s.state = StateClosed
	return reason
}
