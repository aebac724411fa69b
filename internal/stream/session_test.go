package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/opscenter/internal/admission"
	"github.com/mbd888/opscenter/internal/alerts"
	"github.com/mbd888/opscenter/internal/detector"
	"github.com/mbd888/opscenter/internal/health"
	"github.com/mbd888/opscenter/internal/logging"
	"github.com/mbd888/opscenter/internal/marketplace"
)

var t0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	events  []Event
	failAt  int
	failErr error
}

func (r *recorder) Emit(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.events)+1 >= r.failAt {
		return r.failErr
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) ofType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeSpikes struct {
	spike *detector.Spike
	err   error
}

func (f *fakeSpikes) SpikeCheck(ctx context.Context) (*detector.Spike, error) {
	return f.spike, f.err
}

type harness struct {
	src     *marketplace.MemorySource
	alerts  *alerts.MemoryStore
	spikes  *fakeSpikes
	probes  int
	ctrl    *admission.Controller
	emit    *recorder
	clock   time.Time
	ticks   int
	onTick  func(h *harness)
	cancel  context.CancelFunc
	session *Session
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		src:    marketplace.NewMemorySource(),
		alerts: alerts.NewMemoryStore(),
		spikes: &fakeSpikes{},
		ctrl:   admission.New(admission.NewLocalCounter(), 10, logging.Discard()),
		emit:   &recorder{},
		clock:  t0,
	}
	reg := health.NewRegistry()
	reg.Register("database", func(ctx context.Context) health.Status {
		h.probes++
		return health.Status{Healthy: true, Detail: "connected"}
	})
	reg.Register("cache", func(ctx context.Context) health.Status {
		return health.Status{Healthy: true, Detail: "connected"}
	})

	deps := Deps{Orders: h.src, Alerts: h.alerts, Spikes: h.spikes, Health: reg, Sessions: h.ctrl}
	s := NewSession(deps, cfg, h.emit, logging.Discard())
	s.now = func() time.Time { return h.clock }
	s.wait = func(ctx context.Context, d time.Duration) error {
		h.clock = h.clock.Add(d)
		h.ticks++
		if h.onTick != nil {
			h.onTick(h)
		}
		return ctx.Err()
	}
	h.session = s
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxDuration = 30 * time.Second
	return cfg
}

func (h *harness) run() CloseReason {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	defer cancel()
	return h.session.Run(ctx)
}

func (h *harness) addOrder(total int64, status string) int64 {
	return h.src.AddOrder(marketplace.Order{
		OrderNumber:  fmt.Sprintf("TB-%d", total),
		CustomerName: "Meena",
		Total:        decimal.NewFromInt(total),
		Status:       status,
		CreatedAt:    h.clock,
	})
}

func assertStrictlyIncreasing(t *testing.T, events []Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].ID, events[i-1].ID, "event %d (%s)", i, events[i].Type)
	}
}

func TestSession_TimeoutLifecycle(t *testing.T) {
	h := newHarness(t, testConfig())

	reason := h.run()
	assert.Equal(t, CloseTimeout, reason)
	assert.Equal(t, StateClosed, h.session.State())

	types := h.emit.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventConnected, types[0])
	assert.Equal(t, EventTimeout, types[len(types)-1])

	first := h.emit.events[0]
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, 3*time.Second, first.Retry)
	assert.Equal(t, 30, first.Data["maxDuration"])

	// 30s / 3s poll: iterations at 0,3,...,27, then the timeout check at 30.
	assert.Equal(t, 10, h.ticks)
	assert.Len(t, h.emit.ofType(EventHealthStatus), 1, "probed on the first iteration only")
	assert.Len(t, h.emit.ofType(EventHeartbeat), 1, "heartbeat at 15s")
	assertStrictlyIncreasing(t, h.emit.events)
	assert.Equal(t, h.session.Sequence(), h.emit.events[len(h.emit.events)-1].ID)
}

func TestSession_NewOrderThenRevenueThenHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDuration = 18 * time.Second
	h := newHarness(t, cfg)
	h.addOrder(999, marketplace.StatusDelivered) // history, never replayed

	var newID int64
	h.onTick = func(h *harness) {
		if h.clock.Equal(t0.Add(15 * time.Second)) {
			newID = h.addOrder(250, marketplace.StatusDelivered)
		}
	}
	require.Equal(t, CloseTimeout, h.run())

	assert.Equal(t, []string{
		EventConnected,
		EventHealthStatus,
		EventNewOrder,
		EventRevenueUpdate,
		EventHeartbeat,
		EventTimeout,
	}, h.emit.types())
	assertStrictlyIncreasing(t, h.emit.events)

	order := h.emit.ofType(EventNewOrder)[0].Data["order"].(map[string]any)
	assert.Equal(t, newID, order["id"])
	assert.Equal(t, "250.00", order["total"])
	assert.Equal(t, "cod", order["payment_method"])
	assert.Equal(t, "Meena", order["customer_name"])

	rev := h.emit.ofType(EventRevenueUpdate)[0].Data
	assert.Equal(t, 1249.0, rev["today_revenue"])
	assert.Equal(t, 2, rev["today_orders"])

	hb := h.emit.ofType(EventHeartbeat)[0].Data
	assert.Equal(t, 15, hb["uptime"])
	assert.Equal(t, int64(0), hb["connections"])
}

func TestSession_OrderBatchIsNewestTenAscending(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDuration = 6 * time.Second
	h := newHarness(t, cfg)
	h.onTick = func(h *harness) {
		if h.ticks == 1 {
			for i := 0; i < 12; i++ {
				h.addOrder(int64(100+i), marketplace.StatusPending)
			}
		}
	}
	h.run()

	orders := h.emit.ofType(EventNewOrder)
	require.Len(t, orders, 10)
	for i, e := range orders {
		assert.Equal(t, int64(i+3), e.Data["order"].(map[string]any)["id"])
	}
	assert.Len(t, h.emit.ofType(EventRevenueUpdate), 1, "one revenue update per batch")
}

func TestSession_FraudAlertsComplaintsAndSpike(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDuration = 9 * time.Second
	h := newHarness(t, cfg)
	ctx := context.Background()

	old := &alerts.Alert{Type: alerts.TypeRapidOrders, Severity: alerts.SeverityWarning, Status: alerts.StatusActive,
		Target: alerts.Target{Type: alerts.TargetUser, ID: "1"}, Title: "old", CreatedAt: t0}
	require.NoError(t, h.alerts.Create(ctx, old))
	h.src.AddComplaint(marketplace.Complaint{UserAuthUID: "u"})

	h.onTick = func(h *harness) {
		switch h.ticks {
		case 1:
			for i := 0; i < 7; i++ {
				a := &alerts.Alert{
					Type:      alerts.TypeHighCancelRate,
					Severity:  alerts.SeverityCritical,
					Status:    alerts.StatusActive,
					Target:    alerts.Target{Type: alerts.TargetUser, ID: fmt.Sprint(10 + i), Name: fmt.Sprintf("User %d", i)},
					Title:     "High cancellation rate",
					CreatedAt: h.clock,
				}
				_ = h.alerts.Create(context.Background(), a)
			}
			for i := 0; i < 4; i++ {
				h.src.AddComplaint(marketplace.Complaint{UserAuthUID: "u"})
			}
			h.spikes.spike = &detector.Spike{LastHour: 30, AvgHourly: 2.46, Multiplier: 12.2}
		case 2:
			h.spikes.spike = nil
			for i := 0; i < 3; i++ {
				h.src.AddComplaint(marketplace.Complaint{UserAuthUID: "u"})
			}
		}
	}
	require.Equal(t, CloseTimeout, h.run())

	fraud := h.emit.ofType(EventFraudAlert)
	require.Len(t, fraud, 7, "five in the first batch, the rest on the next poll")
	first := fraud[0].Data["alert"].(map[string]any)
	assert.Equal(t, int64(2), first["id"])
	assert.Equal(t, alerts.TypeHighCancelRate, first["alert_type"])
	assert.Equal(t, "User 0", first["target_name"])
	assert.Equal(t, "user", first["target_type"])

	spikes := h.emit.ofType(EventComplaintSpike)
	require.Len(t, spikes, 1, "+3 is not a spike")
	assert.Equal(t, 5, spikes[0].Data["pending_count"])
	assert.Equal(t, 4, spikes[0].Data["delta"])
	assert.Equal(t, "5 pending complaints (+4 since last check)", spikes[0].Data["message"])

	system := h.emit.ofType(EventSystemAlert)
	require.Len(t, system, 1)
	assert.Equal(t, "order_spike", system[0].Data["alert"])
	assert.Equal(t, 2.5, system[0].Data["avg_hourly"])
	assert.Equal(t, "Order spike: 30 orders in last hour (avg: 2/hr)", system[0].Data["message"])
	assertStrictlyIncreasing(t, h.emit.events)
}

func TestSession_IterationErrorEndsWithErrorEvent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.onTick = func(h *harness) {
		if h.ticks == 2 {
			h.src.FailWith(errors.New("connection reset by peer"))
		}
	}
	assert.Equal(t, CloseError, h.run())

	types := h.emit.types()
	assert.Equal(t, EventError, types[len(types)-1])
	last := h.emit.events[len(h.emit.events)-1]
	assert.Equal(t, "Internal error, reconnecting", last.Data["message"])
	assert.NotContains(t, types, EventTimeout)
}

func TestSession_BaselineFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.src.FailWith(errors.New("db down"))

	assert.Equal(t, CloseError, h.run())
	assert.Equal(t, []string{EventError}, h.emit.types())
}

func TestSession_ContextCancelIsDisconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	h.onTick = func(h *harness) {
		if h.ticks == 3 {
			h.cancel()
		}
	}
	assert.Equal(t, CloseDisconnect, h.run())
	assert.NotContains(t, h.emit.types(), EventError)
}

func TestSession_WriteFailureIsDisconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	h.emit.failAt = 2
	h.emit.failErr = errors.New("broken pipe")

	assert.Equal(t, CloseDisconnect, h.run())
	assert.Equal(t, []string{EventConnected}, h.emit.types())
}

func TestSession_HealthProbeInterval(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDuration = 125 * time.Second
	cfg.PollInterval = 5 * time.Second
	h := newHarness(t, cfg)
	h.run()

	// First iteration, then at 60s and 120s.
	assert.Equal(t, 3, h.probes)
	hs := h.emit.ofType(EventHealthStatus)
	require.Len(t, hs, 3)
	assert.Equal(t, "healthy", hs[0].Data["status"])
	assert.Equal(t, "connected", hs[0].Data["database"])
	assert.Equal(t, "connected", hs[0].Data["cache"])
	// 15s heartbeat over 125s with a 5s poll.
	assert.Len(t, h.emit.ofType(EventHeartbeat), 8)
}

func TestEventPayload(t *testing.T) {
	e := Event{ID: 4, Type: EventHeartbeat, Data: map[string]any{"uptime": 15}}
	p := e.Payload()
	assert.Equal(t, EventHeartbeat, p["type"])
	assert.Equal(t, 15, p["uptime"])
	_, leaked := e.Data["type"]
	assert.False(t, leaked, "payload does not mutate data")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}
