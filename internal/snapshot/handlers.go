package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/opscenter/internal/circuitbreaker"
	"github.com/mbd888/opscenter/internal/detector"
	"github.com/mbd888/opscenter/internal/validation"
)

const (
	// DefaultDailyDays is the window of GET /metrics/daily without ?days.
	DefaultDailyDays = 30
	// SparklineDays is the revenue trend length on the overview.
	SparklineDays = 7
)

// AlertCounter reports open fraud alert counts.
type AlertCounter interface {
	CountActive(ctx context.Context) (active int, critical int, err error)
}

// SpikeChecker reports whether order volume is anomalous right now.
type SpikeChecker interface {
	SpikeCheck(ctx context.Context) (*detector.Spike, error)
}

// Overview is the dashboard's landing payload.
type Overview struct {
	Today     *Snapshot        `json:"today"`
	Yesterday *Snapshot        `json:"yesterday"`
	Changes   map[string]any   `json:"changes"`
	Sparkline []SparklinePoint `json:"sparkline"`
	Alerts    AlertCounts      `json:"fraud_alerts"`
	Anomaly   Anomaly          `json:"anomaly"`
}

// SparklinePoint is one day of the revenue trend.
type SparklinePoint struct {
	Date    string `json:"date"`
	Revenue string `json:"revenue"`
	Orders  int    `json:"orders"`
}

// AlertCounts summarizes open fraud alerts.
type AlertCounts struct {
	Active   int `json:"active"`
	Critical int `json:"critical"`
}

// Anomaly flags an order spike.
type Anomaly struct {
	Flag    bool   `json:"flag"`
	Message string `json:"message,omitempty"`
}

// Handler serves the analytics and overview reads, each behind its own breaker.
type Handler struct {
	service   *Service
	alerts    AlertCounter
	spikes    SpikeChecker
	analytics *circuitbreaker.Guard
	overview  *circuitbreaker.Guard
	logger    *slog.Logger
}

// NewHandler creates a snapshot handler.
func NewHandler(s *Service, alerts AlertCounter, spikes SpikeChecker, analytics, overview *circuitbreaker.Guard, logger *slog.Logger) *Handler {
	return &Handler{
		service:   s,
		alerts:    alerts,
		spikes:    spikes,
		analytics: analytics,
		overview:  overview,
		logger:    logger,
	}
}

// RegisterRoutes mounts the read endpoints on an admin group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, limit gin.HandlerFunc) {
	r.GET("/metrics/daily", limit, h.Daily)
	r.GET("/overview", limit, h.Overview)
}

// Daily handles GET /api/admin/metrics/daily
func (h *Handler) Daily(c *gin.Context) {
	if errs := validation.Validate(
		validation.PositiveInt("days", c.Query("days")),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	days := validation.QueryInt(c, "days", DefaultDailyDays, MaxBackfillDays)

	body, stale, err := h.analytics.Do(c.Request.Context(), "days="+strconv.Itoa(days), func(ctx context.Context) (any, error) {
		rows, err := h.service.Daily(ctx, days)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []*Snapshot{}
		}
		return gin.H{"days": days, "snapshots": rows}, nil
	})
	h.respond(c, body, stale, err, "daily metrics")
}

// Overview handles GET /api/admin/overview
func (h *Handler) Overview(c *gin.Context) {
	body, stale, err := h.overview.Do(c.Request.Context(), "default", h.buildOverview)
	h.respond(c, body, stale, err, "overview")
}

func (h *Handler) buildOverview(ctx context.Context) (any, error) {
	today := h.service.Today()
	todaySnap, err := h.service.Store().Get(ctx, today)
	if errors.Is(err, ErrNotFound) {
		todaySnap, err = h.service.ComputeForDate(ctx, today)
	}
	if err != nil {
		return nil, err
	}

	rows, err := h.service.Daily(ctx, SparklineDays)
	if err != nil {
		return nil, err
	}
	out := &Overview{Today: todaySnap, Sparkline: make([]SparklinePoint, 0, len(rows))}
	yesterday := today.AddDate(0, 0, -1)
	for _, s := range rows {
		if s.Date.Equal(yesterday) {
			out.Yesterday = s
		}
		out.Sparkline = append(out.Sparkline, SparklinePoint{
			Date:    s.Date.Format(DateLayout),
			Revenue: s.Revenue.StringFixed(2),
			Orders:  s.OrderCount,
		})
	}
	out.Changes = changes(out.Today, out.Yesterday)

	active, critical, err := h.alerts.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	out.Alerts = AlertCounts{Active: active, Critical: critical}

	spike, err := h.spikes.SpikeCheck(ctx)
	if err != nil {
		return nil, err
	}
	if spike != nil {
		out.Anomaly = Anomaly{Flag: true, Message: spike.Message()}
	}
	return out, nil
}

// changes holds day-over-day percentage changes; nil when yesterday is
// missing or zero.
func changes(today, yesterday *Snapshot) map[string]any {
	out := map[string]any{"revenue": nil, "orders": nil, "new_users": nil}
	if today == nil || yesterday == nil {
		return out
	}
	out["revenue"] = pctChange(today.Revenue, yesterday.Revenue)
	out["orders"] = pctChange(decimal.NewFromInt(int64(today.OrderCount)), decimal.NewFromInt(int64(yesterday.OrderCount)))
	out["new_users"] = pctChange(decimal.NewFromInt(int64(today.NewUsers)), decimal.NewFromInt(int64(yesterday.NewUsers)))
	return out
}

func pctChange(cur, prev decimal.Decimal) any {
	if prev.IsZero() {
		return nil
	}
	f, _ := cur.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Round(1).Float64()
	return f
}

func (h *Handler) respond(c *gin.Context, body []byte, stale bool, err error, what string) {
	if err != nil {
		var open *circuitbreaker.OpenError
		if errors.As(err, &open) {
			retryAfter := open.RetryAfterSeconds()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":       "service_unavailable",
				"message":     "Analytics temporarily unavailable",
				"retry_after": retryAfter,
			})
			return
		}
		h.logger.Error("failed to load "+what, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load " + what,
		})
		return
	}
	if stale {
		c.Header("X-Data-Stale", "true")
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}
