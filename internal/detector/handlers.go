package detector

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/opscenter/internal/audit"
	"github.com/mbd888/opscenter/internal/auth"
	"github.com/mbd888/opscenter/internal/validation"
)

// Auditor records admin actions.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) (bool, error)
}

// Handler provides the manual scan and risk report endpoints.
type Handler struct {
	detector *Detector
	auditor  Auditor
	logger   *slog.Logger
}

// NewHandler creates a new detector handler.
func NewHandler(d *Detector, auditor Auditor, logger *slog.Logger) *Handler {
	return &Handler{detector: d, auditor: auditor, logger: logger}
}

// RegisterRoutes mounts the scan and report routes. scan holds the
// middlewares guarding POST /scan (rate limit, optional step-up).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, highRiskLimit gin.HandlerFunc, scan ...gin.HandlerFunc) {
	r.GET("/high-risk-users", highRiskLimit, h.HighRiskUsers)
	r.POST("/scan", append(scan, h.Scan)...)
}

// Scan handles POST /api/admin/fraud/scan
func (h *Handler) Scan(c *gin.Context) {
	res, err := h.detector.RunAll(c.Request.Context())
	if err != nil {
		h.logger.Warn("manual fraud scan aborted", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "scan_unavailable",
			"message": "Fraud scan could not start",
		})
		return
	}

	if h.auditor != nil {
		name := ""
		if p, ok := auth.GetPrincipal(c); ok {
			name = p.Name
		}
		entry := audit.FromRequest(c, auth.GetAdminUID(c), name)
		entry.Action = audit.ActionFraudScan
		entry.TargetType = "system"
		entry.Details = map[string]any{
			"new_alerts":   res.NewAlerts(),
			"failed_rules": len(res.Errors),
		}
		if _, err := h.auditor.Record(c.Request.Context(), entry); err != nil {
			h.logger.Warn("audit write failed", "action", entry.Action, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"scan_complete": true,
		"new_alerts":    res.NewAlerts(),
		"details":       res.Details(),
		"errors":        res.ErrorMessages(),
	})
}

// HighRiskUsers handles GET /api/admin/fraud/high-risk-users
func (h *Handler) HighRiskUsers(c *gin.Context) {
	if errs := validation.Validate(
		validation.PositiveInt("min_orders", c.Query("min_orders")),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	minOrders := validation.QueryInt(c, "min_orders", 3, 0)

	users, err := h.detector.HighRiskUsers(c.Request.Context(), minOrders)
	if err != nil {
		h.logger.Error("failed to list high-risk users", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list high-risk users",
		})
		return
	}

	total := len(users)
	if len(users) > HighRiskListLimit {
		users = users[:HighRiskListLimit]
	}
	if users == nil {
		users = []RiskyUser{}
	}
	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"total": total,
	})
}
