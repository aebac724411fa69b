package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/opscenter/internal/audit"
	"github.com/mbd888/opscenter/internal/auth"
	"github.com/mbd888/opscenter/internal/validation"
)

// Auditor records admin actions.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) (bool, error)
}

// RouteLimits are the per-operation rate-limit middlewares.
type RouteLimits struct {
	List    gin.HandlerFunc
	Action  gin.HandlerFunc
	Summary gin.HandlerFunc
}

// Handler provides HTTP endpoints for fraud alert review.
type Handler struct {
	service *Service
	auditor Auditor
	logger  *slog.Logger
}

// NewHandler creates a new alert handler.
func NewHandler(service *Service, auditor Auditor, logger *slog.Logger) *Handler {
	return &Handler{service: service, auditor: auditor, logger: logger}
}

// RegisterRoutes sets up alert routes on an admin-only group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, limits RouteLimits) {
	r.GET("/alerts", limits.List, h.ListAlerts)
	r.GET("/summary", limits.Summary, h.Summary)

	ids := r.Group("/alerts/:id", validation.IDParamMiddleware(), limits.Action)
	ids.POST("/investigate", h.action(ActionInvestigate, audit.ActionAlertInvestigate))
	ids.POST("/dismiss", h.action(ActionDismiss, audit.ActionAlertDismiss))
	ids.POST("/confirm", h.action(ActionConfirm, audit.ActionAlertConfirm))
}

// listItem is the list projection; risk_score is lifted out of metadata.
type listItem struct {
	*Alert
	RiskScore int `json:"risk_score"`
}

// ListAlerts handles GET /api/admin/fraud/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	status := c.DefaultQuery("status", string(StatusActive))
	severity := c.Query("severity")
	typ := c.Query("type")

	if errs := validation.Validate(
		validation.OneOf("status", status, "all", string(StatusActive), string(StatusInvestigating),
			string(StatusDismissed), string(StatusConfirmed)),
		validation.OneOf("severity", severity, string(SeverityInfo), string(SeverityWarning), string(SeverityCritical)),
		validation.PositiveInt("page", c.Query("page")),
		func() *validation.ValidationError {
			if typ != "" && !Type(typ).Valid() {
				return &validation.ValidationError{Field: "type", Message: "unknown alert type"}
			}
			return nil
		},
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	f := Filter{Severity: Severity(severity), Type: Type(typ)}
	if status != "all" {
		f.Status = Status(status)
	}

	page, err := h.service.List(c.Request.Context(), f, validation.QueryInt(c, "page", 1, 0))
	if err != nil {
		h.logger.Error("failed to list alerts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list alerts",
		})
		return
	}

	results := make([]listItem, len(page.Alerts))
	for i, a := range page.Alerts {
		results[i] = listItem{Alert: a, RiskScore: a.RiskScoreValue()}
	}

	c.JSON(http.StatusOK, gin.H{
		"results":        results,
		"total":          page.Total,
		"page":           page.Page,
		"pages":          page.Pages,
		"active_count":   page.ActiveCount,
		"critical_count": page.CriticalCount,
	})
}

// ActionRequest is the body of a review action.
type ActionRequest struct {
	Note string `json:"note"`
}

func (h *Handler) action(action Action, auditAction string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := strconv.ParseInt(c.Param("id"), 10, 64)

		// The note is optional; an empty body (chunked or not) reads as io.EOF.
		var req ActionRequest
		if c.Request.Body != nil {
			if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "Invalid request body",
				})
				return
			}
		}
		note := validation.SanitizeString(req.Note, validation.MaxNoteLength)

		p, _ := auth.GetPrincipal(c)
		actor := auth.GetAdminUID(c)

		a, err := h.service.Transition(c.Request.Context(), id, action, actor, note)
		if err != nil {
			status := http.StatusInternalServerError
			code := "internal_error"
			message := "Failed to update alert"
			switch {
			case errors.Is(err, ErrAlertNotFound):
				status = http.StatusNotFound
				code = "not_found"
				message = "Alert not found"
			case errors.Is(err, ErrInvalidTransition):
				status = http.StatusConflict
				code = "invalid_state"
				message = "Cannot " + string(action) + " an alert in its current status"
			default:
				h.logger.Error("alert transition failed", "id", id, "action", action, "error", err)
			}
			c.JSON(status, gin.H{"error": code, "message": message})
			return
		}

		if h.auditor != nil {
			name := ""
			if p != nil {
				name = p.Name
			}
			entry := audit.FromRequest(c, actor, name)
			entry.Action = auditAction
			entry.TargetType = "fraud_alert"
			entry.TargetID = strconv.FormatInt(a.ID, 10)
			entry.Details = map[string]any{
				"alert_type": string(a.Type),
				"status":     string(a.Status),
				"note":       note,
			}
			if _, err := h.auditor.Record(c.Request.Context(), entry); err != nil {
				h.logger.Warn("audit write failed", "id", a.ID, "error", err)
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status": string(a.Status),
			"id":     a.ID,
		})
	}
}

// Summary handles GET /api/admin/fraud/summary
func (h *Handler) Summary(c *gin.Context) {
	s, err := h.service.Summary(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to summarize alerts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to summarize alerts",
		})
		return
	}
	c.JSON(http.StatusOK, s)
}
