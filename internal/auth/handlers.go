package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for admin identity
type Handler struct {
	stepUp *StepUp
}

// NewHandler creates a new auth handler
func NewHandler(s *StepUp) *Handler {
	return &Handler{stepUp: s}
}

// RegisterRoutes sets up admin identity routes. The group must already
// require admin authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, limit gin.HandlerFunc) {
	r.GET("/me", h.Me)
	r.POST("/request-verify", limit, h.RequestVerify)
}

// Me handles GET /api/admin/me
func (h *Handler) Me(c *gin.Context) {
	p, ok := GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"admin": p})
}

// RequestVerify handles POST /api/admin/request-verify
func (h *Handler) RequestVerify(c *gin.Context) {
	uid := GetAdminUID(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": ErrMissingToken.Error(),
		})
		return
	}

	tok, err := h.stepUp.Issue(c.Request.Context(), uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue verification token",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"verify_token": tok,
		"expires_in":   int(VerifyTTL.Seconds()),
	})
}
