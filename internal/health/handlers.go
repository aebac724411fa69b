package health

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the health endpoints.
type Handler struct {
	registry *Registry
	logger   *slog.Logger
}

// NewHandler creates a health handler over registry.
func NewHandler(registry *Registry, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// RegisterRoutes mounts /health, /health/live, /health/ready and /api/health.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Check)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Check)
	r.GET("/api/health", h.Check)
}

// Live reports that the process is up, without touching dependencies.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Check runs every dependency check. It answers 503 when a required
// dependency is down.
func (h *Handler) Check(c *gin.Context) {
	healthy, statuses := h.registry.CheckAll(c.Request.Context())

	body := gin.H{"status": "healthy"}
	for _, st := range statuses {
		body[st.Name] = st.State()
		if !st.Healthy {
			if st.Optional {
				h.logger.Warn("health check warning", "check", st.Name, "detail", st.Detail)
			} else {
				h.logger.Error("health check failed", "check", st.Name, "detail", st.Detail)
			}
		}
	}

	if !healthy {
		body["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
