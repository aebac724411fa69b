package audit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/opscenter/internal/pagination"
	"github.com/mbd888/opscenter/internal/validation"
)

// PageSize is the fixed page size of the audit listing.
const PageSize = 20

// Handler provides HTTP endpoints for the audit trail
type Handler struct {
	store Store
}

// NewHandler creates a new audit handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up audit routes on an admin group
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, limit gin.HandlerFunc) {
	r.GET("/audit", limit, h.List)
}

// List handles GET /api/admin/audit
func (h *Handler) List(c *gin.Context) {
	page := pagination.New(validation.QueryInt(c, "page", 1, 0), PageSize)

	entries, total, err := h.store.List(c.Request.Context(), Query{
		Action:   validation.SanitizeString(c.Query("action"), 50),
		AdminUID: validation.SanitizeString(c.Query("admin_uid"), 255),
		Offset:   page.Offset(),
		Limit:    page.Limit(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load audit log",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"results": entries,
		"total":   total,
		"page":    page.Number,
		"pages":   pagination.TotalPages(total, PageSize),
	})
}

// FromRequest builds an entry skeleton from request metadata.
func FromRequest(c *gin.Context, adminUID, adminName string) Entry {
	ip := c.GetHeader("X-Forwarded-For")
	if i := strings.IndexByte(ip, ','); i >= 0 {
		ip = ip[:i]
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = c.ClientIP()
	}
	return Entry{
		AdminUID:  adminUID,
		AdminName: adminName,
		IPAddress: ip,
		SessionID: c.GetHeader("X-Session-ID"),
		UserAgent: c.Request.UserAgent(),
	}
}
