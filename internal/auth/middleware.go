package auth

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/opscenter/internal/logging"
)

const (
	// ContextKeyPrincipal is the key for storing the authenticated admin in gin context
	ContextKeyPrincipal = "authPrincipal"
	// ContextKeyAdminUID is the key for storing the authenticated admin's auth UID
	ContextKeyAdminUID = "authAdminUID"
)

// RequireAdmin rejects requests without a valid admin token.
// Sets authPrincipal and authAdminUID in context on success.
func RequireAdmin(a *Authenticator, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.Authenticate(c.Request.Context(), TokenFromRequest(c.Request))
		if err != nil {
			status, code := StatusFor(err)
			message := "Authentication required"
			switch {
			case status >= 500:
				logger.Error("admin role lookup failed", "error", err, "path", c.FullPath())
				message = "Auth check failed"
			case code == "forbidden":
				logger.Warn("admin access denied", "path", c.FullPath(), "ip", c.ClientIP())
				message = "Admin access required"
			default:
				logger.Debug("admin token rejected", "error", err, "path", c.FullPath())
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":   code,
				"message": message,
			})
			return
		}

		c.Set(ContextKeyPrincipal, p)
		c.Set(ContextKeyAdminUID, p.UID)
		c.Request = c.Request.WithContext(logging.WithPrincipal(c.Request.Context(), p.UID))
		c.Next()
	}
}

// GetPrincipal returns the authenticated admin from context
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// GetAdminUID returns the authenticated admin's auth UID, or ""
func GetAdminUID(c *gin.Context) string {
	return c.GetString(ContextKeyAdminUID)
}
