package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/opscenter/internal/cache"
)

// VerifyTTL is how long an issued verify token stays valid.
const VerifyTTL = 300 * time.Second

// VerifyHeader carries the step-up token on sensitive requests.
const VerifyHeader = "X-Admin-Verify-Token"

// StepUp issues and checks short-lived admin verification tokens.
type StepUp struct {
	secret []byte
	cache  cache.Cache
	now    func() time.Time
}

// NewStepUp creates a step-up verifier backed by c.
func NewStepUp(secret string, c cache.Cache) *StepUp {
	return &StepUp{secret: []byte(secret), cache: c, now: time.Now}
}

func verifyKey(uid string) string {
	return "admin_verify:" + uid
}

// token derives the verify token for uid in the current 5-minute bucket.
func (s *StepUp) token(uid string) string {
	bucket := s.now().Unix() / int64(VerifyTTL/time.Second)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(uid + ":" + strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(mac.Sum(nil))[:12]
}

// Issue derives a token for uid and stores it for VerifyTTL.
func (s *StepUp) Issue(ctx context.Context, uid string) (string, error) {
	tok := s.token(uid)
	if err := s.cache.Set(ctx, verifyKey(uid), []byte(tok), VerifyTTL); err != nil {
		return "", fmt.Errorf("failed to store verify token: %w", err)
	}
	return tok, nil
}

// Check reports whether token matches the one issued to uid.
func (s *StepUp) Check(ctx context.Context, uid, token string) (bool, error) {
	if uid == "" || token == "" {
		return false, nil
	}
	stored, ok, err := s.cache.Get(ctx, verifyKey(uid))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return hmac.Equal(stored, []byte(token)), nil
}

// RequireVerify rejects requests whose X-Admin-Verify-Token does not match
// the token issued to the authenticated admin. Must run after RequireAdmin.
func RequireVerify(s *StepUp, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := GetAdminUID(c)
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": ErrMissingToken.Error(),
			})
			return
		}

		ok, err := s.Check(c.Request.Context(), uid, c.GetHeader(VerifyHeader))
		if err != nil {
			logger.Warn("verify token check failed", "error", err, "admin_uid", uid)
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "verify_required",
				"message": "Admin verification required",
			})
			return
		}
		c.Next()
	}
}
