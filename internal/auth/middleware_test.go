package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/opscenter/internal/cache"
	"github.com/mbd888/opscenter/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAdminRouter(t *testing.T) (*gin.Engine, *Verifier, *StepUp) {
	t.Helper()
	a, v, _ := setupAuth(t)
	s := NewStepUp(testSecret, cache.NewMemoryCache())
	logger := logging.Discard()

	r := gin.New()
	admin := r.Group("/api/admin", RequireAdmin(a, logger))
	NewHandler(s).RegisterRoutes(admin, func(c *gin.Context) { c.Next() })
	admin.POST("/fraud/scan", RequireVerify(s, logger), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": GetAdminUID(c)})
	})
	return r, v, s
}

func doRequest(r http.Handler, method, path, token string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAdmin_Statuses(t *testing.T) {
	r, v, _ := newAdminRouter(t)

	w := doRequest(r, http.MethodGet, "/api/admin/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	cust, err := v.Sign("cust-1", "", time.Minute)
	require.NoError(t, err)
	w = doRequest(r, http.MethodGet, "/api/admin/me", cust, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin, err := v.Sign("admin-1", "", time.Minute)
	require.NoError(t, err)
	w = doRequest(r, http.MethodGet, "/api/admin/me", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Admin Principal `json:"admin"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "admin-1", body.Admin.UID)
}

func TestRequireAdmin_HidesTokenErrors(t *testing.T) {
	r, _, _ := newAdminRouter(t)

	w := doRequest(r, http.MethodGet, "/api/admin/me", "not.a.jwt", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"unauthorized","message":"Authentication required"}`, w.Body.String())
}

func TestRequireVerify_Flow(t *testing.T) {
	r, v, _ := newAdminRouter(t)
	admin, err := v.Sign("admin-1", "", time.Minute)
	require.NoError(t, err)

	w := doRequest(r, http.MethodPost, "/api/admin/fraud/scan", admin, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "verify_required")

	w = doRequest(r, http.MethodPost, "/api/admin/request-verify", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var issued struct {
		VerifyToken string `json:"verify_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	assert.Len(t, issued.VerifyToken, 12)
	assert.Equal(t, 300, issued.ExpiresIn)

	w = doRequest(r, http.MethodPost, "/api/admin/fraud/scan", admin, map[string]string{VerifyHeader: "wrongwrong00"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(r, http.MethodPost, "/api/admin/fraud/scan", admin, map[string]string{VerifyHeader: issued.VerifyToken})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStepUp_TokenIsPerAdminAndExpires(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache()
	s := NewStepUp(testSecret, c)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	a, err := s.Issue(ctx, "admin-a")
	require.NoError(t, err)
	b, err := s.Issue(ctx, "admin-b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	ok, err := s.Check(ctx, "admin-b", a)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Check(ctx, "admin-a", a)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, verifyKey("admin-a")))
	ok, _ = s.Check(ctx, "admin-a", a)
	assert.False(t, ok)
}
