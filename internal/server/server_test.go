package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/opscenter/internal/auth"
	"github.com/mbd888/opscenter/internal/config"
	"github.com/mbd888/opscenter/internal/logging"
	"github.com/mbd888/opscenter/internal/marketplace"
)

const testSecret = "test-secret-that-is-long-enough-for-hs256"

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		LogFormat:               "text",
		Timezone:                config.DefaultTimezone,
		JWTSecret:               testSecret,
		VerifySecret:            testSecret,
		StreamPollInterval:      config.DefaultPollInterval,
		StreamHeartbeatInterval: config.DefaultHeartbeatInterval,
		StreamHealthInterval:    config.DefaultHealthInterval,
		StreamMaxDuration:       config.DefaultMaxDuration,
		StreamMaxSessions:       config.DefaultMaxSessions,
		ScanInterval:            config.DefaultScanInterval,
		SnapshotInterval:        config.DefaultSnapshotInterval,
	}
}

func seededSource() *marketplace.MemorySource {
	src := marketplace.NewMemorySource()
	src.AddUser(marketplace.User{AuthUID: "admin-1", Name: "Asha", Role: marketplace.RoleAdmin, IsActive: true})
	src.AddUser(marketplace.User{AuthUID: "cust-1", Name: "Ravi", IsActive: true})
	return src
}

// newTestServer creates an in-memory server over a seeded marketplace
func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	s, err := New(cfg, WithLogger(logging.Discard()), WithSource(seededSource()), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, m := range s.memoryStores {
			m.Stop()
		}
	})
	return s
}

func adminToken(t *testing.T, uid string) string {
	t.Helper()
	tok, err := auth.NewVerifier(testSecret, "").Sign(uid, uid+"@example.com", time.Minute)
	require.NoError(t, err)
	return tok
}

func do(s *Server, method, path, token string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/health", "/health/ready", "/api/health"} {
		w := do(s, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, w.Code, path)

		body := decode(t, w)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "connected", body["database"])
		assert.Equal(t, "connected", body["cache"])
		assert.Equal(t, "not_configured", body["jwks"])
	}

	w := do(s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthEndpoint_DatabaseDown(t *testing.T) {
	src := seededSource()
	s, err := New(testConfig(), WithLogger(logging.Discard()), WithSource(src), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, m := range s.memoryStores {
			m.Stop()
		}
	})
	src.FailWith(assert.AnError)

	w := do(s, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	do(s, http.MethodGet, "/health", "", nil)

	w := do(s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "opscenter_")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestAdminRoutesRegistered(t *testing.T) {
	s := newTestServer(t, nil)

	expected := []string{
		"GET:/api/admin/sse",
		"GET:/api/admin/ws",
		"GET:/api/admin/me",
		"POST:/api/admin/request-verify",
		"GET:/api/admin/fraud/alerts",
		"GET:/api/admin/fraud/summary",
		"POST:/api/admin/fraud/alerts/:id/investigate",
		"POST:/api/admin/fraud/alerts/:id/dismiss",
		"POST:/api/admin/fraud/alerts/:id/confirm",
		"GET:/api/admin/fraud/high-risk-users",
		"POST:/api/admin/fraud/scan",
		"GET:/api/admin/audit",
		"GET:/api/admin/metrics/daily",
		"GET:/api/admin/overview",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

// ---------------------------------------------------------------------------
// Admin auth tests
// ---------------------------------------------------------------------------

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(s, http.MethodGet, "/api/admin/fraud/summary", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodGet, "/api/admin/fraud/summary", adminToken(t, "cust-1"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(s, http.MethodGet, "/api/admin/fraud/summary", adminToken(t, "admin-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store, no-cache, must-revalidate, private", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_Propagated(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(s, http.MethodGet, "/health", "", http.Header{"X-Request-Id": {"req-42"}})
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestStreamRoutes_AuthenticateThemselves(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(s, http.MethodGet, "/api/admin/sse", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "error", decode(t, w)["type"])
}

// ---------------------------------------------------------------------------
// Fraud and dashboard flow
// ---------------------------------------------------------------------------

func TestScanAndOverview(t *testing.T) {
	s := newTestServer(t, nil)
	tok := adminToken(t, "admin-1")

	w := do(s, http.MethodPost, "/api/admin/fraud/scan", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["scan_complete"])
	assert.Equal(t, float64(0), body["new_alerts"])

	w = do(s, http.MethodGet, "/api/admin/audit?action=fraud_scan", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "admin-1")

	w = do(s, http.MethodGet, "/api/admin/overview", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	overview := decode(t, w)
	assert.Contains(t, overview, "today")
	assert.Contains(t, overview, "fraud_alerts")
	assert.Empty(t, w.Header().Get("X-Data-Stale"))
}

func TestScan_RequiresStepUpWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.RequireAdminVerify = true
	s := newTestServer(t, cfg)
	tok := adminToken(t, "admin-1")

	w := do(s, http.MethodPost, "/api/admin/fraud/scan", tok, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(s, http.MethodPost, "/api/admin/request-verify", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	verify, _ := decode(t, w)["verify_token"].(string)
	require.NotEmpty(t, verify)

	w = do(s, http.MethodPost, "/api/admin/fraud/scan", tok, http.Header{auth.VerifyHeader: {verify}})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(s, http.MethodGet, "/v1/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRun_StopsOnContextCancel(t *testing.T) {
	s := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.detectorTimer.Running() }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, s.feedCtx.Err())
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.ErrorIs(t, s.feedCtx.Err(), context.Canceled, "feed sessions are told to end")
	assert.Eventually(t, func() bool {
		return !s.detectorTimer.Running() && !s.snapshotTimer.Running()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://ops:secret@db:5432/ops")
	assert.False(t, strings.Contains(masked, "secret"))
	assert.Contains(t, masked, "db:5432/ops")
	assert.Equal(t, "***", maskDSN("://bad"))
}
