package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/opscenter/internal/audit"
	"github.com/mbd888/opscenter/internal/auth"
	"github.com/mbd888/opscenter/internal/logging"
	"github.com/mbd888/opscenter/internal/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func pass(c *gin.Context) { c.Next() }

func setupHandler(t *testing.T) (*gin.Engine, *Service, *audit.MemoryStore) {
	t.Helper()
	svc, _ := newTestService()
	auditStore := audit.NewMemoryStore()
	recorder := audit.NewRecorder(auditStore, nil, logging.Discard())

	r := gin.New()
	group := r.Group("/api/admin/fraud", func(c *gin.Context) {
		c.Set(auth.ContextKeyPrincipal, &auth.Principal{UID: "admin-1", Name: "Asha", Role: "admin"})
		c.Set(auth.ContextKeyAdminUID, "admin-1")
		c.Next()
	})
	NewHandler(svc, recorder, logging.Discard()).RegisterRoutes(group, RouteLimits{List: pass, Action: pass, Summary: pass})
	return r, svc, auditStore
}

func serve(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ListDefaultsToActive(t *testing.T) {
	r, svc, _ := setupHandler(t)
	ctx := context.Background()

	a := &Alert{Type: TypeRapidOrders, Severity: SeverityCritical, Target: userTarget("1"), Metadata: map[string]any{MetaOrderCount: 5}}
	_, err := svc.Create(ctx, a)
	require.NoError(t, err)
	b := &Alert{Type: TypeHighCancelRate, Severity: SeverityWarning, Target: userTarget("2")}
	_, err = svc.Create(ctx, b)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, b.ID, ActionDismiss, "admin-1", "")
	require.NoError(t, err)

	w := serve(r, http.MethodGet, "/api/admin/fraud/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Results       []map[string]any `json:"results"`
		Total         int              `json:"total"`
		Page          int              `json:"page"`
		Pages         int              `json:"pages"`
		ActiveCount   int              `json:"active_count"`
		CriticalCount int              `json:"critical_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, 1, body.ActiveCount)
	assert.Equal(t, 1, body.CriticalCount)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "rapid_orders", body.Results[0]["alert_type"])
	assert.Equal(t, "user", body.Results[0]["target_type"])
	assert.EqualValues(t, 40+25+10, body.Results[0]["risk_score"])

	w = serve(r, http.MethodGet, "/api/admin/fraud/alerts?status=all", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
}

func TestHandler_ListRejectsBadFilters(t *testing.T) {
	r, _, _ := setupHandler(t)

	for _, q := range []string{"?status=open", "?severity=high", "?type=bogus", "?page=0"} {
		w := serve(r, http.MethodGet, "/api/admin/fraud/alerts"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestHandler_Actions(t *testing.T) {
	r, svc, auditStore := setupHandler(t)
	ctx := context.Background()

	a := &Alert{Type: TypeRepeatedRefunds, Severity: SeverityCritical, Target: userTarget("5")}
	_, err := svc.Create(ctx, a)
	require.NoError(t, err)

	w := serve(r, http.MethodPost, "/api/admin/fraud/alerts/1/investigate", `{"note":"calling customer"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"investigating","id":1}`, w.Body.String())

	w = serve(r, http.MethodPost, "/api/admin/fraud/alerts/1/confirm", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"confirmed","id":1}`, w.Body.String())

	w = serve(r, http.MethodPost, "/api/admin/fraud/alerts/1/dismiss", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(r, http.MethodPost, "/api/admin/fraud/alerts/77/dismiss", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(r, http.MethodPost, "/api/admin/fraud/alerts/abc/dismiss", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	stored, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", stored.ResolvedBy)

	entries, total, err := auditStore.List(ctx, audit.Query{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, audit.ActionAlertConfirm, entries[0].Action)
	assert.Equal(t, audit.ActionAlertInvestigate, entries[1].Action)
	assert.Equal(t, "calling customer", entries[1].Details["note"])
	assert.Equal(t, "Asha", entries[1].AdminName)
}

func TestHandler_Summary(t *testing.T) {
	r, svc, _ := setupHandler(t)
	_, err := svc.Create(context.Background(), &Alert{Type: TypeOrderSpike, Severity: SeverityWarning, Target: SystemTarget()})
	require.NoError(t, err)

	w := serve(r, http.MethodGet, "/api/admin/fraud/summary", "")
	require.Equal(t, http.StatusOK, w.Code)

	var s Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, 1, s.TotalActive)
	assert.Equal(t, 40.0, s.AvgRiskScore)
	assert.Equal(t, 1, s.ByType[TypeOrderSpike])
}

func TestHandler_ActionReadsChunkedBody(t *testing.T) {
	r, svc, auditStore := setupHandler(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, &Alert{Type: TypeRapidOrders, Severity: SeverityWarning, Target: userTarget("3")})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/fraud/alerts/1/dismiss", strings.NewReader(`{"note":"known reseller"}`))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stored, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "known reseller", stored.ResolutionNote)

	entries, _, err := auditStore.List(ctx, audit.Query{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "known reseller", entries[0].Details["note"])
}

func TestHandler_ActionTruncatesMultibyteNote(t *testing.T) {
	r, svc, _ := setupHandler(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, &Alert{Type: TypeRapidOrders, Severity: SeverityWarning, Target: userTarget("4")})
	require.NoError(t, err)

	note := strings.Repeat("a", validation.MaxNoteLength-1) + "éé"
	body, err := json.Marshal(ActionRequest{Note: note})
	require.NoError(t, err)

	w := serve(r, http.MethodPost, "/api/admin/fraud/alerts/1/investigate", string(body))
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(stored.ResolutionNote))
	assert.Equal(t, validation.MaxNoteLength, utf8.RuneCountInString(stored.ResolutionNote))
	assert.True(t, strings.HasSuffix(stored.ResolutionNote, "aé"))
}

// failingUpdateStore fails writes the way a database driver would.
type failingUpdateStore struct {
	*MemoryStore
}

func (failingUpdateStore) Update(ctx context.Context, a *Alert) error {
	return errors.New(`pq: invalid byte sequence for encoding "UTF8": 0xc3`)
}

func TestHandler_ActionHidesStoreErrors(t *testing.T) {
	store := failingUpdateStore{MemoryStore: NewMemoryStore()}
	svc := NewService(store, logging.Discard()).WithClock(func() time.Time { return baseTime })
	_, err := svc.Create(context.Background(), &Alert{Type: TypeRapidOrders, Severity: SeverityWarning, Target: userTarget("6")})
	require.NoError(t, err)

	r := gin.New()
	NewHandler(svc, nil, logging.Discard()).RegisterRoutes(r.Group("/api/admin/fraud"), RouteLimits{List: pass, Action: pass, Summary: pass})

	w := serve(r, http.MethodPost, "/api/admin/fraud/alerts/1/dismiss", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pq:")
	assert.JSONEq(t, `{"error":"internal_error","message":"Failed to update alert"}`, w.Body.String())

	w = serve(r, http.MethodPost, "/api/admin/fraud/alerts/99/dismiss", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"not_found","message":"Alert not found"}`, w.Body.String())
}
