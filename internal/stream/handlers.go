package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/opscenter/internal/admission"
	"github.com/mbd888/opscenter/internal/auth"
	"github.com/mbd888/opscenter/internal/logging"
)

// RejectRetryAfter is the reconnect hint given to clients turned away at capacity.
const RejectRetryAfter = 30 * time.Second

// Authenticator resolves a bearer token to an admin principal.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*auth.Principal, error)
}

// Handler accepts feed connections.
type Handler struct {
	auth      Authenticator
	admission *admission.Controller
	deps      Deps
	cfg       Config
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	shutdown  context.Context // done when the server starts draining

	// session hooks, replaced in tests
	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// NewHandler creates a feed handler.
func NewHandler(a Authenticator, ctrl *admission.Controller, deps Deps, cfg Config, logger *slog.Logger) *Handler {
	if deps.Sessions == nil {
		deps.Sessions = ctrl
	}
	return &Handler{
		auth:      a,
		admission: ctrl,
		deps:      deps,
		cfg:       cfg,
		upgrader:  newUpgrader(nil),
		logger:    logger,
		now:       time.Now,
		wait:      sleep,
	}
}

// WithAllowedOrigins lets browser pages on these origins open the WebSocket feed.
func (h *Handler) WithAllowedOrigins(origins []string) *Handler {
	h.upgrader = newUpgrader(origins)
	return h
}

// WithShutdown ends every open session once ctx is done. Other requests
// are unaffected, so the server can drain them normally.
func (h *Handler) WithShutdown(ctx context.Context) *Handler {
	h.shutdown = ctx
	return h
}

// sessionContext ends with the request or with the server's shutdown signal.
func (h *Handler) sessionContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if h.shutdown == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(h.shutdown, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// RegisterRoutes mounts GET /sse and GET /ws. The routes authenticate
// themselves so EventSource clients can pass ?token=.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sse", h.SSE)
	r.GET("/ws", h.WebSocket)
}

func reject(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"type":    EventError,
		"error":   code,
		"message": message,
	})
}

// admit authenticates the request and claims an admission slot. On false
// the response has been written and no slot is held.
func (h *Handler) admit(c *gin.Context) (*auth.Principal, *admission.Slot, bool) {
	ctx := c.Request.Context()
	p, err := h.auth.Authenticate(ctx, auth.TokenFromRequest(c.Request))
	if err != nil {
		status, code := auth.StatusFor(err)
		switch {
		case status >= http.StatusInternalServerError:
			h.logger.Error("feed auth check failed", "error", err)
			reject(c, status, code, "Auth check failed")
		case status == http.StatusForbidden:
			reject(c, status, code, "Admin access required")
		default:
			reject(c, status, code, "Authentication required")
		}
		return nil, nil, false
	}

	slot, err := h.admission.Acquire(ctx)
	if err != nil {
		if errors.Is(err, admission.ErrCounterUnavailable) {
			h.logger.Error("admission counter unavailable", "error", err)
		} else {
			h.logger.Warn("feed at capacity", "admin_uid", p.UID, "max", h.admission.Max())
		}
		secs := int(RejectRetryAfter.Seconds())
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"type":        EventError,
			"error":       "too_many_connections",
			"message":     "Too many active connections, please retry",
			"retry_after": secs,
		})
		return nil, nil, false
	}
	return p, slot, true
}

func (h *Handler) newSession(ctx context.Context, p *auth.Principal, emit Emitter) *Session {
	logger := h.logger.With("admin_uid", p.UID)
	if reqID := logging.RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	s := NewSession(h.deps, h.cfg, emit, logger)
	s.now = h.now
	s.wait = h.wait
	return s
}

// SSE handles GET /api/admin/sse
func (h *Handler) SSE(c *gin.Context) {
	p, slot, ok := h.admit(c)
	if !ok {
		return
	}
	defer slot.Release()

	SetSSEHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx, cancel := h.sessionContext(c.Request.Context())
	defer cancel()
	h.newSession(ctx, p, NewSSEEmitter(c.Writer)).Run(ctx)
}

// WebSocket handles GET /api/admin/ws
func (h *Handler) WebSocket(c *gin.Context) {
	p, slot, ok := h.admit(c)
	if !ok {
		return
	}
	defer slot.Release()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := h.sessionContext(c.Request.Context())
	defer cancel()
	go readPump(conn, cancel, h.logger)
	go pingLoop(ctx, conn)

	emit := NewWSEmitter(conn)
	reason := h.newSession(ctx, p, emit).Run(ctx)
	if reason != CloseDisconnect {
		emit.Close(reason)
	}
}
