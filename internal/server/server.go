// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/opscenter/internal/admission"
	"github.com/mbd888/opscenter/internal/alerts"
	"github.com/mbd888/opscenter/internal/audit"
	"github.com/mbd888/opscenter/internal/auth"
	"github.com/mbd888/opscenter/internal/cache"
	"github.com/mbd888/opscenter/internal/circuitbreaker"
	"github.com/mbd888/opscenter/internal/config"
	"github.com/mbd888/opscenter/internal/detector"
	"github.com/mbd888/opscenter/internal/health"
	"github.com/mbd888/opscenter/internal/logging"
	"github.com/mbd888/opscenter/internal/marketplace"
	"github.com/mbd888/opscenter/internal/metrics"
	"github.com/mbd888/opscenter/internal/notify"
	"github.com/mbd888/opscenter/internal/ratelimit"
	"github.com/mbd888/opscenter/internal/security"
	"github.com/mbd888/opscenter/internal/snapshot"
	"github.com/mbd888/opscenter/internal/stream"
	"github.com/mbd888/opscenter/internal/traces"
	"github.com/mbd888/opscenter/internal/validation"
)

const (
	// counterKey is the shared admission counter for feed sessions.
	counterKey = "opscenter:admin_sse_connections"
	// staleTTL bounds how long a last-good dashboard response stays servable.
	staleTTL = time.Hour

	defaultDrainDelay = 5 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil if using in-process counters
	cache  cache.Cache
	source marketplace.Source

	alertStore    alerts.Store
	alertService  *alerts.Service
	detector      *detector.Detector
	detectorTimer *detector.Timer
	notifier      notify.Notifier
	snapshots     *snapshot.Service
	snapshotTimer *snapshot.Timer
	auditStore    audit.Store
	auditor       *audit.Recorder
	admission     *admission.Controller
	authn         *auth.Authenticator
	stepUp        *auth.StepUp
	limiter       *ratelimit.Limiter
	memoryStores  []*ratelimit.MemoryStore // stopped on shutdown
	health        *health.Registry         // /api/health: db, cache, identity provider
	feedProbes    *health.Registry         // feed health_status: db, cache

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	feedCtx         context.Context    // done once shutdown begins; ends feed sessions
	cancelFeeds     context.CancelFunc
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration
	version         string
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the build version reported on traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithSource sets the marketplace read model (for testing). It is ignored
// when DATABASE_URL is set.
func WithSource(src marketplace.Source) Option {
	return func(s *Server) {
		s.source = src
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: defaultDrainDelay,
	}
	s.feedCtx, s.cancelFeeds = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     s.version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupShared(ctx); err != nil {
		return nil, err
	}
	if err := s.setupServices(); err != nil {
		return nil, err
	}
	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupStorage picks Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		if s.source == nil {
			s.source = marketplace.NewMemorySource()
		}
		s.alertStore = alerts.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		s.snapshots = snapshot.NewService(s.source, snapshot.NewMemoryStore(), s.logger)
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	s.source = marketplace.NewPostgresSource(db)

	alertStore := alerts.NewPostgresStore(db)
	if err := alertStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate alert store", "error", err)
	}
	s.alertStore = alertStore
	s.auditStore = audit.NewPostgresStore(db)

	snapStore, err := snapshot.NewGormStore(db)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	s.snapshots = snapshot.NewService(s.source, snapStore, s.logger)
	return nil
}

// setupShared picks Redis for state shared across replicas (admission
// counter, rate-limit windows, caches), otherwise process memory.
func (s *Server) setupShared(ctx context.Context) error {
	var (
		counter  admission.Counter
		limits   ratelimit.Store
		activity ratelimit.Store
	)

	if s.cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(s.cfg.RedisURL)
		if err != nil {
			return err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.cache = cache.NewRedisCache(client, "opscenter:cache:")
		counter = admission.NewRedisCounter(client, counterKey)
		limits = ratelimit.NewRedisStore(client, "opscenter:rl:")
		activity = ratelimit.NewRedisStore(client, "opscenter:audit:")
		s.logger.Info("using redis for shared state")
	} else {
		s.cache = cache.NewMemoryCache()
		counter = admission.NewLocalCounter()
		limitStore := ratelimit.NewMemoryStore(time.Minute)
		activityStore := ratelimit.NewMemoryStore(10 * time.Minute)
		s.memoryStores = append(s.memoryStores, limitStore, activityStore)
		limits, activity = limitStore, activityStore
		s.logger.Info("using in-process shared state (single replica only)")
	}

	s.admission = admission.New(counter, int(s.cfg.StreamMaxSessions), s.logger)
	s.limiter = ratelimit.New(limits, s.logger)
	s.auditor = audit.NewRecorder(s.auditStore, activity, s.logger)
	return nil
}

func (s *Server) setupServices() error {
	thresholds, err := detector.LoadThresholds(s.cfg.DetectorConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load detector thresholds: %w", err)
	}

	if len(s.cfg.KafkaBrokers) > 0 {
		s.notifier = notify.NewKafkaNotifier(s.cfg.KafkaBrokers, s.cfg.KafkaAlertTopic, s.logger)
		s.logger.Info("alert notifications enabled", "topic", s.cfg.KafkaAlertTopic)
	} else {
		s.notifier = notify.NewLogNotifier(s.logger)
	}

	s.alertService = alerts.NewService(s.alertStore, s.logger)
	s.detector = detector.New(s.source, s.alertService, thresholds, s.logger).WithNotifier(s.notifier)
	s.detectorTimer = detector.NewTimer(s.detector, s.cfg.ScanInterval, s.logger)

	s.snapshots.WithLocation(s.cfg.Location())
	s.snapshotTimer = snapshot.NewTimer(s.snapshots, s.cfg.SnapshotInterval, s.logger)

	verifier := auth.NewVerifier(s.cfg.JWTSecret, s.cfg.JWTIssuer)
	s.authn = auth.NewAuthenticator(verifier, s.source)
	s.stepUp = auth.NewStepUp(s.cfg.VerifySecret, s.cache)
	return nil
}

func (s *Server) setupHealth() {
	var db health.Pinger = health.PingFunc(s.source.Ping)
	if s.db != nil {
		db = s.db
	}

	s.feedProbes = health.NewRegistry()
	s.feedProbes.Register("database", health.Database(db))
	s.feedProbes.Register("cache", health.Cache(s.cache))

	s.health = health.NewRegistry()
	s.health.Register("database", health.Database(db))
	s.health.Register("cache", health.Cache(s.cache))
	s.health.RegisterOptional("jwks", health.JWKS(&http.Client{Timeout: 5 * time.Second}, s.cfg.JWKSURL))
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID assigned upstream (load balancer, gateway).
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

// limit rate-limits op per authenticated admin.
func (s *Server) limit(op string, rule ratelimit.Rule) gin.HandlerFunc {
	return s.limiter.Middleware(op, rule, auth.GetAdminUID)
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", metrics.Handler())
	health.NewHandler(s.health, s.logger).RegisterRoutes(s.router)

	admin := s.router.Group("/api/admin", security.AdminHeadersMiddleware())

	// The feed authenticates itself so EventSource clients can pass ?token=.
	feedCfg := stream.Config{
		PollInterval:      s.cfg.StreamPollInterval,
		HeartbeatInterval: s.cfg.StreamHeartbeatInterval,
		HealthInterval:    s.cfg.StreamHealthInterval,
		MaxDuration:       s.cfg.StreamMaxDuration,
		Retry:             stream.DefaultRetry,
		Location:          s.cfg.Location(),
	}
	feedDeps := stream.Deps{
		Orders: s.source,
		Alerts: s.alertStore,
		Spikes: s.detector,
		Health: s.feedProbes,
	}
	feed := admin.Group("", s.limiter.Middleware("stream_connect", ratelimit.StreamConnect, ratelimit.ClientIP))
	stream.NewHandler(s.authn, s.admission, feedDeps, feedCfg, s.logger).
		WithAllowedOrigins(s.cfg.CORSAllowedOrigins).
		WithShutdown(s.feedCtx).
		RegisterRoutes(feed)

	protected := admin.Group("", auth.RequireAdmin(s.authn, s.logger))

	auth.NewHandler(s.stepUp).RegisterRoutes(protected, s.limit("admin_verify", ratelimit.AdminVerify))

	fraud := protected.Group("/fraud")
	alerts.NewHandler(s.alertService, s.auditor, s.logger).RegisterRoutes(fraud, alerts.RouteLimits{
		List:    s.limit("fraud_list", ratelimit.FraudList),
		Action:  s.limit("fraud_action", ratelimit.FraudAction),
		Summary: s.limit("fraud_summary", ratelimit.FraudSummary),
	})

	scan := []gin.HandlerFunc{s.limit("fraud_scan", ratelimit.FraudScan)}
	if s.cfg.RequireAdminVerify {
		scan = append(scan, auth.RequireVerify(s.stepUp, s.logger))
	}
	detector.NewHandler(s.detector, s.auditor, s.logger).
		RegisterRoutes(fraud, s.limit("high_risk_users", ratelimit.HighRiskUsers), scan...)

	audit.NewHandler(s.auditStore).RegisterRoutes(protected, s.limit("audit_read", ratelimit.AuditRead))

	analytics := circuitbreaker.NewGuard(circuitbreaker.New(circuitbreaker.Analytics), "analytics", s.cache, staleTTL, s.logger)
	overview := circuitbreaker.NewGuard(circuitbreaker.New(circuitbreaker.Overview), "overview", s.cache, staleTTL, s.logger)
	snapshot.NewHandler(s.snapshots, s.alertStore, s.detector, analytics, overview, s.logger).
		RegisterRoutes(protected, s.limit("analytics", ratelimit.Analytics))
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancelled by Shutdown once the listener has drained.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Feed sessions write for up to the max session duration.
		WriteTimeout: s.cfg.StreamMaxDuration + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "max_feed_sessions", s.admission.Max())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.detectorTimer.Start(runCtx)
	go s.snapshotTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.logger.Info("starting graceful shutdown")

	// Feed sessions never go idle on their own; end them first so
	// httpSrv.Shutdown only waits on ordinary requests.
	s.cancelFeeds()

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			if s.cancelRunCtx != nil {
				s.cancelRunCtx()
			}
			return err
		}
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.detectorTimer.Stop()
	s.snapshotTimer.Stop()
	s.logger.Info("background timers stopped")

	for _, m := range s.memoryStores {
		m.Stop()
	}

	if err := s.notifier.Close(); err != nil {
		s.logger.Error("notifier close error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
