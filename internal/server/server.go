// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/neighborhood-lab/care-commons-sub016/internal/aggregator"
	"github.com/neighborhood-lab/care-commons-sub016/internal/config"
	"github.com/neighborhood-lab/care-commons-sub016/internal/devicequeue"
	"github.com/neighborhood-lab/care-commons-sub016/internal/evv"
	"github.com/neighborhood-lab/care-commons-sub016/internal/health"
	"github.com/neighborhood-lab/care-commons-sub016/internal/logging"
	"github.com/neighborhood-lab/care-commons-sub016/internal/metrics"
	"github.com/neighborhood-lab/care-commons-sub016/internal/ratelimit"
	"github.com/neighborhood-lab/care-commons-sub016/internal/realtime"
	"github.com/neighborhood-lab/care-commons-sub016/internal/receipts"
	"github.com/neighborhood-lab/care-commons-sub016/internal/security"
	"github.com/neighborhood-lab/care-commons-sub016/internal/staterules"
	"github.com/neighborhood-lab/care-commons-sub016/internal/submission"
	"github.com/neighborhood-lab/care-commons-sub016/internal/traces"
	"github.com/neighborhood-lab/care-commons-sub016/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	rules         *staterules.Registry
	store         evv.Store
	attempts      submission.Store
	directory     *evv.MemoryDirectory
	evvService    *evv.Service
	orchestrator  *submission.Orchestrator
	submitTimer   *submission.Timer
	realtimeHub   *realtime.Hub
	healthReg     *health.Registry
	receiptSvc    *receipts.Service
	devQueue      *devicequeue.Manager // development-only offline queue simulator
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc         // cancels background goroutines started in Run
	tracesCleanup func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDirectory sets a pre-seeded visit directory (for testing)
func WithDirectory(d *evv.MemoryDirectory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set logger/directory)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// State rules (compiled-in defaults, optionally overridden from file)
	var err error
	if cfg.StateRulesPath != "" {
		s.rules, err = staterules.NewFromFile(cfg.StateRulesPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load state rules: %w", err)
		}
		s.logger.Info("state rules loaded from file", "path", cfg.StateRulesPath)
	} else {
		s.rules, err = staterules.New()
		if err != nil {
			return nil, fmt.Errorf("failed to build state rules: %w", err)
		}
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		evvStore := evv.NewPostgresStore(db)
		if err := evvStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate EVV store", "error", err)
		}
		s.store = evvStore

		attemptStore := submission.NewPostgresStore(db)
		if err := attemptStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate submission store", "error", err)
		}
		s.attempts = attemptStore

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.store = evv.NewMemoryStore()
		s.attempts = submission.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Signed audit receipts for accepted submissions
	var receiptStore receipts.Store
	if s.db != nil {
		pgReceipts := receipts.NewPostgresStore(s.db)
		if err := pgReceipts.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate receipt store", "error", err)
		}
		receiptStore = pgReceipts
	} else {
		receiptStore = receipts.NewMemoryStore()
	}
	s.receiptSvc = receipts.NewService(receiptStore, receipts.NewSigner(cfg.ReceiptSecret))
	if cfg.ReceiptSecret == "" {
		s.logger.Warn("RECEIPT_SECRET not set, submission receipts disabled")
	}

	// Visit directory (in-memory; fed by the scheduling integration)
	if s.directory == nil {
		s.directory = evv.NewMemoryDirectory()
	}

	// Realtime hub for WebSocket streaming of compliance events
	s.realtimeHub = realtime.NewHub(s.logger)

	// Aggregator adapters from configured vendor endpoints
	adapters, err := s.buildAdapters()
	if err != nil {
		return nil, err
	}
	for kind := range adapters {
		s.logger.Info("aggregator adapter configured", "vendor", string(kind))
	}

	// Submission orchestrator and durable retry sweep
	s.orchestrator = submission.NewOrchestrator(
		s.store, s.attempts, s.rules, adapters, s.logger,
		submission.WithBackoff(submission.BackoffPolicy{
			Base:        cfg.SubmitBackoffBase,
			Max:         cfg.SubmitBackoffMax,
			MaxAttempts: cfg.SubmitMaxAttempts,
		}),
		submission.WithEvents(s.realtimeHub),
		submission.WithReceipts(s.receiptSvc),
	)
	s.submitTimer = submission.NewTimer(s.orchestrator, s.store, s.logger,
		submission.WithSweepInterval(cfg.SubmitSweepEvery),
		submission.WithSweepBatch(cfg.SubmitSweepBatch),
	)

	// EVV clock workflow
	s.evvService = evv.NewService(s.store, s.rules, s.directory,
		evv.WithSubmitter(s.orchestrator),
		evv.WithEvents(s.realtimeHub),
	)

	// Offline queue simulator for development builds. Queued clock
	// events drain straight into the local EVV service, matching what
	// the mobile shell does against a real backend.
	if cfg.IsDevelopment() {
		s.devQueue = devicequeue.NewManager(
			devicequeue.NewMemoryStorage(),
			&loopbackSender{svc: s.evvService},
			alwaysOnline{},
			s.logger,
		)
	}

	// Tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	s.tracesCleanup, err = traces.Init(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		s.tracesCleanup = nil
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildAdapters constructs one adapter per vendor with a configured base
// URL, plus a routing adapter for states that split traffic by program.
func (s *Server) buildAdapters() (map[staterules.AggregatorKind]aggregator.Adapter, error) {
	adapters := make(map[staterules.AggregatorKind]aggregator.Adapter)

	add := func(kind staterules.AggregatorKind, baseURL string, build func() aggregator.Adapter) error {
		if baseURL == "" {
			return nil
		}
		if s.cfg.IsProduction() {
			if err := security.ValidateEndpointURL(baseURL); err != nil {
				return fmt.Errorf("aggregator %s endpoint rejected: %w", kind, err)
			}
		}
		adapters[kind] = build()
		return nil
	}

	if err := add(staterules.AggregatorSandata, s.cfg.SandataBaseURL, func() aggregator.Adapter {
		return aggregator.NewSandata(aggregator.Config{
			BaseURL:   s.cfg.SandataBaseURL,
			APIKey:    s.cfg.SandataAPIKey,
			AccountID: s.cfg.SandataAccountID,
			Timeout:   s.cfg.AggregatorTimeout,
		})
	}); err != nil {
		return nil, err
	}
	if err := add(staterules.AggregatorTellus, s.cfg.TellusBaseURL, func() aggregator.Adapter {
		return aggregator.NewTellus(aggregator.Config{
			BaseURL:   s.cfg.TellusBaseURL,
			APIKey:    s.cfg.TellusAPIKey,
			AccountID: s.cfg.TellusAccountID,
			Timeout:   s.cfg.AggregatorTimeout,
		})
	}); err != nil {
		return nil, err
	}
	if err := add(staterules.AggregatorHHAeXchange, s.cfg.HHAXBaseURL, func() aggregator.Adapter {
		return aggregator.NewHHAeXchange(aggregator.Config{
			BaseURL:   s.cfg.HHAXBaseURL,
			APIKey:    s.cfg.HHAXAPIKey,
			AccountID: s.cfg.HHAXAccountID,
			Timeout:   s.cfg.AggregatorTimeout,
		})
	}); err != nil {
		return nil, err
	}

	// Multi-aggregator states route by service-type-code prefix, e.g.
	// MULTI_ROUTES="T=sandata,S=tellus" with MULTI_DEFAULT as fallback.
	if routes, fallback, err := s.multiRouting(adapters); err != nil {
		return nil, err
	} else if len(routes) > 0 || fallback != nil {
		adapters[staterules.AggregatorMulti] = aggregator.NewMulti(routes, fallback)
	}

	return adapters, nil
}

func (s *Server) multiRouting(adapters map[staterules.AggregatorKind]aggregator.Adapter) ([]aggregator.Route, aggregator.Adapter, error) {
	lookup := func(name string) (aggregator.Adapter, error) {
		a, ok := adapters[staterules.AggregatorKind(name)]
		if !ok {
			return nil, fmt.Errorf("multi route references unconfigured vendor %q", name)
		}
		return a, nil
	}

	var routes []aggregator.Route
	if s.cfg.MultiRoutes != "" {
		for _, part := range strings.Split(s.cfg.MultiRoutes, ",") {
			prefix, vendor, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok || prefix == "" {
				return nil, nil, fmt.Errorf("invalid MULTI_ROUTES entry %q", part)
			}
			a, err := lookup(vendor)
			if err != nil {
				return nil, nil, err
			}
			routes = append(routes, aggregator.Route{ServicePrefix: prefix, Adapter: a})
		}
	}

	var fallback aggregator.Adapter
	if s.cfg.MultiDefault != "" {
		a, err := lookup(s.cfg.MultiDefault)
		if err != nil {
			return nil, nil, err
		}
		fallback = a
	}
	return routes, fallback, nil
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
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time compliance streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware())

	// Clock workflow and record queries
	evv.NewHandler(s.evvService).RegisterRoutes(v1)

	// Submission pipeline: dispositions, resubmission, audit trail
	submission.NewHandler(s.orchestrator).RegisterRoutes(v1)

	// Signed submission receipts for auditors
	receipts.NewHandler(s.receiptSvc).RegisterRoutes(v1)

	// Visit directory feed from the scheduling system
	visits := v1.Group("")
	if s.cfg.AdminSecret != "" {
		visits.Use(s.adminAuthMiddleware())
	}
	visits.POST("/visits", s.registerVisitHandler)

	// State rule lookup for mobile clients
	v1.GET("/states/:code", s.stateRuleHandler)

	// Offline queue simulator, development builds only
	if s.devQueue != nil {
		debug := s.router.Group("/debug")
		debug.GET("/queue", s.queueStatsHandler)
		debug.POST("/queue/enqueue", s.queueEnqueueHandler)
		debug.POST("/queue/drain", s.queueDrainHandler)
	}
}

// adminAuthMiddleware guards write routes fed by backoffice systems.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required",
			})
			return
		}
		c.Next()
	}
}

// registerVisitHandler handles POST /v1/visits. The scheduling system
// pushes upcoming visits here so clock events can resolve them.
func (s *Server) registerVisitHandler(c *gin.Context) {
	var vc evv.VisitContext
	if err := c.ShouldBindJSON(&vc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	vc.StateCode = validation.SanitizeStateCode(vc.StateCode)
	if verrs := validation.Validate(
		validation.Required("visitId", vc.VisitID),
		validation.Required("clientId", vc.ClientID),
		validation.Required("caregiverId", vc.CaregiverID),
		validation.ValidStateCode("stateCode", vc.StateCode),
		validation.ValidNPI("providerNpi", vc.ProviderNPI),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	}
	if _, err := s.rules.Get(vc.StateCode); err != nil {
		var unknown *staterules.UnknownStateError
		if errors.As(err, &unknown) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "unknown_state",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to resolve state rules",
		})
		return
	}

	s.directory.RegisterVisit(&vc)
	c.JSON(http.StatusCreated, gin.H{"visitId": vc.VisitID})
}

// stateRuleHandler handles GET /v1/states/:code
func (s *Server) stateRuleHandler(c *gin.Context) {
	code := validation.SanitizeStateCode(c.Param("code"))
	rule, err := s.rules.Get(code)
	if err != nil {
		var unknown *staterules.UnknownStateError
		if errors.As(err, &unknown) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_state",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to resolve state rules",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// -----------------------------------------------------------------------------
// Development queue simulator
// -----------------------------------------------------------------------------

// loopbackSender drains queued clock events into the local EVV service,
// standing in for the mobile shell's HTTP sender.
type loopbackSender struct {
	svc *evv.Service
}

func (l *loopbackSender) Send(ctx context.Context, item *devicequeue.Item) error {
	var req evv.ClockRequest
	if err := json.Unmarshal(item.Payload, &req); err != nil {
		return devicequeue.Permanent(fmt.Errorf("malformed payload: %w", err))
	}

	var err error
	switch item.Kind {
	case devicequeue.KindClockIn:
		_, err = l.svc.ClockIn(ctx, req)
	case devicequeue.KindClockOut:
		_, err = l.svc.ClockOut(ctx, req)
	default:
		return devicequeue.Permanent(fmt.Errorf("unsupported kind %q", item.Kind))
	}
	if err != nil {
		// Workflow refusals will never succeed on retry.
		if errors.Is(err, evv.ErrVisitNotFound) ||
			errors.Is(err, evv.ErrAlreadyClockedIn) ||
			errors.Is(err, evv.ErrNotClockedIn) ||
			errors.Is(err, evv.ErrAlreadyClockedOut) {
			return devicequeue.Permanent(err)
		}
		return devicequeue.Retriable(err)
	}
	return nil
}

// alwaysOnline satisfies devicequeue.Connectivity for the in-process
// simulator.
type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

func (s *Server) queueStatsHandler(c *gin.Context) {
	stats, err := s.devQueue.QueueStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

type queueEnqueueRequest struct {
	Kind    string          `json:"kind" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

func (s *Server) queueEnqueueHandler(c *gin.Context) {
	var req queueEnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	item, err := s.devQueue.Enqueue(req.Kind, req.Payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": item})
}

func (s *Server) queueDrainHandler(c *gin.Context) {
	sent, failed, err := s.devQueue.ProcessQueue(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent, "failed": failed})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "CareCommons EVV",
		"description": "Electronic Visit Verification compliance pipeline",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start submission sweep timer
	go s.submitTimer.Start(runCtx)

	// Sample DB pool stats into Prometheus gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweep timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop submission sweep timer
	if s.submitTimer != nil {
		s.submitTimer.Stop()
		s.logger.Info("submission timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesCleanup != nil {
		if err := s.tracesCleanup(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Directory returns the visit directory for test seeding.
func (s *Server) Directory() *evv.MemoryDirectory {
	return s.directory
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
