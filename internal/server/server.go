// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/tryonplugin/tryon/internal/admin"
	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/auth"
	"github.com/tryonplugin/tryon/internal/billing"
	"github.com/tryonplugin/tryon/internal/config"
	"github.com/tryonplugin/tryon/internal/counter"
	"github.com/tryonplugin/tryon/internal/dashboard"
	"github.com/tryonplugin/tryon/internal/gemini"
	"github.com/tryonplugin/tryon/internal/health"
	"github.com/tryonplugin/tryon/internal/logging"
	"github.com/tryonplugin/tryon/internal/metrics"
	"github.com/tryonplugin/tryon/internal/origin"
	"github.com/tryonplugin/tryon/internal/quota"
	"github.com/tryonplugin/tryon/internal/ratelimit"
	"github.com/tryonplugin/tryon/internal/realtime"
	"github.com/tryonplugin/tryon/internal/security"
	"github.com/tryonplugin/tryon/internal/tenant"
	"github.com/tryonplugin/tryon/internal/traces"
	"github.com/tryonplugin/tryon/internal/tryon"
	"github.com/tryonplugin/tryon/internal/usage"
	"github.com/tryonplugin/tryon/internal/validation"
)

// maxUploadRequestSize bounds the multipart bodies on the generation
// endpoints: two images at validation.MaxUploadSize plus form overhead.
const maxUploadRequestSize = 2*validation.MaxUploadSize + 1<<20

// publicSignupRPM rate-limits the unauthenticated signup and plan
// endpoints per client IP.
const publicSignupRPM = 10

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	tenants    tenant.Store
	events     usage.Store
	authMgr    *auth.Manager
	recorder   *usage.Recorder
	limiter    *ratelimit.Limiter
	quotas     *quota.Manager
	model      tryon.Model
	tryonSvc   *tryon.Service
	billingSvc *billing.Service
	pruner     *usage.Pruner
	hub        *realtime.Hub
	checks     *health.Registry
	db         *sql.DB       // nil if using in-memory
	rdb        *redis.Client // nil if using in-process counters
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger

	cancelRunCtx   context.CancelFunc         // cancels background goroutines started in Run
	shutdownTraces func(context.Context) error

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

// WithModel sets a custom generation model (for testing)
func WithModel(m tryon.Model) Option {
	return func(s *Server) {
		s.model = m
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set model/logger)
	for _, opt := range opts {
		opt(s)
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
		s.tenants = tenant.NewPostgresStore(db)
		s.events = usage.NewPostgresStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db), s.tenants)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.tenants = tenant.NewMemoryStore()
		s.events = usage.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore(), s.tenants)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Counter store for rate limiting (Redis if REDIS_URL set)
	var counters counter.Store
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.rdb = rdb
		counters = counter.NewRedisStore(rdb)
		s.logger.Info("using Redis rate-limit counters")

		s.checks.Register("redis", func(ctx context.Context) health.Status {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	} else {
		counters = counter.NewMemoryStore()
		s.logger.Info("using in-process rate-limit counters")
	}

	// Realtime hub doubles as the usage event sink, so merchants watch
	// try-ons land live.
	s.hub = realtime.NewHub(s.logger)
	s.recorder = usage.NewRecorder(s.events, s.hub)

	s.limiter = ratelimit.New(counters, s.recorder)
	s.quotas = quota.NewManager(s.tenants, s.recorder)

	// Generation model (real Gemini client unless injected)
	if s.model == nil {
		s.model = gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiTextModel)
	}
	s.tryonSvc = tryon.NewService(s.model, tryon.NewFetcher(), s.quotas, s.recorder, tryon.Config{
		Timeout:  cfg.GenerateTimeout,
		Attempts: cfg.GenerateAttempts,
	})

	// Billing. A nil concrete gateway must stay a nil interface so the
	// service sees billing as unconfigured.
	var gateway billing.Gateway
	if sg := billing.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret); sg != nil {
		gateway = sg
		s.logger.Info("stripe billing enabled")
	} else {
		s.logger.Warn("STRIPE_SECRET_KEY not set, billing disabled")
	}
	s.billingSvc = billing.NewService(s.tenants, s.events, gateway, billing.Prices{
		Starter: cfg.StripePriceStarter,
		Growth:  cfg.StripePriceGrowth,
	})

	s.pruner = usage.NewPruner(s.events, cfg.RetentionDays, s.logger)

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
		apierr.Write(c, apierr.New(http.StatusInternalServerError, apierr.CodeInternal,
			"An unexpected error occurred", true))
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS. The widget calls from arbitrary storefront origins.
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

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

	// WebSocket usage feed (API key via header or query param)
	s.router.GET("/ws", realtime.Handler(s.hub, s.authMgr))

	dashboardHandler := dashboard.NewHandler(s.tenants, s.authMgr, s.events, s.cfg.WidgetURL)
	billingHandler := billing.NewHandler(s.billingSvc, s.cfg.DashboardURL)
	authHandler := auth.NewHandler(s.authMgr)
	tryonHandler := tryon.NewHandler(s.tryonSvc)

	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no auth; IP rate limited)
	public := v1.Group("",
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		s.limiter.PublicMiddleware(publicSignupRPM),
	)
	dashboardHandler.RegisterPublicRoutes(public) // POST /stores
	billingHandler.RegisterPublicRoutes(public)   // GET /billing/plans

	// GENERATION ROUTES: auth -> origin -> rate limit -> quota.
	// Larger body limit for the image uploads.
	generation := v1.Group("",
		validation.RequestSizeMiddleware(maxUploadRequestSize),
		auth.Middleware(s.authMgr),
		origin.Middleware(),
		s.limiter.Middleware(),
		s.quotas.Middleware(),
	)
	tryonHandler.RegisterRoutes(generation) // POST /tryon, POST /classify

	// MANAGEMENT ROUTES (active stores only)
	authed := v1.Group("",
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		auth.Middleware(s.authMgr),
	)
	dashboardHandler.RegisterRoutes(authed) // GET/PATCH /stores/me, usage, embed code
	authHandler.RegisterRoutes(authed)      // API key CRUD under /stores/me/keys

	// BILLING ROUTES: suspended stores keep access so they can fix
	// their payment method.
	billingAuthed := v1.Group("",
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		auth.MiddlewareAllowInactive(s.authMgr),
	)
	billingHandler.RegisterRoutes(billingAuthed) // checkout, portal, usage

	// Stripe webhooks (signature-verified, no API key)
	billingHandler.RegisterWebhookRoutes(v1)

	// ADMIN ROUTES (shared secret)
	adminGroup := v1.Group("",
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		admin.Middleware(s.cfg.AdminSecret),
	)
	admin.NewHandler(s.tenants, s.pruner, s.billingSvc).RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when OTLP endpoint is unset)
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       3 * time.Minute, // generation requests upload images and wait on the model
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start usage retention pruner
	s.pruner.Start()

	// DB pool metrics
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, collectors)
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

	// Stop usage pruner
	s.pruner.Stop()
	s.logger.Info("usage pruner stopped")

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close Redis connection
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
