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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/config"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/escrow"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/health"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/idgen"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/logging"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/metrics"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/notify"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/payments"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/projects"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/ratelimit"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/security"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/traces"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/users"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	users         users.Store
	projects      projects.Store
	escrowStore   escrow.Store
	escrowService *escrow.Service
	reconciler    *escrow.Reconciler
	sweeper       *escrow.Sweeper
	gateway       payments.Gateway
	dispatcher    *notify.Dispatcher
	notifyStore   notify.Store
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	shutdownTrace func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

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

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.users = users.NewPostgresStore(db)
		s.projects = projects.NewPostgresStore(db)
		s.escrowStore = escrow.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.users = users.NewMemoryStore()
		s.projects = projects.NewMemoryStore()
		s.escrowStore = escrow.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")

		if err := s.seedDemoData(ctx); err != nil {
			return nil, fmt.Errorf("failed to seed demo data: %w", err)
		}
	}

	// Payment gateway (Stripe unless injected)
	if s.gateway == nil {
		s.gateway = payments.NewStripeGateway(cfg.StripeSecretKey)
	}

	// Outbound notifications
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	events := &notifyEventsAdapter{dispatcher: s.dispatcher, logger: s.logger}

	// Escrow engine
	directory := &directoryAdapter{s.users}
	bridge := &projectBridgeAdapter{s.projects}
	s.escrowService = escrow.NewService(s.escrowStore, s.gateway, directory, bridge).WithEvents(events)
	s.reconciler = escrow.NewReconciler(s.escrowStore, bridge).WithEvents(events)
	s.sweeper = escrow.NewSweeper(s.escrowService, s.escrowStore, cfg.PendingEscrowTTL, cfg.SweepInterval, s.logger)
	s.logger.Info("escrow engine enabled",
		"pending_ttl", cfg.PendingEscrowTTL.String(),
		"sweep_interval", cfg.SweepInterval.String(),
	)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DBChecker(s.db))
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

// seedDemoData creates a client, a freelancer, and an open project so the
// escrow API is exercisable in demo mode, where no signup flow exists.
func (s *Server) seedDemoData(ctx context.Context) error {
	now := time.Now().UTC()

	demoUsers := []*users.User{
		{ID: "usr_demo_client", Name: "Demo Client", Email: "client@demo.campusworks.dev", Role: users.RoleClient, CreatedAt: now},
		{ID: "usr_demo_freelancer", Name: "Demo Freelancer", Email: "freelancer@demo.campusworks.dev", Role: users.RoleFreelancer, CreatedAt: now},
	}
	for _, u := range demoUsers {
		if err := s.users.Create(ctx, u); err != nil {
			return err
		}
	}

	project := &projects.Project{
		ID:           "prj_demo",
		ClientID:     "usr_demo_client",
		FreelancerID: "usr_demo_freelancer",
		Title:        "Demo project",
		Status:       projects.StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.projects.Create(ctx, project); err != nil {
		return err
	}

	s.logger.Info("demo data seeded",
		"client", "usr_demo_client",
		"freelancer", "usr_demo_freelancer",
		"project", "prj_demo",
	)
	return nil
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
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
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
			requestID = idgen.Hex(16)
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

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	escrowHandler := escrow.NewHandler(s.escrowService, s.reconciler, s.cfg.StripeWebhookSecret, s.cfg.AdminSecret)
	escrowHandler.RegisterRoutes(v1)

	notifyHandler := notify.NewHandler(s.notifyStore, s.cfg.AdminSecret)
	notifyHandler.RegisterRoutes(v1)
}

// HealthResponse is the payload for the /health endpoint
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx := c.Request.Context()

	checks := map[string]string{
		"server": "healthy",
	}
	if !s.healthy.Load() {
		checks["server"] = "unhealthy"
	}

	allHealthy, statuses := s.healthReg.CheckAll(ctx)
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy || !s.healthy.Load() {
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
		"name":        "CampusWorks",
		"description": "Escrow payments for campus freelance work",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when OTLP_ENDPOINT unset)
	shutdownTrace, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the pending-escrow expiry sweep
	go s.sweeper.Start(runCtx)

	// Export DB pool gauges
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

	// Cancel the context for all background goroutines
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

	s.sweeper.Stop()
	s.logger.Info("escrow sweeper stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

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
