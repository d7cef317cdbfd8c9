// Package server wires the gateway, its backing stores and the background
// workers into one HTTP server.
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
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/sudigital/neptu-api/internal/auth"
	"github.com/sudigital/neptu-api/internal/circuitbreaker"
	"github.com/sudigital/neptu-api/internal/config"
	"github.com/sudigital/neptu-api/internal/credit"
	"github.com/sudigital/neptu-api/internal/gateway"
	"github.com/sudigital/neptu-api/internal/health"
	"github.com/sudigital/neptu-api/internal/janitor"
	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/metrics"
	"github.com/sudigital/neptu-api/internal/oauth"
	"github.com/sudigital/neptu-api/internal/ratelimit"
	"github.com/sudigital/neptu-api/internal/security"
	"github.com/sudigital/neptu-api/internal/traces"
	"github.com/sudigital/neptu-api/internal/usage"
	"github.com/sudigital/neptu-api/internal/webhooks"
	"github.com/sudigital/neptu-api/migrations"
)

const (
	serviceName      = "neptu-api"
	publicRPM        = 120 // per client IP on unauthenticated routes
	sweepInterval    = time.Minute
	dbStatsInterval  = 15 * time.Second
	healthTimeout    = 2 * time.Second
	drainDelay       = 5 * time.Second
	shutdownTimeout  = 30 * time.Second
	redisKeyPrefix   = "ratelimit:"
	readyAfterListen = 100 * time.Millisecond

	// consecutive Redis failures before the limiter stops calling it
	redisBreakerThreshold = 5
	redisBreakerOpen      = 30 * time.Second
)

// Server is the API gateway process.
type Server struct {
	cfg    *config.Config
	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil unless RATE_LIMIT_STORE=redis
	logger *slog.Logger

	credentials  auth.Store
	ledger       *credit.Ledger
	usageStore   usage.Store
	recorder     *usage.Recorder
	rateStore    ratelimit.Store
	limiter      *ratelimit.Limiter
	pipeline     *gateway.Pipeline
	oauth        *oauth.Service
	registry     *webhooks.Registry
	dispatcher   *webhooks.Dispatcher
	emitter      *webhooks.Emitter
	scheduler    *webhooks.Scheduler
	janitor      *janitor.Janitor
	janitorTimer *janitor.Timer
	checks       *health.Registry

	router         *gin.Engine
	httpSrv        *http.Server
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, serviceName, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	var (
		credentialStore auth.Store
		creditStore     credit.Store
		oauthStore      oauth.Store
		webhookStore    webhooks.Store
	)

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.checks.Register("postgres", health.PingChecker("postgres", db, healthTimeout))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		credentialStore = auth.NewPostgresStore(db)
		creditStore = credit.NewPostgresStore(db)
		s.usageStore = usage.NewPostgresStore(db)
		oauthStore = oauth.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		credentialStore = auth.NewMemoryStore()
		creditStore = credit.NewMemoryStore()
		s.usageStore = usage.NewMemoryStore()
		oauthStore = oauth.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
	}

	// Rate-limit windows: Redis when shared across replicas, otherwise per process
	if cfg.RateLimitStore == config.RateLimitStoreRedis {
		rdb, err := openRedis(ctx, cfg)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.redis = rdb
		s.rateStore = ratelimit.NewGuardedStore(
			ratelimit.NewRedisStore(rdb, redisKeyPrefix),
			circuitbreaker.New(redisBreakerThreshold, redisBreakerOpen),
			"redis",
		)
		s.checks.Register("redis", health.PingChecker("redis", health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}), healthTimeout))
		s.logger.Info("rate limiting backed by redis", "addr", cfg.RedisAddr)
	} else {
		s.rateStore = ratelimit.NewMemoryStore()
		s.logger.Info("rate limiting in-process (not shared across replicas)")
	}

	// Gateway
	s.credentials = credentialStore
	s.ledger = credit.NewLedger(creditStore, s.logger)
	s.limiter = ratelimit.NewLimiter(s.rateStore, ratelimit.WithLogger(s.logger))
	s.recorder = usage.NewRecorder(s.usageStore, s.logger,
		usage.WithQueueSize(cfg.UsageQueueSize),
		usage.WithWorkers(cfg.UsageWorkers),
	)
	s.pipeline = gateway.NewPipeline(
		auth.NewValidator(credentialStore, s.ledger.Resolver()),
		s.limiter,
		s.ledger,
		s.recorder,
		gateway.WithDefaultRPM(cfg.RateLimitDefaultRPM),
		gateway.WithLogger(s.logger),
	)

	// Webhooks
	urlPolicy := security.URLPolicy{AllowInsecure: cfg.WebhookAllowInsecureURLs}
	s.registry = webhooks.NewRegistry(webhookStore,
		webhooks.WithURLPolicy(urlPolicy),
		webhooks.WithRegistryLogger(s.logger),
	)
	s.dispatcher = webhooks.NewDispatcher(s.registry,
		webhooks.WithHTTPClient(security.WebhookHTTPClient(cfg.WebhookTimeout, urlPolicy)),
		webhooks.WithAttemptTimeout(cfg.WebhookTimeout),
		webhooks.WithMaxAttempts(cfg.WebhookMaxAttempts),
		webhooks.WithMaxInFlight(cfg.WebhookMaxInFlight),
		webhooks.WithBackoff(cfg.WebhookBackoffBase, cfg.WebhookBackoffMax),
		webhooks.WithDispatcherLogger(s.logger),
	)
	s.emitter = webhooks.NewEmitter(s.dispatcher, s.logger)
	s.scheduler = webhooks.NewScheduler(s.dispatcher, cfg.WebhookRetryInterval, cfg.WebhookRetryBatch, s.logger)
	if cfg.WebhookAllowInsecureURLs {
		s.logger.Warn("webhook URL checks relaxed: http:// and private targets allowed")
	}

	// OAuth clients and artifacts; lifecycle events fan out to webhooks
	s.oauth = oauth.NewService(oauthStore,
		oauth.WithNotifier(s.emitter),
		oauth.WithClientCleaner(s.registry),
		oauth.WithLogger(s.logger),
	)

	// Expiry janitor
	s.janitor = janitor.New(oauthStore, webhookStore,
		janitor.WithRetention(cfg.DeliveryRetention),
		janitor.WithLogger(s.logger),
	)
	s.janitorTimer = janitor.NewTimer(s.janitor, cfg.JanitorInterval, s.logger)

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

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: cfg.RedisConnTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.RedisConnTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
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
			"success": false,
			"error":   "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// Request size limit
	s.router.Use(security.BodyLimitMiddleware(s.cfg.MaxRequestBody))

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

	creditHandler := credit.NewHandler(s.ledger)
	usageHandler := usage.NewHandler(s.usageStore)
	oauthHandler := oauth.NewHandler(s.oauth)
	webhookHandler := webhooks.NewHandler(s.registry, s.oauth)
	janitorHandler := janitor.NewHandler(s.janitor)

	read := []string{auth.ScopeRead}
	write := []string{auth.ScopeWrite}
	admin := []string{auth.ScopeAdmin}

	// metered reads debit one standard credit when a subscription is attached
	metered := func(endpoint string) gateway.Route {
		return gateway.Route{Endpoint: endpoint, Scopes: read, StandardCost: credit.CostBasic}
	}
	route := func(endpoint string, scopes []string) gateway.Route {
		return gateway.Route{Endpoint: endpoint, Scopes: scopes}
	}
	protect := s.pipeline.Protect

	v1 := s.router.Group("/api/v1")

	// Public
	public := v1.Group("")
	public.Use(s.limiter.IPMiddleware(publicRPM))
	public.GET("/plans", creditHandler.ListPlans)
	public.GET("/webhooks/events", webhookHandler.ListEvents)

	// Credits and usage
	v1.GET("/credits", protect(metered("credits.balance"), creditHandler.GetBalance))
	v1.GET("/usage", protect(metered("usage.list"), usageHandler.List))
	v1.GET("/usage/summary", protect(metered("usage.summary"), usageHandler.Summary))

	// OAuth clients
	clients := v1.Group("/clients")
	clients.GET("", protect(route("clients.list", read), oauthHandler.ListClients))
	clients.POST("", protect(route("clients.create", write), oauthHandler.CreateClient))
	clients.GET("/:clientId", protect(route("clients.get", read), oauthHandler.GetClient))
	clients.PATCH("/:clientId", protect(route("clients.update", write), oauthHandler.UpdateClient))
	clients.DELETE("/:clientId", protect(route("clients.delete", write), oauthHandler.DeleteClient))
	clients.POST("/:clientId/authorize", protect(route("clients.authorize", write), oauthHandler.Authorize))
	clients.POST("/:clientId/tokens", protect(route("clients.tokens.issue", write), oauthHandler.IssueToken))
	clients.DELETE("/:clientId/tokens/:tokenId", protect(route("clients.tokens.revoke", write), oauthHandler.RevokeToken))

	// Webhook subscriptions
	hooks := clients.Group("/:clientId/webhooks")
	hooks.GET("", protect(route("webhooks.list", read), webhookHandler.List))
	hooks.POST("", protect(route("webhooks.create", write), webhookHandler.Create))
	hooks.GET("/:webhookId", protect(route("webhooks.get", read), webhookHandler.Get))
	hooks.PATCH("/:webhookId", protect(route("webhooks.update", write), webhookHandler.Update))
	hooks.DELETE("/:webhookId", protect(route("webhooks.delete", write), webhookHandler.Delete))
	hooks.POST("/:webhookId/rotate-secret", protect(route("webhooks.rotate_secret", write), webhookHandler.RotateSecret))
	hooks.GET("/:webhookId/deliveries", protect(route("webhooks.deliveries", read), webhookHandler.ListDeliveries))

	// Admin
	v1.POST("/admin/cleanup", protect(route("admin.cleanup", admin), janitorHandler.RunCleanup))
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
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
	if healthy, checks := s.checks.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
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

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.RequestTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"rate_limit_store", s.cfg.RateLimitStore,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(readyAfterListen)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.stopBackground(context.Background())
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	go s.scheduler.Start(ctx)
	go s.janitorTimer.Start(ctx)

	if ms, ok := s.rateStore.(*ratelimit.MemoryStore); ok {
		go ms.StartSweeper(ctx, sweepInterval)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, dbStatsInterval)
	}
	s.logger.Info("background workers started",
		"retry_interval", s.cfg.WebhookRetryInterval.String(),
		"janitor_interval", s.cfg.JanitorInterval.String(),
	)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.stopBackground(ctx)

	s.logger.Info("server stopped")
	return shutdownErr
}

// stopBackground stops the timers, then drains in-flight work before the
// stores it writes to are closed.
func (s *Server) stopBackground(ctx context.Context) {
	s.scheduler.Stop()
	s.janitorTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.logger.Info("timers stopped")

	s.emitter.Wait()

	if err := s.recorder.Close(ctx); err != nil {
		s.logger.Error("usage recorder drain incomplete", "error", err, "dropped", s.recorder.Dropped())
	} else {
		s.logger.Info("usage recorder drained")
	}

	s.closeStores()

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
