package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"candle-break-backtester/config"
	"candle-break-backtester/internal/auth"
	"candle-break-backtester/internal/events"
	"candle-break-backtester/internal/logging"
	"candle-break-backtester/internal/metrics"
	"candle-break-backtester/internal/opportunity"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RateLimiter provides simple in-memory rate limiting per client
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// HealthChecker is implemented by *database.DB.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies are the collaborators the server reads from. Store is
// required; the rest may be nil.
type Dependencies struct {
	Store    opportunity.Store
	Runs     *RunSnapshot
	Database HealthChecker
	EventBus *events.EventBus
	JWT      *auth.JWTManager // nil disables bearer auth on /api
	Logger   *logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	store       opportunity.Store
	runs        *RunSnapshot
	database    HealthChecker
	hub         *WSHub
	config      config.ServerConfig
	jwtManager  *auth.JWTManager
	rateLimiter *RateLimiter
	logger      *logging.Logger
	startedAt   time.Time
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	runs := deps.Runs
	if runs == nil {
		runs = NewRunSnapshot()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if origins := parseOrigins(cfg.AllowedOrigins); len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		store:       deps.Store,
		runs:        runs,
		database:    deps.Database,
		hub:         NewWSHub(logger),
		config:      cfg,
		jwtManager:  deps.JWT,
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      logger,
		startedAt:   time.Now(),
	}
	router.Use(server.requestLogger())

	go server.hub.Run()
	if deps.EventBus != nil {
		deps.EventBus.SubscribeAll(server.hub.BroadcastEvent)
	}

	server.setupRoutes()
	return server
}

func parseOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"http://localhost:5173"}
	}
	return origins
}

// requestLogger logs each request and counts it by matched route.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.APIRequests.WithLabelValues(c.Request.Method, route, fmt.Sprint(status)).Inc()

		entry := logging.APIContext(c.Request.Method, c.Request.URL.Path, status).WithDuration(time.Since(start))
		if status >= http.StatusInternalServerError {
			entry.Warn("Request failed", "client_ip", c.ClientIP())
		} else {
			entry.Debug("Request served")
		}
	}
}

// rateLimitMiddleware rejects clients that exceed the per-minute budget
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			errorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api", s.rateLimitMiddleware())
	if s.jwtManager != nil {
		api.Use(auth.Middleware(s.jwtManager), auth.RequireScope(auth.ScopeRead))
	}

	opps := api.Group("/opportunities")
	{
		opps.GET("", s.handleListOpportunities)
		opps.GET("/:id", s.handleGetOpportunity)
	}

	sim := api.Group("/simulation")
	{
		sim.GET("/summary", s.handleSimulationSummary)
		sim.GET("/positions", s.handleSimulationPositions)
		sim.GET("/equity", s.handleSimulationEquity)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  seconds(s.config.ReadTimeout, 15),
		WriteTimeout: seconds(s.config.WriteTimeout, 15),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.hub.Stop()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{
		"status":            "healthy",
		"uptime_seconds":    int64(time.Since(s.startedAt).Seconds()),
		"websocket_clients": s.hub.GetClientCount(),
	}

	if s.database != nil {
		if err := s.database.HealthCheck(ctx); err != nil {
			body["status"] = "unhealthy"
			body["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "healthy"
	}

	c.JSON(http.StatusOK, body)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
