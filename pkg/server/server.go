package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soundprediction/tempora"
	"github.com/soundprediction/tempora/pkg/config"
	"github.com/soundprediction/tempora/pkg/metrics"
	"github.com/soundprediction/tempora/pkg/server/handlers"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/utils"
)

// Server represents the HTTP server
type Server struct {
	config  *config.Config
	router  *gin.Engine
	tempora tempora.Tempora
	server  *http.Server
	logger  *slog.Logger
}

// New creates a new server instance
func New(cfg *config.Config, client tempora.Tempora, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:  cfg,
		tempora: client,
		logger:  logger,
	}
}

// Setup sets up the server routes and middleware
func (s *Server) Setup() {
	gin.SetMode(s.config.Server.Mode)

	s.router = gin.New()

	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.logger))
	s.router.Use(metricsMiddleware())
	s.router.Use(corsMiddleware())
	s.router.Use(contextMiddleware())

	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the configured router. Setup must run first.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes sets up all the routes
func (s *Server) setupRoutes() {
	var admin tempora.Admin
	if s.tempora != nil {
		admin = s.tempora
	}
	healthHandler := handlers.NewHealthHandler(admin)

	s.router.GET("/health", healthHandler.HealthCheck)
	s.router.GET("/healthcheck", healthHandler.HealthCheck) // Legacy endpoint
	s.router.GET("/ready", healthHandler.ReadinessCheck)
	s.router.GET("/live", healthHandler.LivenessCheck) // Kubernetes liveness probe
	s.router.GET("/health/detailed", healthHandler.DetailedHealthCheck)

	if s.config.Metrics.Enabled {
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(promhttp.Handler()))
	}

	if s.tempora == nil {
		s.logger.Warn("No tempora client configured, API routes disabled")
		return
	}

	queryHandler := handlers.NewQueryHandler(s.tempora, s.logger)
	analysisHandler := handlers.NewAnalysisHandler(s.tempora, s.logger)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/snapshot", queryHandler.Snapshot)

		entity := v1.Group("/entity/:id")
		{
			entity.GET("/at-time", queryHandler.GetAtTime)
			entity.GET("/versions", queryHandler.GetVersions)
			entity.GET("/version-tree", queryHandler.GetVersionTree)
			entity.GET("/timeline", queryHandler.GetTimeline)
		}

		v1.GET("/relationship/:id", queryHandler.GetRelationship)

		q := v1.Group("/query")
		{
			q.GET("/compare-snapshots", queryHandler.CompareSnapshots)
			q.GET("/temporal-path", queryHandler.TemporalPath)
			q.GET("/concept-evolution", queryHandler.ConceptEvolution)
		}

		a := v1.Group("/analysis")
		{
			a.GET("/research-trends", analysisHandler.ResearchTrends)
			a.GET("/research-acceleration", analysisHandler.ResearchAcceleration)
			a.GET("/stagnation-detection", analysisHandler.StagnationDetection)
			a.GET("/recurring-patterns", analysisHandler.RecurringPatterns)
		}
	}
}

// Start starts the server
func (s *Server) Start() error {
	s.logger.Info("Starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop stops the server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping server")
	return s.server.Shutdown(ctx)
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// contextMiddleware extracts context information from headers
func contextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		userID := c.GetHeader("X-User-ID")
		if userID != "" {
			ctx = context.WithValue(ctx, types.ContextKeyUserID, userID)
		}

		sessionID := c.GetHeader("X-Session-ID")
		if sessionID != "" {
			ctx = context.WithValue(ctx, types.ContextKeySessionID, sessionID)
		}

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = utils.GenerateUUID()
		}
		ctx = context.WithValue(ctx, types.ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)

		ctx = context.WithValue(ctx, types.ContextKeyRequestSource, "server")

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// requestLogger logs one line per request. Server errors log at error level.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.LogAttrs(c.Request.Context(), level, "Request handled",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		)
	}
}

// metricsMiddleware records request counts and latency by route template.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
