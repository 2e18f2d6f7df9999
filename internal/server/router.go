// Package server exposes the pipeline registry over HTTP.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"antares/internal/auth"
	"antares/internal/middleware"
	"antares/internal/pipeline"
	"antares/internal/stream"
	"antares/internal/ws"
)

// Registry is everything the HTTP layer reads from the pipeline.
type Registry interface {
	stream.FrameSource
	ws.MetricsSource
	Len() int
	CurrentMetrics(id int) (pipeline.PerformanceSnapshot, error)
	MetricsHistory(id int) ([]pipeline.PerformanceSnapshot, error)
	AllHistory() [][]pipeline.PerformanceSnapshot
	Summary() pipeline.Summary
	DroppedFrames(id int) (uint64, error)
}

// Options configures the router.
type Options struct {
	Logger        *zap.Logger
	Authenticator *auth.Authenticator
	CORSOrigins   []string
	Version       string

	Stream stream.Options

	// Hub serves /ws/performance when set.
	Hub *ws.PerformanceHub

	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
}

// Server holds the handlers of every route.
type Server struct {
	registry  Registry
	auth      *auth.Authenticator
	streams   *stream.Handler
	hub       *ws.PerformanceHub
	logger    *zap.Logger
	version   string
	startedAt time.Time
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(registry Registry, opts Options) (*gin.Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Authenticator == nil {
		a, err := auth.NewAuthenticator(auth.Options{})
		if err != nil {
			return nil, err
		}
		opts.Authenticator = a
	}
	if opts.Stream.Logger == nil {
		opts.Stream.Logger = opts.Logger
	}

	s := &Server{
		registry:  registry,
		auth:      opts.Authenticator,
		streams:   stream.NewHandler(registry, opts.Stream),
		hub:       opts.Hub,
		logger:    opts.Logger.Named("http"),
		version:   opts.Version,
		startedAt: time.Now(),
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(s.logger))
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic in handler", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}))
	router.Use(corsMiddleware(opts.CORSOrigins))

	router.GET("/health", s.health)
	router.GET("/readyz", s.ready)
	router.POST("/login", s.login)
	router.GET("/auth/status", s.authStatus)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/", middleware.RequireToken(s.auth))
	{
		api.GET("/video_feed/:id", s.videoFeed)
		api.GET("/snapshot/:id", s.snapshot)
		api.GET("/ws/video/:id", s.videoSocket)
		api.GET("/performance", s.allPerformance)
		api.GET("/performance/:id", s.performance)
		api.GET("/history", s.allHistory)
		api.GET("/history/:id", s.history)
		api.GET("/summary", s.summary)
		api.GET("/sources", s.sources)
		if s.hub != nil {
			api.GET("/ws/performance", gin.WrapH(ws.NewHandler(s.hub)))
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
			"path":  c.Request.URL.Path,
		})
	})

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         86400,
	})
	return func(ctx *gin.Context) {
		c.HandlerFunc(ctx.Writer, ctx.Request)
		if ctx.Request.Method == http.MethodOptions && ctx.GetHeader("Access-Control-Request-Method") != "" {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}
		ctx.Next()
	}
}

// sourceID parses the :id parameter, writing a 400 or 404 when it does not
// name a configured source.
func (s *Server) sourceID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source id must be a non-negative integer"})
		return 0, false
	}
	if id >= s.registry.Len() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown source", "source_id": id})
		return 0, false
	}
	return id, true
}
