// Package api serves the repair job HTTP and websocket interface.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/marcus/greenloop/internal/config"
	"github.com/marcus/greenloop/internal/jobs"
	"github.com/marcus/greenloop/internal/logging"
	"github.com/marcus/greenloop/internal/metrics"
	"github.com/marcus/greenloop/internal/runner"
)

// Runner is the job service behind the API.
type Runner interface {
	Submit(req runner.Request) (*jobs.Job, error)
	Get(ctx context.Context, id string) (jobs.Snapshot, error)
	List(ctx context.Context, limit int) ([]jobs.Snapshot, error)
	Cancel(id string) error
	Reindex(ctx context.Context, workspace string) (int, error)
	Registry() *jobs.Registry
}

// Server is the HTTP front end.
type Server struct {
	runner  Runner
	cfg     config.ServerConfig
	metrics *metrics.Metrics
	logger  *logging.Logger
	router  *gin.Engine
	quit    chan struct{}
	once    sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer builds the router.
func NewServer(r Runner, cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		runner: r,
		cfg:    cfg,
		logger: logging.Component("api"),
		quit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Router returns the gin engine, for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), s.cors())

	h := &handlers{runner: s.runner, logger: s.logger, quit: s.quit}
	tasks := router.Group("/tasks")
	tasks.POST("/run", h.runTask)
	tasks.GET("", h.listTasks)
	tasks.GET("/:id", h.getTask)
	tasks.GET("/:id/stream", h.streamTask)
	tasks.POST("/:id/cancel", h.cancelTask)

	router.POST("/rag/reindex", h.reindex)
	router.GET("/healthz", h.health)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	return router
}

func (s *Server) cors() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", "X-Requested-With"},
		MaxAge:       12 * time.Hour,
	}
	origins := s.cfg.AllowOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := map[string]any{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.WarnCtx("request failed", fields)
			return
		}
		s.logger.DebugCtx("request", fields)
	}
}

// Run serves on the configured address until ctx ends, then shuts down
// gracefully. Open websocket streams are closed first.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoCtx("api listening", map[string]any{"addr": s.cfg.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.once.Do(func() { close(s.quit) })
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
