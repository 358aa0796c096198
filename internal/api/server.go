// Package api exposes the Stageline HTTP API: jobs, projects, pipeline
// columns, workspace settings, notifications and worker control.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/stageline/internal/documents"
	"github.com/zulandar/stageline/internal/iteration"
	"github.com/zulandar/stageline/internal/notify"
	"github.com/zulandar/stageline/internal/queue"
	"github.com/zulandar/stageline/internal/worker"
	"github.com/zulandar/stageline/internal/workflow"
	"github.com/zulandar/stageline/internal/workspace"
	"gorm.io/gorm"
)

// Deps are the services the API delegates to.
type Deps struct {
	DB            *gorm.DB
	Workspaces    *workspace.Service
	Queue         *queue.Queue
	Documents     *documents.Store
	Workflow      *workflow.Engine
	Iterations    *iteration.Controller
	Workers       *worker.Manager
	Notifications *notify.Dispatcher
	Log           *slog.Logger
}

// Options configures the HTTP server.
type Options struct {
	Port int
	// AuthSecret, when set, requires an HS256 bearer token on /api routes.
	AuthSecret string
	// EventInterval is the worker status stream period. Zero means 2s.
	EventInterval time.Duration
	Out           io.Writer
}

// Server is the API server.
type Server struct {
	deps   Deps
	opts   Options
	router *gin.Engine
}

// New builds a Server and registers its routes.
func New(deps Deps, opts Options) (*Server, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.EventInterval <= 0 {
		opts.EventInterval = 2 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(deps.Log))

	s := &Server{deps: deps, opts: opts, router: router}
	s.registerRoutes()
	return s, nil
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves the API. It blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if s.opts.Out != nil {
		fmt.Fprintf(s.opts.Out, "Stageline API running at http://localhost:%d\n", s.opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
