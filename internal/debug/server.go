package debug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/config"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/logging"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
)

const shutdownTimeout = 5 * time.Second

// Options configure a Server.
type Options struct {
	Config  config.DebugConfig
	Root    *task.Job
	Metrics *monitoring.Metrics
	// Logger receives request logs and is the target of level changes.
	Logger      *logging.Logger
	Development bool
}

// Server exposes kernel state over HTTP.
type Server struct {
	router  *gin.Engine
	http    *http.Server
	root    *task.Job
	metrics *monitoring.Metrics
	logger  *logging.Logger
}

// NewServer builds the router. Root defaults to the root job.
func NewServer(opts Options) *Server {
	if opts.Root == nil {
		opts.Root = task.RootJob()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if !opts.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:  gin.New(),
		root:    opts.Root,
		metrics: opts.Metrics,
		logger:  opts.Logger.Subsystem("debug"),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(Trace(s.logger.Logger))
	if s.metrics != nil {
		s.router.Use(monitoring.Middleware(s.metrics))
	}
	cors := DefaultCORSConfig()
	if len(opts.Config.AllowOrigins) > 0 {
		cors.AllowOrigins = opts.Config.AllowOrigins
	}
	s.router.Use(CORS(cors))

	s.router.GET("/health", s.health)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
		s.router.GET("/debug/stats", s.stats)
	}

	dbg := s.router.Group("/debug")
	dbg.GET("/jobs", s.jobs)
	dbg.GET("/processes/:koid", s.process)
	dbg.POST("/processes/:koid/kill", s.killProcess)
	dbg.GET("/log/level", s.logLevel)
	dbg.PUT("/log/level", s.setLogLevel)

	s.http = &http.Server{
		Addr:              opts.Config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("debug server listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting debug server", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down debug server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(sctx); err != nil {
		return fmt.Errorf("debug server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
