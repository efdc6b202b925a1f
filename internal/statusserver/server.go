// Package statusserver exposes a running session over HTTP: health, the
// current snapshot and prometheus metrics.
package statusserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/amoylab/polyroom/internal/session"
	"github.com/amoylab/polyroom/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const serviceName = "polyroom-status"

// SnapshotSource is implemented by *session.Manager
type SnapshotSource interface {
	Snapshot() session.Snapshot
}

type (
	// Server serves the status endpoints of one session manager
	Server struct {
		logger  *zap.Logger
		router  *gin.Engine
		http    *http.Server
		source  SnapshotSource
		metrics *metrics.Metrics
	}
)

// New builds the router; call Start to listen on addr
func New(logger *zap.Logger, addr string, source SnapshotSource, m *metrics.Metrics) *Server {
	s := &Server{
		logger:  logger.Named("statusserver"),
		router:  gin.New(),
		source:  source,
		metrics: m,
	}
	s.router.Use(s.recoveryMiddleware())
	s.router.Use(otelgin.Middleware(serviceName))
	s.router.Use(m.Middleware())
	s.router.Use(s.loggerMiddleware())
	s.registerRoutes()

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/api/session", s.handleSession)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports 503 once reconnecting gave up, 200 otherwise
func (s *Server) handleHealth(c *gin.Context) {
	snap := s.source.Snapshot()
	status := http.StatusOK
	if snap.Exhausted {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":    http.StatusText(status),
		"state":     snap.State.String(),
		"attempt":   snap.Attempt,
		"exhausted": snap.Exhausted,
	})
}

func (s *Server) handleSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Snapshot())
}

// Start listens in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info("status server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("failed to start status server", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.http.Shutdown(ctx)
}
