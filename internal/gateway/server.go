// Package gateway exposes the agent host over HTTP: REST endpoints for
// connection and session management plus a WebSocket stream per session
// for prompts, events, and permission decisions.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowrite/flowrite/internal/agent"
	"github.com/flowrite/flowrite/internal/common/config"
	"github.com/flowrite/flowrite/internal/common/httpmw"
	"github.com/flowrite/flowrite/internal/common/logger"
	"github.com/flowrite/flowrite/internal/eventlog"
	"github.com/flowrite/flowrite/internal/events/bus"
)

// Server is the HTTP front of the agent host.
type Server struct {
	cfg     config.ServerConfig
	manager *agent.Manager
	bus     bus.EventBus
	journal *eventlog.Store
	logger  *logger.Logger

	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the gin engine and registers all routes.
func NewServer(cfg config.ServerConfig, mgr *agent.Manager, b bus.EventBus, journal *eventlog.Store, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "gateway"))

	s := &Server{
		cfg:     cfg,
		manager: mgr,
		bus:     b,
		journal: journal,
		logger:  log.WithFields(zap.String("component", "gateway")),
		engine:  engine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "flowrite"})
	})

	api := s.engine.Group("/api/v1")
	api.GET("/catalog", s.httpListCatalog)
	api.POST("/agents/connect", s.httpConnect)
	api.GET("/agents/:agentId", s.httpGetInfo)
	api.DELETE("/agents/:agentId", s.httpDisconnect)
	api.POST("/agents/:agentId/sessions", s.httpNewSession)
	api.POST("/agents/:agentId/sessions/:sessionId/cancel", s.httpCancel)
	api.POST("/agents/:agentId/sessions/:sessionId/mode", s.httpSetMode)
	api.POST("/agents/:agentId/sessions/:sessionId/model", s.httpSetModel)
	api.POST("/agents/:agentId/permissions/:requestId", s.httpRespondPermission)
	api.GET("/agents/:agentId/sessions/:sessionId/stream", s.handleStream)
	api.GET("/events", s.httpListEvents)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeoutDuration())
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
