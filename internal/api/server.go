// Package api provides the HTTP control plane: session launch and
// interrupt, lounge access, resume marking, drain, and a websocket feed of
// lifecycle events. The spawned agent itself is this API's main client.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ebibibi/claude-discord/internal/common/config"
	apperrors "github.com/ebibibi/claude-discord/internal/common/errors"
	"github.com/ebibibi/claude-discord/internal/common/logger"
	"github.com/ebibibi/claude-discord/internal/engine"
	"github.com/ebibibi/claude-discord/internal/events/bus"
	"github.com/ebibibi/claude-discord/internal/lounge"
	"github.com/ebibibi/claude-discord/internal/processor"
	"github.com/ebibibi/claude-discord/internal/storage"
)

// Sessions is the engine surface the API drives.
type Sessions interface {
	StartSession(ctx context.Context, req engine.StartRequest) error
	InterruptSession(threadID string) error
	Resolve(threadID, requestID string, decision processor.Decision) error
	MarkForResume(ctx context.Context, threadID string, reason storage.ResumeReason) error
	ListActiveSessions() []engine.ActiveSession
	SpawnDetachedSession(ctx context.Context, prompt, description string) (string, error)
	DrainAll(ctx context.Context, deadline time.Duration) int
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg      *config.Config
	sessions Sessions
	lounge   *lounge.Service
	bus      bus.EventBus
	logger   *logger.Logger
	router   *gin.Engine
	http     *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, sessions Sessions, loungeSvc *lounge.Service, eventBus bus.EventBus, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		lounge:   loungeSvc,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "api-server")),
		router:   gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // loopback control plane
			},
		},
	}

	s.setupRoutes()
	return s
}

// Router returns the HTTP router, used directly in tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(RequestLogger(s.logger), Recovery(s.logger))

	// Health check stays unauthenticated so process supervisors can probe.
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.GET("/sessions", s.handleListSessions)
		v1.POST("/sessions", s.handleStartSession)
		v1.POST("/sessions/:threadId/interrupt", s.handleInterrupt)
		v1.POST("/sessions/:threadId/decision", s.handleDecision)
		v1.POST("/sessions/:threadId/resume-mark", s.handleResumeMark)

		v1.GET("/lounge", s.handleRecentLounge)
		v1.POST("/lounge", s.handlePostLounge)

		v1.POST("/drain", s.handleDrain)

		v1.GET("/events/ws", s.handleEventsWS)
	}
}

// authMiddleware enforces the static bearer token. An empty configured
// token rejects everything: the API must be explicitly enabled.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.cfg.Server.AuthToken
		if token == "" {
			appErr := apperrors.Unauthorized("API is disabled: no auth token configured")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}

		header := c.GetHeader("Authorization")
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || provided != token {
			appErr := apperrors.Unauthorized("invalid or missing bearer token")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		c.Next()
	}
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Start runs the HTTP server until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Server.WriteTimeoutDuration(),
	}

	s.logger.Info("Control plane listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
