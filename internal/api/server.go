// Package api is the HTTP surface: the public REST+SSE API in solo and
// coordinator modes, and the same routes behind the internal secret in
// runner mode. Coordinator-mode handlers that touch a sandbox resolve the
// owning runner and proxy; everything else is served from the shared
// repository.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ashrun/ash/internal/auth"
	"github.com/ashrun/ash/internal/bridge"
	"github.com/ashrun/ash/internal/coordinator"
	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/logging"
	"github.com/ashrun/ash/internal/metrics"
	"github.com/ashrun/ash/internal/pool"
	"github.com/ashrun/ash/internal/sandbox"
	"github.com/ashrun/ash/internal/session"
	"github.com/ashrun/ash/internal/storage"
)

// Config wires a Server.
type Config struct {
	Mode           string // solo, coordinator, runner
	Version        string
	APIKey         string // static bearer key; empty means stored keys or dev mode
	DevMode        bool
	InternalSecret string
	RateLimitRPS   float64
}

// Server owns the echo instance and the handler set for one node. Which
// fields are populated depends on the mode: solo and runner nodes carry an
// orchestrator and terminal manager, coordinators carry the coordinator
// and a standalone agent library.
type Server struct {
	cfg     Config
	e       *echo.Echo
	repo    db.Repository
	orch    *session.Orchestrator    // nil in coordinator mode
	library *session.AgentLibrary    // always set
	coord   *coordinator.Coordinator // nil outside coordinator mode
	terms   *sandbox.TerminalManager // nil in coordinator mode
	files   storage.FileStore
	log     zerolog.Logger
}

// New assembles the server. orch and terms are nil in coordinator mode;
// coord is nil otherwise.
func New(cfg Config, repo db.Repository, orch *session.Orchestrator, library *session.AgentLibrary, coord *coordinator.Coordinator, terms *sandbox.TerminalManager, files storage.FileStore) *Server {
	s := &Server{
		cfg:     cfg,
		e:       echo.New(),
		repo:    repo,
		orch:    orch,
		library: library,
		coord:   coord,
		terms:   terms,
		files:   files,
		log:     logging.WithComponent("api"),
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.HTTPErrorHandler = s.errorHandler

	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestID())
	s.e.Use(middleware.CORS())
	s.e.Use(metrics.EchoMiddleware())

	s.routes()
	return s
}

// Echo exposes the underlying instance for tests.
func (s *Server) Echo() *echo.Echo { return s.e }

// Start binds and serves until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.e.Start(addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) routes() {
	s.e.GET("/health", s.health)
	s.e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	g := s.e.Group("/api")
	if s.cfg.Mode == "runner" {
		// Runners sit behind the coordinator; the public surface is the
		// coordinator's and the same routes answer only to the secret.
		g.Use(auth.InternalSecretMiddleware(s.cfg.InternalSecret))
	} else {
		g.Use(auth.BearerMiddleware(s.repo, s.cfg.APIKey, s.cfg.DevMode))
		if s.cfg.RateLimitRPS > 0 {
			g.Use(auth.NewRateLimiter(s.cfg.RateLimitRPS).Middleware())
		}
	}

	g.POST("/agents", s.deployAgent)
	g.GET("/agents", s.listAgents)
	g.GET("/agents/:name", s.getAgent)
	g.DELETE("/agents/:name", s.deleteAgent)

	g.POST("/sessions", s.createSession)
	g.GET("/sessions", s.listSessions)
	g.GET("/sessions/:id", s.getSession)
	g.DELETE("/sessions/:id", s.endSession)
	g.POST("/sessions/:id/pause", s.pauseSession)
	g.POST("/sessions/:id/resume", s.resumeSession)
	g.POST("/sessions/:id/fork", s.forkSession)
	g.PATCH("/sessions/:id/config", s.updateSessionConfig)
	g.POST("/sessions/:id/messages", s.sendMessage)
	g.GET("/sessions/:id/messages", s.listMessages)
	g.GET("/sessions/:id/events", s.listEvents)
	g.GET("/sessions/:id/files", s.listFiles)
	g.GET("/sessions/:id/files/*", s.getFile)
	g.POST("/sessions/:id/exec", s.execCommand)
	g.GET("/sessions/:id/logs", s.sessionLogs)
	g.GET("/sessions/:id/terminal", s.terminal)

	g.POST("/credentials", s.putCredential)
	g.GET("/credentials", s.listCredentials)
	g.DELETE("/credentials/:name", s.deleteCredential)

	g.POST("/attachments", s.uploadAttachment)
	g.GET("/attachments", s.listAttachments)
	g.GET("/attachments/:id", s.getAttachment)
	g.DELETE("/attachments/:id", s.deleteAttachment)

	if s.coord != nil {
		in := s.e.Group("/api/internal", auth.InternalSecretMiddleware(s.cfg.InternalSecret))
		in.POST("/runners/register", s.registerRunner)
		in.POST("/runners/:id/heartbeat", s.heartbeatRunner)
		in.POST("/runners/:id/deregister", s.deregisterRunner)
		in.GET("/runners", s.listRunners)
	}
}

// errorHandler renders every error as {"error", "statusCode"} JSON,
// translating the domain sentinels onto HTTP statuses.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error().Str("path", c.Path()).Err(err).Msg("request failed")
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]any{"error": msg, "statusCode": code})
}

func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		return he.Code, msg
	}
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, db.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, session.ErrSessionEnded):
		return http.StatusBadRequest, "session has ended"
	case errors.Is(err, session.ErrTurnInFlight), errors.Is(err, bridge.ErrQueryInFlight):
		return http.StatusConflict, "a message is already being processed"
	case errors.Is(err, session.ErrNoLiveSandbox):
		return http.StatusConflict, "session has no live sandbox"
	case errors.Is(err, session.ErrBadPath):
		return http.StatusBadRequest, "path escapes workspace"
	case errors.Is(err, session.ErrSnapshotUnavailable):
		return http.StatusServiceUnavailable, "snapshot store unavailable"
	case errors.Is(err, pool.ErrCapacity):
		return http.StatusServiceUnavailable, "sandbox capacity exhausted"
	case errors.Is(err, coordinator.ErrNoRunner):
		return http.StatusServiceUnavailable, "no runner available"
	case errors.Is(err, context.Canceled):
		return 499, "client closed request"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
