package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ashrun/ash/internal/auth"
	"github.com/ashrun/ash/internal/coordinator"
	"github.com/ashrun/ash/internal/engine"
	"github.com/ashrun/ash/internal/session"
	"github.com/ashrun/ash/pkg/types"
)

type createSessionRequest struct {
	Agent                string         `json:"agent"`
	Model                string         `json:"model"`
	SystemPrompt         string         `json:"systemPrompt"`
	MCPServers           map[string]any `json:"mcpServers"`
	AllowedTools         []string       `json:"allowedTools"`
	DisallowedTools      []string       `json:"disallowedTools"`
	Betas                []string       `json:"betas"`
	Agents               map[string]any `json:"agents"`
	PermissionWebhookURL string         `json:"permissionWebhookUrl"`
	HookWebhookURL       string         `json:"hookWebhookUrl"`
	Extra                map[string]any `json:"extra"`
}

func (r createSessionRequest) sessionConfig() *types.SessionConfig {
	cfg := &types.SessionConfig{
		SystemPrompt:         r.SystemPrompt,
		MCPServers:           r.MCPServers,
		AllowedTools:         r.AllowedTools,
		DisallowedTools:      r.DisallowedTools,
		Betas:                r.Betas,
		Agents:               r.Agents,
		PermissionWebhookURL: r.PermissionWebhookURL,
		HookWebhookURL:       r.HookWebhookURL,
		Extra:                r.Extra,
	}
	if cfg.SystemPrompt == "" && len(cfg.MCPServers) == 0 && len(cfg.AllowedTools) == 0 &&
		len(cfg.DisallowedTools) == 0 && len(cfg.Betas) == 0 && len(cfg.Agents) == 0 &&
		cfg.PermissionWebhookURL == "" && cfg.HookWebhookURL == "" && len(cfg.Extra) == 0 {
		return nil
	}
	return cfg
}

func (s *Server) createSession(c echo.Context) error {
	if s.coord != nil {
		r, err := s.coord.SelectRunner(c.Request().Context())
		if err != nil {
			return err
		}
		return s.coord.Proxy(c, r)
	}

	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if req.Agent == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent is required")
	}
	sess, err := s.orch.Create(c.Request().Context(), auth.Tenant(c), session.CreateSessionRequest{
		Agent:  req.Agent,
		Model:  req.Model,
		Config: req.sessionConfig(),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) listSessions(c echo.Context) error {
	sessions, err := s.repo.ListSessions(c.Request().Context(), auth.Tenant(c), c.QueryParam("agent"))
	if err != nil {
		return err
	}
	if sessions == nil {
		sessions = []types.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.repo.GetSession(c.Request().Context(), auth.Tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) endSession(c echo.Context) error {
	ctx := c.Request().Context()
	tenant := auth.Tenant(c)
	id := c.Param("id")

	if s.orch != nil {
		sess, err := s.orch.End(ctx, tenant, id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, sess)
	}

	sess, err := s.repo.GetSession(ctx, tenant, id)
	if err != nil {
		return err
	}
	if sess.Status == types.SessionEnded {
		return c.JSON(http.StatusOK, sess)
	}
	r, err := s.coord.RouteSession(ctx, sess)
	if err != nil {
		// No runner to tear the sandbox down; the record still ends.
		if !errors.Is(err, coordinator.ErrNoRunner) {
			return err
		}
		if err := s.repo.UpdateSessionStatus(ctx, tenant, id, types.SessionEnded, ""); err != nil {
			return err
		}
		sess.Status = types.SessionEnded
		return c.JSON(http.StatusOK, sess)
	}
	return s.coord.Proxy(c, r)
}

// pauseSession is a record-only transition in every mode: the sandbox
// stays warm for the idle sweep (or a warm resume) to deal with.
func (s *Server) pauseSession(c echo.Context) error {
	ctx := c.Request().Context()
	tenant := auth.Tenant(c)
	id := c.Param("id")

	if s.orch != nil {
		sess, err := s.orch.Pause(ctx, tenant, id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, sess)
	}

	sess, err := s.repo.GetSession(ctx, tenant, id)
	if err != nil {
		return err
	}
	if sess.Status == types.SessionEnded {
		return session.ErrSessionEnded
	}
	if sess.Status != types.SessionPaused {
		if err := s.repo.UpdateSessionStatus(ctx, tenant, id, types.SessionPaused, ""); err != nil {
			return err
		}
		sess.Status = types.SessionPaused
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) resumeSession(c echo.Context) error {
	ctx := c.Request().Context()
	tenant := auth.Tenant(c)
	id := c.Param("id")

	if s.coord != nil {
		sess, err := s.repo.GetSession(ctx, tenant, id)
		if err != nil {
			return err
		}
		if sess.Status == types.SessionEnded {
			return echo.NewHTTPError(http.StatusGone, "session has ended")
		}
		r, err := s.coord.RouteSession(ctx, sess)
		if err != nil {
			return err
		}
		return s.coord.Proxy(c, r)
	}

	sess, _, err := s.orch.Resume(ctx, tenant, id)
	if err != nil {
		if errors.Is(err, session.ErrSessionEnded) {
			return echo.NewHTTPError(http.StatusGone, "session has ended")
		}
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

// forkSession copies history under a new id; served locally in every mode
// because no sandbox exists until the fork is resumed.
func (s *Server) forkSession(c echo.Context) error {
	ctx := c.Request().Context()
	tenant := auth.Tenant(c)

	if s.orch != nil {
		fork, err := s.orch.Fork(ctx, tenant, c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, fork)
	}

	parent, err := s.repo.GetSession(ctx, tenant, c.Param("id"))
	if err != nil {
		return err
	}
	fork := &types.Session{
		ID:              uuid.NewString(),
		TenantID:        tenant,
		AgentName:       parent.AgentName,
		Status:          types.SessionPaused,
		ParentSessionID: parent.ID,
		Model:           parent.Model,
		Config:          parent.Config,
	}
	if err := s.repo.InsertForkedSession(ctx, fork, parent.ID); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, fork)
}

type updateConfigRequest struct {
	Model *string `json:"model"`
	createSessionRequest
}

func (s *Server) updateSessionConfig(c echo.Context) error {
	ctx := c.Request().Context()
	tenant := auth.Tenant(c)
	id := c.Param("id")

	var req updateConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}

	sess, err := s.repo.GetSession(ctx, tenant, id)
	if err != nil {
		return err
	}
	if sess.Status == types.SessionEnded {
		return session.ErrSessionEnded
	}
	if err := s.repo.UpdateSessionConfig(ctx, tenant, id, req.Model, req.sessionConfig()); err != nil {
		return err
	}
	sess, err = s.repo.GetSession(ctx, tenant, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) listMessages(c echo.Context) error {
	msgs, err := s.repo.ListMessages(c.Request().Context(), auth.Tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) listEvents(c echo.Context) error {
	events, err := s.repo.ListEvents(c.Request().Context(), auth.Tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	if events == nil {
		events = []types.SessionEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

type sendMessageRequest struct {
	Content                string          `json:"content"`
	Model                  string          `json:"model"`
	Effort                 string          `json:"effort"`
	Thinking               json.RawMessage `json:"thinking"`
	MaxTurns               int             `json:"maxTurns"`
	MaxBudgetUSD           float64         `json:"maxBudgetUsd"`
	OutputFormat           json.RawMessage `json:"outputFormat"`
	IncludePartialMessages bool            `json:"includePartialMessages"`
}

// sendMessage runs one turn over SSE. Everything that can be validated is
// validated before the stream opens; failures after the first byte are
// reported as in-stream error events because the 200 is already gone.
func (s *Server) sendMessage(c echo.Context) error {
	ctx := c.Request().Context()
	tenant := auth.Tenant(c)
	id := c.Param("id")

	if s.coord != nil {
		sess, err := s.repo.GetSession(ctx, tenant, id)
		if err != nil {
			return err
		}
		if sess.Status == types.SessionEnded {
			return session.ErrSessionEnded
		}
		r, err := s.coord.RouteSession(ctx, sess)
		if err != nil {
			return err
		}
		return s.coord.Proxy(c, r)
	}

	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if err := validateOutputFormat(req.OutputFormat); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid outputFormat: "+err.Error())
	}
	if sess, err := s.orch.Get(ctx, tenant, id); err != nil {
		return err
	} else if sess.Status == types.SessionEnded {
		return session.ErrSessionEnded
	}

	stream := newSSEStream(c.Response())
	stream.Begin()

	err := s.orch.SendMessage(ctx, tenant, id, session.MessageRequest{
		Content: req.Content,
		Options: engine.Options{
			Model:                  req.Model,
			Effort:                 req.Effort,
			Thinking:               req.Thinking,
			MaxTurns:               req.MaxTurns,
			MaxBudgetUSD:           req.MaxBudgetUSD,
			OutputFormat:           req.OutputFormat,
			IncludePartialMessages: req.IncludePartialMessages,
		},
	}, stream)
	if err != nil && ctx.Err() == nil {
		// The stream is open, so the failure rides it as an event.
		code, msg := statusFor(err)
		data, _ := json.Marshal(map[string]any{"error": msg, "statusCode": code})
		_ = stream.Send("error", data)
		done, _ := json.Marshal(map[string]string{"sessionId": id})
		_ = stream.Send("done", done)
	}
	return nil
}

// validateOutputFormat rejects structurally invalid JSON schemas before
// any sandbox work happens.
func validateOutputFormat(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return err
	}
	if _, err := schema.Resolve(nil); err != nil {
		return err
	}
	return nil
}

// sseStream writes server-sent events onto an echo response, one frame per
// Send, flushing each so proxies and clients see events as they happen.
type sseStream struct {
	mu   sync.Mutex
	resp *echo.Response
}

func newSSEStream(resp *echo.Response) *sseStream {
	return &sseStream{resp: resp}
}

// Begin commits the SSE headers and the 200 status.
func (s *sseStream) Begin() {
	h := s.resp.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.resp.WriteHeader(http.StatusOK)
	s.resp.Flush()
}

func (s *sseStream) Send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.resp.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	if _, err := s.resp.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.resp.Write(data); err != nil {
		return err
	}
	if _, err := s.resp.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.resp.Flush()
	return nil
}
