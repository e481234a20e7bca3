package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ashrun/ash/internal/auth"
	"github.com/ashrun/ash/pkg/types"
)

type deployAgentRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// deployAgent stages a directory on this node as a named agent. In
// coordinator mode the staged tree only matters as the archive source;
// runners pull it from the file store on demand.
func (s *Server) deployAgent(c echo.Context) error {
	var req deployAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if req.Name == "" || req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and path are required")
	}

	agent, err := s.library.Deploy(c.Request().Context(), auth.Tenant(c), req.Name, req.Path)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, agent)
}

func (s *Server) listAgents(c echo.Context) error {
	agents, err := s.repo.ListAgents(c.Request().Context(), auth.Tenant(c))
	if err != nil {
		return err
	}
	if agents == nil {
		agents = []types.Agent{}
	}
	return c.JSON(http.StatusOK, agents)
}

func (s *Server) getAgent(c echo.Context) error {
	agent, err := s.repo.GetAgent(c.Request().Context(), auth.Tenant(c), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agent)
}

// deleteAgent ends the agent's sessions and removes it. With a local
// orchestrator the sessions' sandboxes are torn down too; a coordinator
// only has the records, and runner pools reap the orphaned sandboxes on
// their idle sweep.
func (s *Server) deleteAgent(c echo.Context) error {
	ctx := c.Request().Context()
	tenant := auth.Tenant(c)
	name := c.Param("name")

	if s.orch != nil {
		if err := s.orch.DeleteAgent(ctx, tenant, name); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}

	sessions, err := s.repo.ListSessions(ctx, tenant, name)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Status == types.SessionEnded {
			continue
		}
		if err := s.repo.UpdateSessionStatus(ctx, tenant, sess.ID, types.SessionEnded, ""); err != nil {
			s.log.Warn().Str("session_id", sess.ID).Err(err).Msg("end session during agent delete failed")
		}
	}
	if err := s.library.Remove(ctx, tenant, name); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
