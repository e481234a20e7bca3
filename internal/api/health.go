package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ashrun/ash/internal/metrics"
	"github.com/ashrun/ash/pkg/types"
)

func (s *Server) health(c echo.Context) error {
	ctx := c.Request().Context()
	out := map[string]any{
		"status":  "ok",
		"mode":    s.cfg.Mode,
		"version": s.cfg.Version,
	}

	if s.coord != nil {
		healthy, total, err := s.coord.RunnerCounts(ctx)
		if err != nil {
			out["status"] = "degraded"
		} else {
			out["runners"] = map[string]int{"healthy": healthy, "total": total}
		}
		return c.JSON(http.StatusOK, out)
	}

	stats, err := s.orch.Pool().Stats(ctx)
	if err != nil {
		out["status"] = "degraded"
	} else {
		out["pool"] = stats
		for state, n := range stats.ByState {
			metrics.SandboxesByState.WithLabelValues(string(state)).Set(float64(n))
		}
	}
	out["counters"] = s.orch.Pool().Counters()
	return c.JSON(http.StatusOK, out)
}

type registerRunnerRequest struct {
	RunnerID     string `json:"runnerId"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	MaxSandboxes int    `json:"maxSandboxes"`
}

func (s *Server) registerRunner(c echo.Context) error {
	var req registerRunnerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if req.RunnerID == "" || req.Host == "" || req.Port == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "runnerId, host, and port are required")
	}
	if err := s.coord.Register(c.Request().Context(), &types.Runner{
		ID:           req.RunnerID,
		Host:         req.Host,
		Port:         req.Port,
		MaxSandboxes: req.MaxSandboxes,
	}); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type heartbeatRequest struct {
	ActiveCount  int `json:"activeCount"`
	WarmingCount int `json:"warmingCount"`
}

func (s *Server) heartbeatRunner(c echo.Context) error {
	var req heartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if err := s.coord.Heartbeat(c.Request().Context(), c.Param("id"), req.ActiveCount, req.WarmingCount); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deregisterRunner(c echo.Context) error {
	if err := s.coord.Deregister(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listRunners(c echo.Context) error {
	runners, err := s.coord.Runners(c.Request().Context())
	if err != nil {
		return err
	}
	if runners == nil {
		runners = []types.Runner{}
	}
	return c.JSON(http.StatusOK, runners)
}
