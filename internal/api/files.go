package api

import (
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ashrun/ash/internal/auth"
	"github.com/ashrun/ash/internal/sandbox"
	"github.com/ashrun/ash/internal/session"
)

// proxyToSessionRunner resolves the session's runner and forwards the
// request verbatim. Only reachable in coordinator mode.
func (s *Server) proxyToSessionRunner(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.repo.GetSession(ctx, auth.Tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	r, err := s.coord.RouteSession(ctx, sess)
	if err != nil {
		return err
	}
	return s.coord.Proxy(c, r)
}

// listFiles returns the workspace tree. The default rendering is a plain
// path listing; ?format=json returns full entries.
func (s *Server) listFiles(c echo.Context) error {
	if s.coord != nil {
		return s.proxyToSessionRunner(c)
	}
	files, err := s.orch.ListFiles(c.Request().Context(), auth.Tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	if c.QueryParam("format") == "json" {
		if files == nil {
			files = []session.FileInfo{}
		}
		return c.JSON(http.StatusOK, map[string]any{"files": files})
	}
	out := ""
	for _, f := range files {
		if f.IsDir {
			continue
		}
		out += f.Path + "\n"
	}
	return c.String(http.StatusOK, out)
}

func (s *Server) getFile(c echo.Context) error {
	if s.coord != nil {
		return s.proxyToSessionRunner(c)
	}
	rel := c.Param("*")
	data, err := s.orch.ReadFile(c.Request().Context(), auth.Tenant(c), c.Param("id"), rel)
	if err != nil {
		return err
	}
	ctype := mime.TypeByExtension(path.Ext(rel))
	if ctype == "" {
		ctype = echo.MIMEOctetStream
	}
	return c.Blob(http.StatusOK, ctype, data)
}

type execRequest struct {
	Command   string `json:"command"`
	TimeoutMS int    `json:"timeout"`
}

func (s *Server) execCommand(c echo.Context) error {
	if s.coord != nil {
		return s.proxyToSessionRunner(c)
	}
	var req execRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if req.Command == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command is required")
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	res, err := s.orch.Exec(c.Request().Context(), auth.Tenant(c), c.Param("id"), req.Command, timeout)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) sessionLogs(c echo.Context) error {
	if s.coord != nil {
		return s.proxyToSessionRunner(c)
	}
	var after int64
	if v := c.QueryParam("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "after must be an integer")
		}
		after = n
	}
	entries, lastSeq, err := s.orch.Logs(c.Request().Context(), auth.Tenant(c), c.Param("id"), after)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []sandbox.LogEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries, "lastSeq": lastSeq})
}
