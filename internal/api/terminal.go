package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/ashrun/ash/internal/auth"
	"github.com/ashrun/ash/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the bearer token is the access control, not the origin
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type resizeFrame struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// terminal upgrades to a WebSocket bridged onto a pty inside the
// session's sandbox. Binary frames carry bytes both ways; a JSON text
// frame {"type":"resize","cols":N,"rows":N} resizes. Closing either side
// tears the pty down.
func (s *Server) terminal(c echo.Context) error {
	if s.coord != nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "terminal is not available through the coordinator; connect to the runner")
	}

	ctx := c.Request().Context()
	sess, err := s.orch.Get(ctx, auth.Tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	sb, ok := s.orch.Pool().GetBySession(sess.ID)
	if !ok {
		return session.ErrNoLiveSandbox
	}

	cols, _ := strconv.Atoi(c.QueryParam("cols"))
	rows, _ := strconv.Atoi(c.QueryParam("rows"))
	term, err := s.terms.Open(ctx, sb.ID, c.QueryParam("shell"), cols, rows)
	if err != nil {
		return err
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		_ = s.terms.Close(term.ID)
		return err
	}
	defer ws.Close()
	defer s.terms.Close(term.ID)

	done := make(chan struct{})

	// pty -> socket
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := term.PTY.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				deadline := time.Now().Add(time.Second)
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shell exited"), deadline)
				return
			}
		}
	}()

	// socket -> pty
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.TextMessage:
			var frame resizeFrame
			if json.Unmarshal(data, &frame) == nil && frame.Type == "resize" {
				if err := s.terms.Resize(term.ID, frame.Cols, frame.Rows); err != nil {
					s.log.Debug().Str("terminal_id", term.ID).Err(err).Msg("resize failed")
				}
				continue
			}
			// Non-resize text is treated as input.
			if _, err := term.PTY.Write(data); err != nil {
				break
			}
		case websocket.BinaryMessage:
			if _, err := term.PTY.Write(data); err != nil {
				break
			}
		}
	}

	_ = s.terms.Close(term.ID)
	<-done
	return nil
}
