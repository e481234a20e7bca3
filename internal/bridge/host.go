package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ashrun/ash/internal/engine"
	"github.com/ashrun/ash/internal/logging"
)

// Host is the in-sandbox side of the bridge. It listens on the sandbox
// socket, announces readiness, and runs queries against the engine one at a
// time. The engine's last session id is kept in memory so resume:true can
// continue the previous turn's conversation; a fresh process always starts
// with no session to resume.
type Host struct {
	socketPath string
	engine     engine.Engine
	log        zerolog.Logger

	mu          sync.Mutex
	activeID    string
	cancel      context.CancelFunc
	lastSession string
}

// NewHost builds a host serving eng on socketPath.
func NewHost(socketPath string, eng engine.Engine) *Host {
	return &Host{
		socketPath: socketPath,
		engine:     eng,
		log:        logging.WithComponent("bridge-host"),
	}
}

// Serve accepts server connections until ctx is cancelled. Connections are
// handled serially; the manager opens exactly one at a time.
func (h *Host) Serve(ctx context.Context) error {
	_ = os.Remove(h.socketPath)
	ln, err := net.Listen("unix", h.socketPath)
	if err != nil {
		return err
	}
	defer ln.Close()
	defer os.Remove(h.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	h.log.Info().Str("socket", h.socketPath).Msg("bridge listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		h.handleConn(ctx, conn)
	}
}

// connWriter serializes frame writes from the read loop and the query
// goroutine onto one connection.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) write(f *Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteFrame(w.conn, f)
}

func (h *Host) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	// A dropped connection orphans any in-flight query; nobody is listening
	// for its events anymore.
	defer h.abortActive()

	w := &connWriter{conn: conn}
	if err := w.write(ReadyFrame()); err != nil {
		h.log.Warn().Err(err).Msg("write ready failed")
		return
	}

	for {
		f, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				h.log.Warn().Err(err).Msg("dropping malformed command")
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				h.log.Warn().Err(err).Msg("bridge read failed")
			}
			return
		}
		if f.Kind != KindCommand {
			h.log.Warn().Str("type", f.Type).Msg("unexpected event frame from server")
			continue
		}

		switch f.Type {
		case TypeQuery:
			h.startQuery(ctx, w, f)
		case TypeAbort:
			h.abort(f.QueryID)
		}
	}
}

func (h *Host) startQuery(ctx context.Context, w *connWriter, f *Frame) {
	opts, err := engine.ParseOptions(f.Options)
	if err != nil {
		_ = w.write(ErrorFrame(f.QueryID, "bad-options", err.Error()))
		return
	}

	h.mu.Lock()
	if h.activeID != "" {
		inFlight := h.activeID
		h.mu.Unlock()
		h.log.Warn().Str("query_id", f.QueryID).Str("active", inFlight).Msg("rejecting concurrent query")
		_ = w.write(ErrorFrame(f.QueryID, "query-in-flight", "a query is already running"))
		return
	}
	qctx, cancel := context.WithCancel(ctx)
	h.activeID = f.QueryID
	h.cancel = cancel
	resumeID := ""
	if opts.Resume {
		resumeID = h.lastSession
	}
	h.mu.Unlock()

	go h.runQuery(qctx, w, f.QueryID, f.Prompt, opts, resumeID)
}

func (h *Host) runQuery(ctx context.Context, w *connWriter, queryID, prompt string, opts engine.Options, resumeID string) {
	defer h.clearActive(queryID)

	res, err := h.engine.Run(ctx, engine.Query{
		Prompt:          prompt,
		Options:         opts,
		ResumeSessionID: resumeID,
	}, func(payload json.RawMessage) error {
		return w.write(EventFrame(queryID, payload))
	})

	if res != nil && res.EngineSessionID != "" {
		h.mu.Lock()
		h.lastSession = res.EngineSessionID
		h.mu.Unlock()
	}

	switch {
	case err == nil:
		_ = w.write(DoneFrame(queryID))
	case ctx.Err() != nil:
		_ = w.write(ErrorFrame(queryID, "aborted", "query aborted"))
	default:
		h.log.Warn().Str("query_id", queryID).Err(err).Msg("query failed")
		_ = w.write(ErrorFrame(queryID, "engine-failure", err.Error()))
	}
}

func (h *Host) abort(queryID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeID == queryID && h.cancel != nil {
		h.cancel()
	}
}

func (h *Host) abortActive() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Host) clearActive(queryID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeID == queryID {
		h.activeID = ""
		if h.cancel != nil {
			h.cancel()
			h.cancel = nil
		}
	}
}
