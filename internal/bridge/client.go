package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ashrun/ash/internal/logging"
)

// Event is one delivery from the bridge for an in-flight query. Type is
// TypeEvent, TypeDone, or TypeError; Done and Error are terminal.
type Event struct {
	Type      string
	QueryID   string
	Payload   json.RawMessage
	ErrorKind string
	Message   string
}

// Terminal reports whether this event ends the query.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

type activeQuery struct {
	id     string
	events chan Event
}

// Client is the server side of one sandbox's bridge connection. It owns the
// socket, enforces the one-query-at-a-time rule, and routes event frames to
// the in-flight query's channel.
type Client struct {
	socketPath string
	conn       net.Conn
	log        zerolog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	active *activeQuery

	ready     chan struct{}
	readyOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once

	served atomic.Int64
	err    atomic.Value // terminal read error, if any
}

// Connect dials the sandbox socket with exponential backoff until ctx
// expires. The child needs a moment to create the socket after spawn, so
// early dial failures are expected.
func Connect(ctx context.Context, socketPath string) (*Client, error) {
	var conn net.Conn
	var err error

	backoff := 50 * time.Millisecond
	for {
		d := net.Dialer{}
		conn, err = d.DialContext(ctx, "unix", socketPath)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("bridge: connect %s: %w (last: %v)", socketPath, ctx.Err(), err)
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}

	c := &Client{
		socketPath: socketPath,
		conn:       conn,
		log:        logging.WithComponent("bridge"),
		ready:      make(chan struct{}),
		closed:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// WaitReady blocks until the child's event.ready arrives.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.closed:
		return c.Err()
	case <-ctx.Done():
		return fmt.Errorf("bridge: waiting for ready on %s: %w", c.socketPath, ctx.Err())
	}
}

// Query submits one query and returns its id plus the event channel. The
// channel is closed after the terminal Done or Error event. A second Query
// while one is in flight fails with ErrQueryInFlight.
func (c *Client) Query(ctx context.Context, prompt string, options json.RawMessage) (string, <-chan Event, error) {
	select {
	case <-c.closed:
		return "", nil, ErrClosed
	default:
	}

	q := &activeQuery{id: uuid.NewString(), events: make(chan Event, 256)}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return "", nil, ErrQueryInFlight
	}
	c.active = q
	c.mu.Unlock()

	if err := c.writeFrame(QueryFrame(q.id, prompt, options)); err != nil {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
		return "", nil, err
	}
	c.served.Add(1)
	return q.id, q.events, nil
}

// Abort cooperatively cancels an in-flight query. The terminal event still
// arrives on the query channel.
func (c *Client) Abort(queryID string) error {
	return c.writeFrame(AbortFrame(queryID))
}

// AbortActive cancels whatever query is currently in flight, if any. Used
// by administrative teardown paths that do not hold the query id.
func (c *Client) AbortActive() error {
	c.mu.Lock()
	var id string
	if c.active != nil {
		id = c.active.id
	}
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	return c.Abort(id)
}

// QueriesServed counts queries submitted over this process's lifetime. Zero
// means the next query is the first on a fresh process and must not resume.
func (c *Client) QueriesServed() int64 {
	return c.served.Load()
}

// Busy reports whether a query is in flight.
func (c *Client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Alive reports whether the connection is still usable.
func (c *Client) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Err returns the terminal read error, or ErrClosed after a clean Close.
func (c *Client) Err() error {
	if v := c.err.Load(); v != nil {
		return v.(error)
	}
	return ErrClosed
}

// Close tears the connection down. The in-flight query, if any, receives a
// terminal error event.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writeFrame(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return WriteFrame(c.conn, f)
}

func (c *Client) readLoop() {
	defer c.failActive("connection-closed", "bridge connection closed")

	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				// The stream is still at a frame boundary; abort the turn
				// but keep the sandbox.
				c.log.Warn().Str("socket", c.socketPath).Err(err).Msg("dropping malformed frame")
				c.failActive("protocol-error", err.Error())
				continue
			}
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				c.err.Store(err)
				c.log.Warn().Str("socket", c.socketPath).Err(err).Msg("bridge read failed")
			}
			c.Close()
			return
		}
		if f.Kind != KindEvent {
			c.log.Warn().Str("type", f.Type).Msg("unexpected command frame from sandbox")
			continue
		}

		switch f.Type {
		case TypeReady:
			c.readyOnce.Do(func() { close(c.ready) })
		case TypeEvent:
			c.deliver(Event{Type: TypeEvent, QueryID: f.QueryID, Payload: f.Payload}, false)
		case TypeDone:
			c.deliver(Event{Type: TypeDone, QueryID: f.QueryID}, true)
		case TypeError:
			c.deliver(Event{Type: TypeError, QueryID: f.QueryID, ErrorKind: f.ErrorKind, Message: f.Message}, true)
		}
	}
}

// deliver routes one event to the active query. Events for a query that is
// no longer active are dropped; a late done after an error terminal is the
// common case.
func (c *Client) deliver(ev Event, terminal bool) {
	c.mu.Lock()
	q := c.active
	if q == nil || (ev.QueryID != "" && ev.QueryID != q.id) {
		c.mu.Unlock()
		if ev.Type == TypeEvent {
			c.log.Debug().Str("query_id", ev.QueryID).Msg("dropping event for inactive query")
		}
		return
	}
	if terminal {
		c.active = nil
	}
	c.mu.Unlock()

	select {
	case q.events <- ev:
	case <-c.closed:
		close(q.events)
		return
	default:
		// The consumer stopped draining and the buffer is full. Drop the
		// query instead of stalling the read loop; the sandbox stays
		// usable for the next turn.
		c.mu.Lock()
		if c.active == q {
			c.active = nil
		}
		c.mu.Unlock()
		c.log.Warn().Str("query_id", q.id).Msg("event buffer full, dropping abandoned query")
		if !terminal {
			_ = c.Abort(q.id)
		}
		close(q.events)
		return
	}
	if terminal {
		close(q.events)
	}
}

// failActive terminates the in-flight query with an error event, if one
// exists.
func (c *Client) failActive(kind, message string) {
	c.mu.Lock()
	q := c.active
	c.active = nil
	c.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q.events <- Event{Type: TypeError, QueryID: q.id, ErrorKind: kind, Message: message}:
	default:
	}
	close(q.events)
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}
