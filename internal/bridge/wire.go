// Package bridge implements the length-prefixed JSON protocol spoken between
// the server and the process inside each sandbox: a 4-byte big-endian length
// followed by that many bytes of UTF-8 JSON, over one Unix socket per
// sandbox. The server side is Client; the in-sandbox side is Host.
package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame. Anything larger is a protocol error,
// not a tear-down: the reader surfaces ErrProtocol and the caller decides.
const MaxFrameSize = 16 << 20

// Frame kinds.
const (
	KindCommand = "command"
	KindEvent   = "event"
)

// Command types (server -> bridge).
const (
	TypeQuery = "query"
	TypeAbort = "abort"
)

// Event types (bridge -> server).
const (
	TypeReady = "ready"
	TypeEvent = "event"
	TypeDone  = "done"
	TypeError = "error"
)

var (
	ErrProtocol      = errors.New("bridge: protocol error")
	ErrClosed        = errors.New("bridge: connection closed")
	ErrQueryInFlight = errors.New("bridge: query already in flight")
)

// Frame is the wire envelope. Kind and Type discriminate; the remaining
// fields are populated per type. Options and Payload stay raw so unknown
// engine fields pass through untouched.
type Frame struct {
	Kind      string          `json:"kind"`
	Type      string          `json:"type"`
	QueryID   string          `json:"queryId,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Validate checks the kind/type pairing and the per-type required fields.
func (f *Frame) Validate() error {
	switch f.Kind {
	case KindCommand:
		switch f.Type {
		case TypeQuery:
			if f.QueryID == "" {
				return fmt.Errorf("%w: query without queryId", ErrProtocol)
			}
		case TypeAbort:
			if f.QueryID == "" {
				return fmt.Errorf("%w: abort without queryId", ErrProtocol)
			}
		default:
			return fmt.Errorf("%w: unknown command type %q", ErrProtocol, f.Type)
		}
	case KindEvent:
		switch f.Type {
		case TypeReady:
		case TypeEvent, TypeDone:
			if f.QueryID == "" {
				return fmt.Errorf("%w: %s without queryId", ErrProtocol, f.Type)
			}
		case TypeError:
		default:
			return fmt.Errorf("%w: unknown event type %q", ErrProtocol, f.Type)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrProtocol, f.Kind)
	}
	return nil
}

// QueryFrame builds a command.query frame.
func QueryFrame(queryID, prompt string, options json.RawMessage) *Frame {
	return &Frame{Kind: KindCommand, Type: TypeQuery, QueryID: queryID, Prompt: prompt, Options: options}
}

// AbortFrame builds a command.abort frame.
func AbortFrame(queryID string) *Frame {
	return &Frame{Kind: KindCommand, Type: TypeAbort, QueryID: queryID}
}

// ReadyFrame builds the one-shot event.ready frame.
func ReadyFrame() *Frame {
	return &Frame{Kind: KindEvent, Type: TypeReady}
}

// EventFrame builds an event.event passthrough frame.
func EventFrame(queryID string, payload json.RawMessage) *Frame {
	return &Frame{Kind: KindEvent, Type: TypeEvent, QueryID: queryID, Payload: payload}
}

// DoneFrame builds an event.done frame.
func DoneFrame(queryID string) *Frame {
	return &Frame{Kind: KindEvent, Type: TypeDone, QueryID: queryID}
}

// ErrorFrame builds an event.error frame.
func ErrorFrame(queryID, kind, message string) *Frame {
	return &Frame{Kind: KindEvent, Type: TypeError, QueryID: queryID, ErrorKind: kind, Message: message}
}

// WriteFrame marshals f and writes one length-prefixed frame. Callers
// serialize writes; WriteFrame itself performs a single Write so frames
// never interleave on a net.Conn.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("bridge: marshal frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("bridge: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. io.EOF on a clean boundary
// means the peer closed; a partial header or body surfaces as
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("bridge: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", ErrProtocol)
	}
	if size > MaxFrameSize {
		// Drain the body so the stream stays at a frame boundary and the
		// caller can keep reading.
		if _, derr := io.CopyN(io.Discard, r, int64(size)); derr != nil {
			return nil, fmt.Errorf("bridge: drain oversized frame: %w", derr)
		}
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("bridge: read frame body: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: decode frame: %v", ErrProtocol, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
