package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TurnTimer collects per-phase durations for one message turn and, when
// enabled, emits a single JSON line to stderr when the turn finishes.
// Disabled timers are no-ops so call sites never branch.
type TurnTimer struct {
	enabled   bool
	sessionID string
	sandboxID string
	path      string
	start     time.Time
	mu        sync.Mutex
	phases    map[string]time.Duration
	marks     map[string]time.Time
}

var timingLog = zerolog.New(os.Stderr).With().Timestamp().Str("ash", "timing").Logger()

// NewTurnTimer starts a timer for one turn. enabled mirrors ASH_DEBUG_TIMING.
func NewTurnTimer(enabled bool, sessionID string) *TurnTimer {
	return &TurnTimer{
		enabled:   enabled,
		sessionID: sessionID,
		start:     time.Now(),
		phases:    make(map[string]time.Duration),
		marks:     make(map[string]time.Time),
	}
}

// SetSandbox records which sandbox served the turn.
func (t *TurnTimer) SetSandbox(id string) {
	if t == nil || !t.enabled {
		return
	}
	t.mu.Lock()
	t.sandboxID = id
	t.mu.Unlock()
}

// SetPath records the acquisition path (preWarm, warm, cold, create).
func (t *TurnTimer) SetPath(path string) {
	if t == nil || !t.enabled {
		return
	}
	t.mu.Lock()
	t.path = path
	t.mu.Unlock()
}

// Begin marks the start of a named phase.
func (t *TurnTimer) Begin(phase string) {
	if t == nil || !t.enabled {
		return
	}
	t.mu.Lock()
	t.marks[phase] = time.Now()
	t.mu.Unlock()
}

// End closes a named phase; unmatched Ends are ignored.
func (t *TurnTimer) End(phase string) {
	if t == nil || !t.enabled {
		return
	}
	t.mu.Lock()
	if mark, ok := t.marks[phase]; ok {
		t.phases[phase] = time.Since(mark)
		delete(t.marks, phase)
	}
	t.mu.Unlock()
}

// Mark records a point-in-time phase measured from turn start, first call
// wins (firstEvent).
func (t *TurnTimer) Mark(phase string) {
	if t == nil || !t.enabled {
		return
	}
	t.mu.Lock()
	if _, ok := t.phases[phase]; !ok {
		t.phases[phase] = time.Since(t.start)
	}
	t.mu.Unlock()
}

// Emit writes the one-line JSON timing record.
func (t *TurnTimer) Emit() {
	if t == nil || !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ev := timingLog.Log().
		Str("session_id", t.sessionID).
		Str("sandbox_id", t.sandboxID).
		Str("path", t.path).
		Int64("total_ms", time.Since(t.start).Milliseconds())
	for phase, d := range t.phases {
		ev = ev.Int64(phase+"_ms", d.Milliseconds())
	}
	ev.Send()
}
