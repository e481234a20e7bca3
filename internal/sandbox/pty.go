package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	ptylib "github.com/creack/pty"
	"github.com/google/uuid"
)

// Terminal holds the state for one interactive pty running in a sandbox.
type Terminal struct {
	ID        string
	SandboxID string
	Cmd       *exec.Cmd
	PTY       *os.File // master side of the pseudo-terminal (read + write)
	Done      chan struct{}
}

// TerminalManager tracks interactive shells opened inside sandboxes.
type TerminalManager struct {
	manager *Manager

	mu        sync.RWMutex
	terminals map[string]*Terminal
}

// NewTerminalManager creates a terminal manager over the sandbox manager.
func NewTerminalManager(m *Manager) *TerminalManager {
	return &TerminalManager{
		manager:   m,
		terminals: make(map[string]*Terminal),
	}
}

// Open starts a shell in the sandbox's isolation view attached to a fresh
// pty.
func (tm *TerminalManager) Open(ctx context.Context, sandboxID, shell string, cols, rows int) (*Terminal, error) {
	if shell == "" {
		shell = "/bin/bash"
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd, err := tm.manager.ExecCmd(ctx, sandboxID, []string{shell})
	if err != nil {
		return nil, err
	}

	ptmx, err := ptylib.StartWithSize(cmd, &ptylib.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("start terminal: %w", err)
	}

	term := &Terminal{
		ID:        uuid.New().String()[:8],
		SandboxID: sandboxID,
		Cmd:       cmd,
		PTY:       ptmx,
		Done:      make(chan struct{}),
	}

	go func() {
		_ = cmd.Wait()
		close(term.Done)
	}()

	tm.mu.Lock()
	tm.terminals[term.ID] = term
	tm.mu.Unlock()

	return term, nil
}

// Resize changes the terminal window size.
func (tm *TerminalManager) Resize(id string, cols, rows int) error {
	tm.mu.RLock()
	term, ok := tm.terminals[id]
	tm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("terminal %s not found", id)
	}
	return ptylib.Setsize(term.PTY, &ptylib.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Get returns a terminal by id.
func (tm *TerminalManager) Get(id string) (*Terminal, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	term, ok := tm.terminals[id]
	if !ok {
		return nil, fmt.Errorf("terminal %s not found", id)
	}
	return term, nil
}

// Close terminates one terminal.
func (tm *TerminalManager) Close(id string) error {
	tm.mu.Lock()
	term, ok := tm.terminals[id]
	if ok {
		delete(tm.terminals, id)
	}
	tm.mu.Unlock()
	if !ok {
		return fmt.Errorf("terminal %s not found", id)
	}
	stopTerminal(term)
	return nil
}

// CloseForSandbox terminates every terminal attached to a sandbox, called
// when the sandbox goes away.
func (tm *TerminalManager) CloseForSandbox(sandboxID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for id, term := range tm.terminals {
		if term.SandboxID == sandboxID {
			stopTerminal(term)
			delete(tm.terminals, id)
		}
	}
}

// CloseAll terminates every terminal, used on shutdown.
func (tm *TerminalManager) CloseAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, term := range tm.terminals {
		stopTerminal(term)
	}
	tm.terminals = make(map[string]*Terminal)
}

func stopTerminal(term *Terminal) {
	term.PTY.Close()
	if term.Cmd.Process != nil {
		_ = term.Cmd.Process.Kill()
	}
}
