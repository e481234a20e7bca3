// Package sandbox creates, supervises, and destroys isolated sandbox
// processes. Each sandbox is one child process (the bridge host) with a
// private workspace, resource limits applied by the platform backend, and a
// Unix socket the server talks to.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ashrun/ash/internal/bridge"
	"github.com/ashrun/ash/internal/logging"
)

const (
	gracefulStopTimeout = 5 * time.Second
	defaultReadyTimeout = 30 * time.Second
	installScriptName   = "install.sh"
)

// StartupTimings records how long each create phase took, in milliseconds.
type StartupTimings struct {
	CopyMs    int64 `json:"copyMs"`
	InstallMs int64 `json:"installMs"`
	SpawnMs   int64 `json:"spawnMs"`
	ReadyMs   int64 `json:"readyMs"`
	TotalMs   int64 `json:"totalMs"`
}

// Sandbox is the live runtime view of one isolated child process.
type Sandbox struct {
	ID           string
	AgentName    string
	SessionID    string
	Dir          string
	WorkspaceDir string
	SocketPath   string
	Limits       ResourceLimits
	Bridge       *bridge.Client
	Logs         *LogBuffer
	Timings      StartupTimings
	CreatedAt    time.Time

	cmd        *exec.Cmd
	exited     chan struct{}
	exitStatus atomic.Pointer[os.ProcessState]
	destroying atomic.Bool
}

// Alive reports whether the child process is still running.
func (s *Sandbox) Alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Pid returns the child pid, or 0 before spawn.
func (s *Sandbox) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// oomKilled infers an OOM kill from the exit status: the kernel's OOM
// reaper delivers SIGKILL, which also surfaces as exit code 137 through
// shell wrappers.
func (s *Sandbox) oomKilled() bool {
	if !s.Limits.memoryEnabled() {
		return false
	}
	state := s.exitStatus.Load()
	if state == nil {
		return false
	}
	if state.ExitCode() == 137 {
		return true
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		return ws.Signaled() && ws.Signal() == syscall.SIGKILL
	}
	return false
}

// CreateOpts are the inputs to Manager.Create.
type CreateOpts struct {
	ID            string // optional fixed id, reused on cold resume
	AgentName     string
	AgentDir      string // staged agent tree copied into the workspace
	SessionID     string
	SkipAgentCopy bool   // resume path: workspace already restored
	ForceInstall  bool   // run install.sh even without a fresh copy; snapshots exclude dependency trees
	StartupScript string // optional command run after install.sh
	Limits        *ResourceLimits
	ExtraEnv      []string // KEY=VALUE, e.g. decrypted credentials

	// PrepareWorkspace runs after the workspace directory exists and
	// before agent staging and scripts. The resume path uses it to
	// extract a snapshot once capacity is already reserved.
	PrepareWorkspace func(workspace string) error
}

// Config wires a Manager.
type Config struct {
	SandboxesDir   string
	BridgeBin      string // path to the ash-bridge binary
	EngineCmd      string // engine command exported to the bridge
	DefaultLimits  ResourceLimits
	InstallTimeout time.Duration
	ReadyTimeout   time.Duration
}

// Manager owns the live sandbox processes on this node.
type Manager struct {
	cfg     Config
	backend Backend
	log     zerolog.Logger

	mu   sync.RWMutex
	live map[string]*Sandbox

	onExit func(id string, oom bool)
}

// NewManager creates a Manager over the given isolation backend.
func NewManager(cfg Config, backend Backend) *Manager {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.BridgeBin == "" {
		cfg.BridgeBin = defaultBridgeBin()
	}
	return &Manager{
		cfg:     cfg,
		backend: backend,
		log:     logging.WithComponent("sandbox"),
		live:    make(map[string]*Sandbox),
	}
}

// defaultBridgeBin looks for ash-bridge next to the server binary, then
// falls back to PATH lookup.
func defaultBridgeBin() string {
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "ash-bridge")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return "ash-bridge"
}

// OnExit registers the callback fired when a child exits on its own rather
// than through Destroy. It runs on the wait goroutine; implementations must
// not block.
func (m *Manager) OnExit(fn func(id string, oom bool)) {
	m.onExit = fn
}

// Backend exposes the active isolation backend.
func (m *Manager) Backend() Backend { return m.backend }

// WorkspacePathFor returns where the workspace for a sandbox id lives,
// whether or not the sandbox is running. Callers use it to restore
// snapshots before Create and to remove workspaces after records are
// deleted.
func (m *Manager) WorkspacePathFor(id string) string {
	return filepath.Join(m.cfg.SandboxesDir, id, "workspace")
}

// Create builds the sandbox directory, stages the agent, runs install and
// startup scripts, spawns the isolated child, and waits for the bridge's
// ready signal.
func (m *Manager) Create(ctx context.Context, opts CreateOpts) (*Sandbox, error) {
	start := time.Now()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if opts.AgentName == "" {
		return nil, fmt.Errorf("sandbox: create: agent name is required")
	}

	limits := m.cfg.DefaultLimits
	if opts.Limits != nil {
		limits = opts.Limits.withDefaults(m.cfg.DefaultLimits)
	}

	dir := filepath.Join(m.cfg.SandboxesDir, id)
	workspace := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create workspace: %w", err)
	}

	sb := &Sandbox{
		ID:           id,
		AgentName:    opts.AgentName,
		SessionID:    opts.SessionID,
		Dir:          dir,
		WorkspaceDir: workspace,
		SocketPath:   socketPathFor(dir, id),
		Limits:       limits,
		Logs:         NewLogBuffer(0),
		CreatedAt:    time.Now().UTC(),
		exited:       make(chan struct{}),
	}

	fail := func(err error) (*Sandbox, error) {
		_ = m.backend.Cleanup(sb)
		os.RemoveAll(dir)
		return nil, err
	}

	if opts.PrepareWorkspace != nil {
		if err := opts.PrepareWorkspace(workspace); err != nil {
			return fail(fmt.Errorf("sandbox: prepare workspace: %w", err))
		}
	}

	if !opts.SkipAgentCopy && opts.AgentDir != "" {
		copyStart := time.Now()
		if err := CopyDir(opts.AgentDir, workspace); err != nil {
			return fail(fmt.Errorf("sandbox: stage agent %s: %w", opts.AgentName, err))
		}
		sb.Timings.CopyMs = time.Since(copyStart).Milliseconds()
	}

	env := buildEnv(map[string]string{
		"HOME":              workspace,
		"TMPDIR":            "/tmp",
		"ASH_SANDBOX_ID":    id,
		"ASH_WORKSPACE":     workspace,
		"ASH_BRIDGE_SOCKET": sb.SocketPath,
		"ASH_ENGINE_CMD":    m.cfg.EngineCmd,
	}, opts.ExtraEnv)

	// install.sh runs on fresh creates and on restored workspaces that
	// ask for it; snapshots carry source but not dependency trees.
	if !opts.SkipAgentCopy || opts.ForceInstall {
		if _, err := os.Stat(filepath.Join(workspace, installScriptName)); err == nil {
			installStart := time.Now()
			if err := m.runScript(ctx, sb, []string{"/bin/sh", installScriptName}, env); err != nil {
				return fail(fmt.Errorf("sandbox: install.sh: %w", err))
			}
			sb.Timings.InstallMs = time.Since(installStart).Milliseconds()
		}
	}
	if opts.StartupScript != "" {
		if err := m.runScript(ctx, sb, []string{"/bin/sh", "-c", opts.StartupScript}, env); err != nil {
			return fail(fmt.Errorf("sandbox: startup script: %w", err))
		}
	}

	spawnStart := time.Now()
	cmd, err := m.backend.ChildCommand(context.Background(), sb, []string{m.cfg.BridgeBin}, env)
	if err != nil {
		return fail(fmt.Errorf("sandbox: build child command: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(fmt.Errorf("sandbox: stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(fmt.Errorf("sandbox: stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("sandbox: spawn: %w", err))
	}
	sb.cmd = cmd
	sb.Timings.SpawnMs = time.Since(spawnStart).Milliseconds()

	go sb.Logs.Drain(StreamStdout, stdout)
	go sb.Logs.Drain(StreamStderr, stderr)
	go m.watchExit(sb)

	if err := m.backend.PostStart(sb, cmd.Process.Pid); err != nil {
		m.kill(sb)
		return fail(fmt.Errorf("sandbox: apply limits: %w", err))
	}

	readyStart := time.Now()
	readyCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	defer cancel()
	client, err := bridge.Connect(readyCtx, sb.SocketPath)
	if err != nil {
		m.kill(sb)
		return fail(fmt.Errorf("sandbox: bridge connect: %w", err))
	}
	if err := client.WaitReady(readyCtx); err != nil {
		client.Close()
		m.kill(sb)
		return fail(fmt.Errorf("sandbox: bridge ready: %w", err))
	}
	sb.Bridge = client
	sb.Timings.ReadyMs = time.Since(readyStart).Milliseconds()
	sb.Timings.TotalMs = time.Since(start).Milliseconds()

	m.mu.Lock()
	m.live[id] = sb
	m.mu.Unlock()

	if sb.Limits.diskEnabled() {
		m.setDiskQuota(sb)
		go m.monitorDisk(sb)
	}

	m.log.Info().
		Str("sandbox_id", id).
		Str("agent", opts.AgentName).
		Str("backend", m.backend.Name()).
		Int64("total_ms", sb.Timings.TotalMs).
		Msg("sandbox created")
	return sb, nil
}

// runScript executes a setup script inside the sandbox view under the hard
// install timeout, teeing output into the system log stream.
func (m *Manager) runScript(ctx context.Context, sb *Sandbox, argv, env []string) error {
	timeout := m.cfg.InstallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := m.backend.ExecCommand(sctx, sb, argv, env)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if cmd.Dir == "" {
		cmd.Dir = sb.WorkspaceDir
	}

	err = cmd.Run()
	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if line != "" {
			sb.Logs.Append(StreamSystem, line)
		}
	}
	if err != nil {
		if sctx.Err() != nil {
			return fmt.Errorf("timed out after %s", timeout)
		}
		return fmt.Errorf("%w (%s)", err, tail(out.String(), 300))
	}
	return nil
}

// watchExit reaps the child and fires the exit callback for deaths the
// manager did not initiate.
func (m *Manager) watchExit(sb *Sandbox) {
	err := sb.cmd.Wait()
	sb.exitStatus.Store(sb.cmd.ProcessState)
	close(sb.exited)

	if sb.destroying.Load() {
		return
	}

	oom := sb.oomKilled()
	m.log.Warn().
		Str("sandbox_id", sb.ID).
		Bool("oom", oom).
		AnErr("exit_err", err).
		Msg("sandbox child exited")

	m.mu.Lock()
	delete(m.live, sb.ID)
	m.mu.Unlock()

	if sb.Bridge != nil {
		sb.Bridge.Close()
	}
	_ = m.backend.Cleanup(sb)

	if m.onExit != nil {
		m.onExit(sb.ID, oom)
	}
}

// Get returns the live sandbox, or nil.
func (m *Manager) Get(id string) *Sandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live[id]
}

// List snapshots the live sandboxes.
func (m *Manager) List() []*Sandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Sandbox, 0, len(m.live))
	for _, sb := range m.live {
		out = append(out, sb)
	}
	return out
}

// Count returns the number of live sandboxes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// Destroy stops the child and releases backend resources. The workspace
// directory stays on disk so snapshots and cold resumes can read it; a
// missing sandbox is a no-op.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	sb := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()
	if sb == nil {
		return nil
	}

	sb.destroying.Store(true)
	if sb.Bridge != nil {
		sb.Bridge.Close()
	}

	if sb.cmd != nil && sb.cmd.Process != nil {
		_ = sb.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-sb.exited:
		case <-time.After(gracefulStopTimeout):
			m.log.Warn().Str("sandbox_id", id).Msg("graceful stop timed out, killing")
			m.kill(sb)
			<-sb.exited
		}
	}

	os.Remove(sb.SocketPath)
	m.removeDiskQuota(sb)
	if err := m.backend.Cleanup(sb); err != nil {
		m.log.Warn().Str("sandbox_id", id).Err(err).Msg("backend cleanup failed")
	}

	m.log.Info().Str("sandbox_id", id).Msg("sandbox destroyed")
	return nil
}

// DestroyAll tears down every live sandbox, used on shutdown.
func (m *Manager) DestroyAll() {
	for _, sb := range m.List() {
		_ = m.Destroy(sb.ID)
	}
}

// Logs returns buffered entries after the given sequence for a live
// sandbox.
func (m *Manager) Logs(id string, after int64) ([]LogEntry, int64, error) {
	sb := m.Get(id)
	if sb == nil {
		return nil, 0, fmt.Errorf("sandbox %s not found", id)
	}
	entries, last := sb.Logs.Since(after)
	return entries, last, nil
}

// ExecResult is the outcome of a one-off command in the sandbox.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Exec runs a shell command inside the sandbox's isolation view and
// captures its output.
func (m *Manager) Exec(ctx context.Context, id, command string, timeout time.Duration) (*ExecResult, error) {
	sb := m.Get(id)
	if sb == nil {
		return nil, fmt.Errorf("sandbox %s not found", id)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := buildEnv(map[string]string{"HOME": sb.WorkspaceDir}, nil)
	cmd, err := m.backend.ExecCommand(ectx, sb, []string{"/bin/sh", "-c", command}, env)
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if cmd.Dir == "" {
		cmd.Dir = sb.WorkspaceDir
	}

	runErr := cmd.Run()
	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	switch {
	case runErr == nil:
	case ectx.Err() == context.DeadlineExceeded:
		res.ExitCode = 124
		res.Stderr = fmt.Sprintf("command timed out after %s", timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, runErr
		}
	}
	return res, nil
}

// ExecCmd builds an unstarted command in the sandbox's isolation view, for
// callers that manage the process themselves (terminal ptys).
func (m *Manager) ExecCmd(ctx context.Context, id string, argv []string) (*exec.Cmd, error) {
	sb := m.Get(id)
	if sb == nil {
		return nil, fmt.Errorf("sandbox %s not found", id)
	}
	env := buildEnv(map[string]string{"HOME": sb.WorkspaceDir, "TERM": "xterm-256color"}, nil)
	cmd, err := m.backend.ExecCommand(ctx, sb, argv, env)
	if err != nil {
		return nil, err
	}
	if cmd.Dir == "" {
		cmd.Dir = sb.WorkspaceDir
	}
	return cmd, nil
}

func (m *Manager) kill(sb *Sandbox) {
	if sb.cmd != nil && sb.cmd.Process != nil {
		_ = sb.cmd.Process.Kill()
	}
}

// socketPathFor keeps sockets inside the sandbox dir on Linux so bind
// mounts expose them to the child; macOS and very deep data dirs fall back
// to /tmp to stay under the sun_path length limit.
func socketPathFor(dir, id string) string {
	p := filepath.Join(dir, "bridge.sock")
	if runtime.GOOS == "darwin" || len(p) > 90 {
		short := id
		if len(short) > 8 {
			short = short[:8]
		}
		return filepath.Join(os.TempDir(), "ash-"+short+".sock")
	}
	return p
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
