package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ashrun/ash/internal/bridge"
	"github.com/ashrun/ash/internal/engine"
)

// nullEngine answers every query with one event and a fixed session id.
type nullEngine struct{}

func (nullEngine) Run(ctx context.Context, q engine.Query, emit func(json.RawMessage) error) (*engine.Result, error) {
	if err := emit(json.RawMessage(`{"type":"assistant"}`)); err != nil {
		return nil, err
	}
	return &engine.Result{EngineSessionID: "eng-test"}, nil
}

// fakeBackend runs children unconfined on the host. ChildCommand spawns a
// long sleep in place of the bridge binary and serves a real bridge host on
// the sandbox socket so Create's ready handshake works.
type fakeBackend struct {
	mu       sync.Mutex
	cancels  []context.CancelFunc
	cleaned  []string
	attached []int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{}
	t.Cleanup(b.stop)
	return b
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) ChildCommand(ctx context.Context, sb *Sandbox, argv, env []string) (*exec.Cmd, error) {
	hctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()
	go bridge.NewHost(sb.SocketPath, nullEngine{}).Serve(hctx)

	cmd := exec.Command("sleep", "300")
	cmd.Dir = sb.WorkspaceDir
	cmd.Env = env
	return cmd, nil
}

func (b *fakeBackend) ExecCommand(ctx context.Context, sb *Sandbox, argv, env []string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sb.WorkspaceDir
	cmd.Env = env
	return cmd, nil
}

func (b *fakeBackend) PostStart(sb *Sandbox, pid int) error {
	b.mu.Lock()
	b.attached = append(b.attached, pid)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Cleanup(sb *Sandbox) error {
	b.mu.Lock()
	b.cleaned = append(b.cleaned, sb.ID)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancels {
		cancel()
	}
}

func newTestManager(t *testing.T, backend Backend) *Manager {
	t.Helper()
	return NewManager(Config{
		SandboxesDir:   filepath.Join(t.TempDir(), "sandboxes"),
		BridgeBin:      "unused-by-fake-backend",
		EngineCmd:      "true",
		InstallTimeout: time.Minute,
		ReadyTimeout:   10 * time.Second,
	}, backend)
}

func writeAgentDir(t *testing.T, install string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi\n"), 0o644); err != nil {
		t.Fatalf("write agent file: %v", err)
	}
	if install != "" {
		if err := os.WriteFile(filepath.Join(dir, "install.sh"), []byte(install), 0o755); err != nil {
			t.Fatalf("write install.sh: %v", err)
		}
	}
	return dir
}

func TestManagerCreateDestroy(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestManager(t, fb)
	agentDir := writeAgentDir(t, "#!/bin/sh\necho installing deps\ntouch .installed\n")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sb, err := m.Create(ctx, CreateOpts{AgentName: "demo", AgentDir: agentDir, SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	defer m.Destroy(sb.ID)

	if !sb.Alive() {
		t.Fatal("sandbox not alive after Create")
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
	if _, err := os.Stat(filepath.Join(sb.WorkspaceDir, "hello.txt")); err != nil {
		t.Fatalf("agent file not staged: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sb.WorkspaceDir, ".installed")); err != nil {
		t.Fatalf("install.sh did not run: %v", err)
	}

	entries, _, err := m.Logs(sb.ID, 0)
	if err != nil {
		t.Fatalf("Logs() error: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Stream == StreamSystem && e.Line == "installing deps" {
			found = true
		}
	}
	if !found {
		t.Fatalf("install output missing from system stream: %+v", entries)
	}

	// The bridge handshake completed, so a query should round-trip.
	_, events, err := sb.Bridge.Query(ctx, "hello", nil)
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	sawDone := false
	for ev := range events {
		if ev.Type == bridge.TypeDone {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("query did not complete")
	}

	if err := m.Destroy(sb.ID); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if m.Get(sb.ID) != nil {
		t.Fatal("sandbox still registered after Destroy")
	}
	if sb.Alive() {
		t.Fatal("child still alive after Destroy")
	}
	// Workspace survives for snapshots and cold resume.
	if _, err := os.Stat(sb.WorkspaceDir); err != nil {
		t.Fatalf("workspace removed on Destroy: %v", err)
	}

	fb.mu.Lock()
	cleaned := len(fb.cleaned)
	fb.mu.Unlock()
	if cleaned == 0 {
		t.Fatal("backend Cleanup never called")
	}

	// Destroying again is a no-op.
	if err := m.Destroy(sb.ID); err != nil {
		t.Fatalf("second Destroy() error: %v", err)
	}
}

func TestManagerInstallFailure(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestManager(t, fb)
	agentDir := writeAgentDir(t, "#!/bin/sh\necho about to fail\nexit 1\n")

	_, err := m.Create(context.Background(), CreateOpts{
		ID:        "fixed-id",
		AgentName: "demo",
		AgentDir:  agentDir,
	})
	if err == nil {
		t.Fatal("Create() succeeded despite failing install.sh")
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d after failed create, want 0", m.Count())
	}
	if _, statErr := os.Stat(filepath.Join(m.cfg.SandboxesDir, "fixed-id")); !os.IsNotExist(statErr) {
		t.Fatalf("sandbox dir not cleaned up after failed create: %v", statErr)
	}
}

func TestManagerExec(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestManager(t, fb)

	ctx := context.Background()
	sb, err := m.Create(ctx, CreateOpts{AgentName: "demo"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	defer m.Destroy(sb.ID)

	res, err := m.Exec(ctx, sb.ID, "echo from-exec; echo oops >&2; exit 3", 10*time.Second)
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Stdout != "from-exec\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "oops\n" {
		t.Fatalf("stderr = %q", res.Stderr)
	}

	if _, err := m.Exec(ctx, "no-such-sandbox", "true", time.Second); err == nil {
		t.Fatal("Exec on unknown sandbox did not error")
	}

	res, err = m.Exec(ctx, sb.ID, "sleep 5", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Exec() timeout case error: %v", err)
	}
	if res.ExitCode != 124 {
		t.Fatalf("timed-out exec exit code = %d, want 124", res.ExitCode)
	}
}

func TestManagerOnExitOOMInference(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestManager(t, fb)
	m.cfg.DefaultLimits = ResourceLimits{MemoryMB: 512}

	exits := make(chan struct {
		id  string
		oom bool
	}, 1)
	m.OnExit(func(id string, oom bool) {
		exits <- struct {
			id  string
			oom bool
		}{id, oom}
	})

	sb, err := m.Create(context.Background(), CreateOpts{AgentName: "demo"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// SIGKILL is what the kernel OOM reaper sends.
	if err := syscall.Kill(sb.Pid(), syscall.SIGKILL); err != nil {
		t.Fatalf("kill child: %v", err)
	}

	select {
	case got := <-exits:
		if got.id != sb.ID {
			t.Fatalf("exit callback for %q, want %q", got.id, sb.ID)
		}
		if !got.oom {
			t.Fatal("SIGKILL with a memory limit was not inferred as OOM")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("exit callback never fired")
	}

	if m.Get(sb.ID) != nil {
		t.Fatal("dead sandbox still registered")
	}
}

func TestManagerDestroySuppressesOnExit(t *testing.T) {
	fb := newFakeBackend(t)
	m := newTestManager(t, fb)

	fired := make(chan string, 1)
	m.OnExit(func(id string, oom bool) { fired <- id })

	sb, err := m.Create(context.Background(), CreateOpts{AgentName: "demo"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := m.Destroy(sb.ID); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}

	select {
	case id := <-fired:
		t.Fatalf("exit callback fired for %q during Destroy", id)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSocketPathFor(t *testing.T) {
	short := socketPathFor("/data/sandboxes/abc", "abc")
	long := socketPathFor("/very/"+strings.Repeat("x", 100), "0123456789abcdef")

	if filepath.Base(short) != "bridge.sock" && filepath.Dir(short) != os.TempDir() {
		t.Fatalf("unexpected socket path %q", short)
	}
	if filepath.Dir(long) != filepath.Clean(os.TempDir()) {
		t.Fatalf("long dir should fall back to temp dir, got %q", long)
	}
	if filepath.Base(long) != "ash-01234567.sock" {
		t.Fatalf("fallback name = %q", filepath.Base(long))
	}
}
