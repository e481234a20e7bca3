package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/pool"
	"github.com/ashrun/ash/internal/sandbox"
)

// stubBackend satisfies the sandbox backend interface; the pool is never
// started in these tests, so none of its commands run.
type stubBackend struct{}

func (stubBackend) Name() string { return "stub" }
func (stubBackend) ChildCommand(ctx context.Context, sb *sandbox.Sandbox, argv, env []string) (*exec.Cmd, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...), nil
}
func (stubBackend) ExecCommand(ctx context.Context, sb *sandbox.Sandbox, argv, env []string) (*exec.Cmd, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...), nil
}
func (stubBackend) PostStart(sb *sandbox.Sandbox, pid int) error { return nil }
func (stubBackend) Cleanup(sb *sandbox.Sandbox) error            { return nil }

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	repo, err := db.OpenSQLite(filepath.Join(t.TempDir(), "ash.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	mgr := sandbox.NewManager(sandbox.Config{SandboxesDir: t.TempDir()}, stubBackend{})
	return pool.New(pool.Config{MaxCapacity: 4, SnapshotsDir: t.TempDir()}, mgr, repo, nil)
}

// fakeCoordinator records internal-API calls from the registrar.
type fakeCoordinator struct {
	mu             sync.Mutex
	registers      int
	heartbeats     int
	deregisters    int
	lastSecret     string
	lastRegister   map[string]any
	lastHeartbeat  map[string]int
	heartbeatsFail bool
}

func (f *fakeCoordinator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/internal/runners/register", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.registers++
		f.lastSecret = r.Header.Get("X-Internal-Secret")
		f.lastRegister = map[string]any{}
		json.NewDecoder(r.Body).Decode(&f.lastRegister)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/internal/runners/r-1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.heartbeats++
		f.lastHeartbeat = map[string]int{}
		json.NewDecoder(r.Body).Decode(&f.lastHeartbeat)
		if f.heartbeatsFail {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/internal/runners/r-1/deregister", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.deregisters++
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (f *fakeCoordinator) snapshot() fakeCoordinator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeCoordinator{
		registers:     f.registers,
		heartbeats:    f.heartbeats,
		deregisters:   f.deregisters,
		lastSecret:    f.lastSecret,
		lastRegister:  f.lastRegister,
		lastHeartbeat: f.lastHeartbeat,
	}
}

func TestRegistrarLifecycle(t *testing.T) {
	fake := &fakeCoordinator{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	reg := NewRegistrar(Config{
		RunnerID:          "r-1",
		CoordinatorURL:    srv.URL,
		AdvertiseHost:     "10.0.0.5",
		Port:              8081,
		MaxSandboxes:      4,
		InternalSecret:    "hunter2",
		HeartbeatInterval: 20 * time.Millisecond,
	}, newTestPool(t))

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	reg.Stop(context.Background())

	got := fake.snapshot()
	if got.registers < 1 {
		t.Error("runner never registered")
	}
	if got.heartbeats < 2 {
		t.Errorf("heartbeats = %d, want several", got.heartbeats)
	}
	if got.deregisters != 1 {
		t.Errorf("deregisters = %d, want 1", got.deregisters)
	}
	if got.lastSecret != "hunter2" {
		t.Errorf("internal secret = %q", got.lastSecret)
	}
	if got.lastRegister["runnerId"] != "r-1" || got.lastRegister["host"] != "10.0.0.5" {
		t.Errorf("register payload = %v", got.lastRegister)
	}
	if port, ok := got.lastRegister["port"].(float64); !ok || int(port) != 8081 {
		t.Errorf("register port = %v", got.lastRegister["port"])
	}
	// Idle pool: nothing active, nothing warming.
	if got.lastHeartbeat["activeCount"] != 0 || got.lastHeartbeat["warmingCount"] != 0 {
		t.Errorf("heartbeat load = %v", got.lastHeartbeat)
	}
}

func TestRegistrarReregistersWhenForgotten(t *testing.T) {
	fake := &fakeCoordinator{heartbeatsFail: true}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	reg := NewRegistrar(Config{
		RunnerID:          "r-1",
		CoordinatorURL:    srv.URL,
		AdvertiseHost:     "10.0.0.5",
		Port:              8081,
		MaxSandboxes:      4,
		InternalSecret:    "hunter2",
		HeartbeatInterval: 20 * time.Millisecond,
	}, newTestPool(t))

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	reg.Stop(context.Background())

	// Every failed heartbeat should be chased by a registration attempt.
	got := fake.snapshot()
	if got.registers < 2 {
		t.Errorf("registers = %d, want re-registration after 404 heartbeats", got.registers)
	}
}
