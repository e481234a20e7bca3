package pool

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ashrun/ash/internal/bridge"
	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/engine"
	"github.com/ashrun/ash/internal/sandbox"
	"github.com/ashrun/ash/pkg/types"
)

type echoEngine struct{}

func (echoEngine) Run(ctx context.Context, q engine.Query, emit func(json.RawMessage) error) (*engine.Result, error) {
	if err := emit(json.RawMessage(`{"type":"assistant"}`)); err != nil {
		return nil, err
	}
	return &engine.Result{EngineSessionID: "eng-test"}, nil
}

// hostBackend runs children unconfined and serves a real bridge host on
// each sandbox socket so Create's ready handshake completes.
type hostBackend struct {
	mu      sync.Mutex
	cancels []context.CancelFunc
}

func newHostBackend(t *testing.T) *hostBackend {
	b := &hostBackend{}
	t.Cleanup(b.stop)
	return b
}

func (b *hostBackend) Name() string { return "fake" }

func (b *hostBackend) ChildCommand(ctx context.Context, sb *sandbox.Sandbox, argv, env []string) (*exec.Cmd, error) {
	hctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()
	go bridge.NewHost(sb.SocketPath, echoEngine{}).Serve(hctx)

	cmd := exec.Command("sleep", "300")
	cmd.Dir = sb.WorkspaceDir
	cmd.Env = env
	return cmd, nil
}

func (b *hostBackend) ExecCommand(ctx context.Context, sb *sandbox.Sandbox, argv, env []string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sb.WorkspaceDir
	cmd.Env = env
	return cmd, nil
}

func (b *hostBackend) PostStart(sb *sandbox.Sandbox, pid int) error { return nil }
func (b *hostBackend) Cleanup(sb *sandbox.Sandbox) error            { return nil }

func (b *hostBackend) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancels {
		cancel()
	}
}

type fixture struct {
	pool    *Pool
	manager *sandbox.Manager
	repo    db.Repository
	dir     string
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	dir := t.TempDir()

	repo, err := db.OpenSQLite(filepath.Join(dir, "ash.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	mgr := sandbox.NewManager(sandbox.Config{
		SandboxesDir:   filepath.Join(dir, "sandboxes"),
		BridgeBin:      "unused-by-fake-backend",
		EngineCmd:      "true",
		InstallTimeout: time.Minute,
		ReadyTimeout:   10 * time.Second,
	}, newHostBackend(t))
	t.Cleanup(mgr.DestroyAll)

	p := New(Config{
		TenantID:     "default",
		MaxCapacity:  capacity,
		IdleTimeout:  time.Hour,
		ColdTTL:      time.Hour,
		SnapshotsDir: filepath.Join(dir, "snapshots"),
		Sweep:        time.Hour,
	}, mgr, repo, nil)

	return &fixture{pool: p, manager: mgr, repo: repo, dir: dir}
}

func agentDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "agent.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write agent file: %v", err)
	}
	return dir
}

func createOpts(agent, dir, sessionID string) CreateOpts {
	return CreateOpts{CreateOpts: sandbox.CreateOpts{
		AgentName: agent,
		AgentDir:  dir,
		SessionID: sessionID,
	}}
}

func recordState(t *testing.T, repo db.Repository, id string) types.SandboxState {
	t.Helper()
	rec, err := repo.GetSandbox(context.Background(), id)
	if err != nil {
		t.Fatalf("get sandbox record %s: %v", id, err)
	}
	return rec.State
}

func TestCreateBindsSession(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	sb, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := recordState(t, f.repo, sb.ID); got != types.SandboxWaiting {
		t.Fatalf("record state = %s, want waiting", got)
	}

	got, ok := f.pool.GetBySession("sess-1")
	if !ok || got.ID != sb.ID {
		t.Fatalf("GetBySession = %v, %v; want %s", got, ok, sb.ID)
	}
	if _, ok := f.pool.GetBySession("sess-2"); ok {
		t.Fatal("GetBySession hit for unknown session")
	}

	stats, err := f.pool.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.ByState[types.SandboxWaiting] != 1 || stats.Capacity != 4 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestMarkRunningAndWaiting(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	sb, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.pool.MarkRunning(ctx, sb.ID)
	if got := recordState(t, f.repo, sb.ID); got != types.SandboxRunning {
		t.Fatalf("record state = %s, want running", got)
	}
	f.pool.MarkWaiting(ctx, sb.ID)
	if got := recordState(t, f.repo, sb.ID); got != types.SandboxWaiting {
		t.Fatalf("record state = %s, want waiting", got)
	}
}

func TestWarmUpAndClaim(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	if err := f.pool.WarmUp(ctx, createOpts("coder", agentDir(t), ""), 2); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	n, err := f.repo.CountSandboxes(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count after warm up = %d, want 2", n)
	}

	sb1, ok := f.pool.ClaimWarm(ctx, "default", "sess-1", "coder")
	if !ok {
		t.Fatal("first claim missed")
	}
	if got := recordState(t, f.repo, sb1.ID); got != types.SandboxWaiting {
		t.Fatalf("claimed record state = %s, want waiting", got)
	}
	if got, ok := f.pool.GetBySession("sess-1"); !ok || got.ID != sb1.ID {
		t.Fatalf("GetBySession after claim = %v, %v", got, ok)
	}

	if _, ok := f.pool.ClaimWarm(ctx, "default", "sess-2", "reviewer"); ok {
		t.Fatal("claim matched the wrong agent")
	}
	if _, ok := f.pool.ClaimWarm(ctx, "default", "sess-2", "coder"); !ok {
		t.Fatal("second claim missed")
	}
	if _, ok := f.pool.ClaimWarm(ctx, "default", "sess-3", "coder"); ok {
		t.Fatal("claim succeeded with the pool drained")
	}

	if hits := f.pool.Counters().PreWarmHits; hits != 2 {
		t.Fatalf("pre-warm hits = %d, want 2", hits)
	}
}

func TestWarmUpStopsAtCapacity(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	if err := f.pool.WarmUp(ctx, createOpts("coder", agentDir(t), ""), 5); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	n, err := f.repo.CountSandboxes(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count after warm up = %d, want capacity 2", n)
	}
	if ev := f.pool.Counters().Evictions; ev != 0 {
		t.Fatalf("warm up evicted %d sandboxes", ev)
	}
}

// insertColdRecord plants a cold row with a real workspace dir, as left
// behind by a hibernated sandbox from a previous run.
func insertColdRecord(t *testing.T, f *fixture, id, sessionID string, lastUsed time.Time) string {
	t.Helper()
	ws := f.manager.WorkspacePathFor(id)
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatalf("mk workspace: %v", err)
	}
	err := f.repo.InsertSandbox(context.Background(), &types.SandboxRecord{
		ID:           id,
		TenantID:     "default",
		SessionID:    sessionID,
		AgentName:    "coder",
		State:        types.SandboxCold,
		WorkspaceDir: ws,
		CreatedAt:    lastUsed,
		LastUsedAt:   lastUsed,
	})
	if err != nil {
		t.Fatalf("insert cold record: %v", err)
	}
	return ws
}

func TestCreateIgnoresColdRecords(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	ws := insertColdRecord(t, f, "old-cold", "sess-old", time.Now().UTC().Add(-time.Hour))

	// A cold row is a workspace on disk, not an occupied slot; admission
	// goes through without evicting anything.
	sb, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-new"))
	if err != nil {
		t.Fatalf("create with cold record present: %v", err)
	}
	if got := recordState(t, f.repo, "old-cold"); got != types.SandboxCold {
		t.Fatalf("cold record state = %s, want cold", got)
	}
	if _, err := os.Stat(ws); err != nil {
		t.Fatalf("cold workspace disturbed: %v", err)
	}
	if got := recordState(t, f.repo, sb.ID); got != types.SandboxWaiting {
		t.Fatalf("new record state = %s, want waiting", got)
	}
	if ev := f.pool.Counters().Evictions; ev != 0 {
		t.Fatalf("evictions = %d, want 0", ev)
	}
}

func TestCreateAtCapacityEvictsColdThenWaiting(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.pool.SetHibernateFunc(func(ctx context.Context, sessionID string, sb *sandbox.Sandbox) error {
		return nil
	})

	insertColdRecord(t, f, "old-cold", "sess-old", time.Now().UTC().Add(-time.Hour))
	first, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The cold record goes first but frees no slot; eviction continues
	// to the waiting occupant.
	if _, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-2")); err != nil {
		t.Fatalf("create at capacity: %v", err)
	}
	if _, err := f.repo.GetSandbox(ctx, "old-cold"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("cold record survived eviction: %v", err)
	}
	if got := recordState(t, f.repo, first.ID); got != types.SandboxCold {
		t.Fatalf("hibernated record state = %s, want cold", got)
	}
	if ev := f.pool.Counters().Evictions; ev != 2 {
		t.Fatalf("evictions = %d, want 2", ev)
	}
}

func TestCreateAtCapacityEvictsWarm(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	warm, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), ""))
	if err != nil {
		t.Fatalf("create warm: %v", err)
	}

	sb, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-1"))
	if err != nil {
		t.Fatalf("create at capacity: %v", err)
	}
	if warm.Alive() {
		t.Fatal("evicted warm sandbox still alive")
	}
	if _, err := f.repo.GetSandbox(ctx, warm.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("warm record survived eviction: %v", err)
	}
	if !sb.Alive() {
		t.Fatal("new sandbox not alive")
	}
}

func TestCreateAtCapacityHibernatesWaiting(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	var hibernated []string
	f.pool.SetHibernateFunc(func(ctx context.Context, sessionID string, sb *sandbox.Sandbox) error {
		hibernated = append(hibernated, sessionID)
		return nil
	})

	first, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Hibernating the waiting occupant frees its slot; its record stays
	// behind cold so the paused session can still resume.
	sb, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-2"))
	if err != nil {
		t.Fatalf("create at capacity: %v", err)
	}
	if len(hibernated) != 1 || hibernated[0] != "sess-1" {
		t.Fatalf("hibernated = %v, want [sess-1]", hibernated)
	}
	if first.Alive() {
		t.Fatal("hibernated sandbox still alive")
	}
	if got := recordState(t, f.repo, first.ID); got != types.SandboxCold {
		t.Fatalf("hibernated record state = %s, want cold", got)
	}
	if got := recordState(t, f.repo, sb.ID); got != types.SandboxWaiting {
		t.Fatalf("new record state = %s, want waiting", got)
	}
	if ev := f.pool.Counters().Evictions; ev != 1 {
		t.Fatalf("evictions = %d, want 1", ev)
	}
}

func TestStatsReportsWarmingReservations(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	// A reservation row is what a create in progress looks like; install
	// can run for minutes and the load report has to show it.
	err := f.repo.InsertSandbox(ctx, &types.SandboxRecord{
		ID:           "mid-create",
		TenantID:     "default",
		AgentName:    "coder",
		State:        types.SandboxWarming,
		WorkspaceDir: f.manager.WorkspacePathFor("mid-create"),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	stats, err := f.pool.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ByState[types.SandboxWarming] != 1 {
		t.Fatalf("stats = %+v, want 1 warming", stats)
	}
	if stats.ByState[types.SandboxCold] != 0 {
		t.Fatalf("stats = %+v, warming row reported cold", stats)
	}
	if stats.Total != 1 {
		t.Fatalf("stats total = %d, want 1", stats.Total)
	}
}

func TestCreateNeverEvictsRunning(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	sb, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.pool.MarkRunning(ctx, sb.ID)

	if _, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-2")); !errors.Is(err, ErrCapacity) {
		t.Fatalf("create = %v, want ErrCapacity", err)
	}
	if !sb.Alive() {
		t.Fatal("running sandbox was killed by admission")
	}
}

func TestCreateFailureReleasesReservation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	bad := t.TempDir()
	if err := os.WriteFile(filepath.Join(bad, "install.sh"), []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write install.sh: %v", err)
	}

	if _, err := f.pool.Create(ctx, createOpts("coder", bad, "sess-1")); err == nil {
		t.Fatal("create succeeded with failing install")
	}
	n, err := f.repo.CountSandboxes(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("count after failed create = %d, want 0", n)
	}

	if _, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-1")); err != nil {
		t.Fatalf("create after released reservation: %v", err)
	}
}

func TestIdleSweepHibernates(t *testing.T) {
	f := newFixture(t, 2)
	f.pool.cfg.IdleTimeout = 50 * time.Millisecond
	ctx := context.Background()

	var hibernated []string
	f.pool.SetHibernateFunc(func(ctx context.Context, sessionID string, sb *sandbox.Sandbox) error {
		hibernated = append(hibernated, sessionID)
		return nil
	})

	sb, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.pool.idleSweep(ctx)
	if len(hibernated) != 0 {
		t.Fatal("sweep hibernated a fresh sandbox")
	}

	time.Sleep(100 * time.Millisecond)
	f.pool.idleSweep(ctx)

	if len(hibernated) != 1 || hibernated[0] != "sess-1" {
		t.Fatalf("hibernated = %v, want [sess-1]", hibernated)
	}
	if sb.Alive() {
		t.Fatal("sandbox alive after idle sweep")
	}
	if got := recordState(t, f.repo, sb.ID); got != types.SandboxCold {
		t.Fatalf("record state = %s, want cold", got)
	}
	if _, ok := f.pool.GetBySession("sess-1"); ok {
		t.Fatal("GetBySession hit after hibernation")
	}
}

func TestIdleSweepSkipsOnHibernateError(t *testing.T) {
	f := newFixture(t, 2)
	f.pool.cfg.IdleTimeout = time.Nanosecond
	ctx := context.Background()

	f.pool.SetHibernateFunc(func(ctx context.Context, sessionID string, sb *sandbox.Sandbox) error {
		return errors.New("disk full")
	})

	sb, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	f.pool.idleSweep(ctx)
	if !sb.Alive() {
		t.Fatal("sandbox destroyed although its snapshot failed")
	}
	if got := recordState(t, f.repo, sb.ID); got != types.SandboxWaiting {
		t.Fatalf("record state = %s, want waiting", got)
	}
}

func TestColdCleanup(t *testing.T) {
	f := newFixture(t, 4)
	f.pool.cfg.ColdTTL = time.Minute
	ctx := context.Background()

	oldWS := insertColdRecord(t, f, "ancient", "sess-old", time.Now().UTC().Add(-time.Hour))
	freshWS := insertColdRecord(t, f, "recent", "sess-new", time.Now().UTC())

	f.pool.coldCleanup(ctx)

	if _, err := f.repo.GetSandbox(ctx, "ancient"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expired cold record survived: %v", err)
	}
	if _, err := os.Stat(oldWS); !os.IsNotExist(err) {
		t.Fatalf("expired workspace survived: %v", err)
	}
	if _, err := f.repo.GetSandbox(ctx, "recent"); err != nil {
		t.Fatalf("fresh cold record deleted: %v", err)
	}
	if _, err := os.Stat(freshWS); err != nil {
		t.Fatalf("fresh workspace deleted: %v", err)
	}
}

func TestChildExitGoesCold(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	exits := make(chan string, 1)
	f.pool.SetOnExit(func(id, sessionID string, oom bool) {
		exits <- sessionID
	})

	sb, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := syscall.Kill(sb.Pid(), syscall.SIGKILL); err != nil {
		t.Fatalf("kill child: %v", err)
	}

	select {
	case sessionID := <-exits:
		if sessionID != "sess-1" {
			t.Fatalf("exit session = %s, want sess-1", sessionID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback never fired")
	}

	if got := recordState(t, f.repo, sb.ID); got != types.SandboxCold {
		t.Fatalf("record state = %s, want cold", got)
	}
	if _, ok := f.pool.GetBySession("sess-1"); ok {
		t.Fatal("GetBySession hit after crash")
	}
	if _, ok := f.pool.Get(sb.ID); ok {
		t.Fatal("Get hit after crash")
	}
}

func TestReleaseDestroysEverything(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	sb, err := f.pool.Create(ctx, createOpts("coder", agentDir(t), "sess-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	snapDir := filepath.Join(f.pool.cfg.SnapshotsDir, "sess-1")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		t.Fatalf("mk snapshot dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(snapDir, "workspace.tar.gz"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	if err := f.pool.Release(ctx, "sess-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if sb.Alive() {
		t.Fatal("sandbox alive after release")
	}
	if _, err := f.repo.GetSandbox(ctx, sb.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("record survived release: %v", err)
	}
	if _, err := os.Stat(sb.WorkspaceDir); !os.IsNotExist(err) {
		t.Fatalf("workspace survived release: %v", err)
	}
	if _, err := os.Stat(snapDir); !os.IsNotExist(err) {
		t.Fatalf("snapshot dir survived release: %v", err)
	}
}

func TestReleasePausedSession(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	ws := insertColdRecord(t, f, "cold-1", "sess-1", time.Now().UTC())

	if err := f.pool.Release(ctx, "sess-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := f.repo.GetSandbox(ctx, "cold-1"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("cold record survived release: %v", err)
	}
	if _, err := os.Stat(ws); !os.IsNotExist(err) {
		t.Fatalf("workspace survived release: %v", err)
	}
}

func TestStartMarksStaleRecordsCold(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	err := f.repo.InsertSandbox(ctx, &types.SandboxRecord{
		ID:           "stale",
		TenantID:     "default",
		SessionID:    "sess-1",
		AgentName:    "coder",
		State:        types.SandboxRunning,
		WorkspaceDir: f.manager.WorkspacePathFor("stale"),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := f.pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.pool.Stop()

	if got := recordState(t, f.repo, "stale"); got != types.SandboxCold {
		t.Fatalf("record state after start = %s, want cold", got)
	}
}
