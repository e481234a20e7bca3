package coordinator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ashrun/ash/internal/auth"
	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/pkg/types"
)

func newTestRepo(t *testing.T) db.Repository {
	t.Helper()
	repo, err := db.OpenSQLite(filepath.Join(t.TempDir(), "ash.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestCoordinator(repo db.Repository, timeout time.Duration) *Coordinator {
	return New(Config{
		InternalSecret:   "hunter2",
		HeartbeatTimeout: timeout,
	}, repo)
}

func TestSelectRunnerPrefersCapacity(t *testing.T) {
	repo := newTestRepo(t)
	co := newTestCoordinator(repo, time.Minute)
	ctx := context.Background()

	for _, r := range []*types.Runner{
		{ID: "r-small", Host: "10.0.0.1", Port: 8080, MaxSandboxes: 2, ActiveCount: 1},
		{ID: "r-big", Host: "10.0.0.2", Port: 8080, MaxSandboxes: 10, ActiveCount: 2},
	} {
		if err := co.Register(ctx, r); err != nil {
			t.Fatalf("register %s: %v", r.ID, err)
		}
	}

	got, err := co.SelectRunner(ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != "r-big" {
		t.Errorf("selected %s, want r-big", got.ID)
	}

	// Every runner full: nothing to select.
	if err := co.Heartbeat(ctx, "r-big", 10, 0); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := co.Heartbeat(ctx, "r-small", 2, 0); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := co.SelectRunner(ctx); !errors.Is(err, ErrNoRunner) {
		t.Errorf("select with no capacity = %v, want ErrNoRunner", err)
	}
}

func TestRouteSessionSticksToHealthyRunner(t *testing.T) {
	repo := newTestRepo(t)
	co := newTestCoordinator(repo, time.Minute)
	ctx := context.Background()

	for _, r := range []*types.Runner{
		{ID: "r-1", Host: "10.0.0.1", Port: 8080, MaxSandboxes: 2, ActiveCount: 1},
		{ID: "r-2", Host: "10.0.0.2", Port: 8080, MaxSandboxes: 10},
	} {
		if err := co.Register(ctx, r); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	sess := &types.Session{ID: "sess-1", TenantID: types.DefaultTenant, AgentName: "bot", Status: types.SessionActive, RunnerID: "r-1"}
	if err := repo.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	// r-2 has more headroom but the session stays where its sandbox is.
	got, err := co.RouteSession(ctx, sess)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if got.ID != "r-1" {
		t.Errorf("routed to %s, want recorded runner r-1", got.ID)
	}
}

func TestRouteSessionFailsOverFromDeadRunner(t *testing.T) {
	repo := newTestRepo(t)
	co := newTestCoordinator(repo, 50*time.Millisecond)
	ctx := context.Background()

	if err := co.Register(ctx, &types.Runner{ID: "r-dead", Host: "10.0.0.1", Port: 8080, MaxSandboxes: 4}); err != nil {
		t.Fatalf("register: %v", err)
	}
	sess := &types.Session{ID: "sess-1", TenantID: types.DefaultTenant, AgentName: "bot", Status: types.SessionActive, RunnerID: "r-dead"}
	if err := repo.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	// Let r-dead's heartbeat expire, then bring up a fresh runner.
	time.Sleep(100 * time.Millisecond)
	if err := co.Register(ctx, &types.Runner{ID: "r-new", Host: "10.0.0.2", Port: 8080, MaxSandboxes: 4}); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := co.RouteSession(ctx, sess)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if got.ID != "r-new" {
		t.Errorf("routed to %s, want failover to r-new", got.ID)
	}

	stored, err := repo.GetSession(ctx, types.DefaultTenant, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.RunnerID != "r-new" {
		t.Errorf("recorded runner = %s, want r-new", stored.RunnerID)
	}
}

func TestDeregisterPausesSessions(t *testing.T) {
	repo := newTestRepo(t)
	co := newTestCoordinator(repo, time.Minute)
	ctx := context.Background()

	if err := co.Register(ctx, &types.Runner{ID: "r-1", Host: "10.0.0.1", Port: 8080, MaxSandboxes: 4}); err != nil {
		t.Fatalf("register: %v", err)
	}
	sess := &types.Session{ID: "sess-1", TenantID: types.DefaultTenant, AgentName: "bot", Status: types.SessionActive, RunnerID: "r-1"}
	if err := repo.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	if err := co.Deregister(ctx, "r-1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	stored, err := repo.GetSession(ctx, types.DefaultTenant, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Status != types.SessionPaused {
		t.Errorf("session status = %s, want paused", stored.Status)
	}
	if _, err := repo.GetRunner(ctx, "r-1"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("runner lookup = %v, want ErrNotFound", err)
	}
}

func TestSweepDeadRunners(t *testing.T) {
	repo := newTestRepo(t)
	co := newTestCoordinator(repo, 50*time.Millisecond)
	ctx := context.Background()

	if err := co.Register(ctx, &types.Runner{ID: "r-dead", Host: "10.0.0.1", Port: 8080, MaxSandboxes: 4}); err != nil {
		t.Fatalf("register: %v", err)
	}
	sess := &types.Session{ID: "sess-1", TenantID: types.DefaultTenant, AgentName: "bot", Status: types.SessionActive, RunnerID: "r-dead"}
	if err := repo.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	co.sweepDead(ctx)

	if _, err := repo.GetRunner(ctx, "r-dead"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("dead runner still registered: %v", err)
	}
	stored, err := repo.GetSession(ctx, types.DefaultTenant, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Status != types.SessionPaused {
		t.Errorf("session status = %s, want paused", stored.Status)
	}
}

func TestProxyStreamsThrough(t *testing.T) {
	var gotSecret, gotTenant string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Internal-Secret")
		gotTenant = r.Header.Get(auth.TenantHeader)

		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"content":"hi"}` {
			t.Errorf("upstream body = %q", body)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, frame := range []string{"event: message\ndata: {}\n\n", "event: done\ndata: {}\n\n"} {
			io.WriteString(w, frame)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	port, _ := strconv.Atoi(u.Port())
	runner := &types.Runner{ID: "r-1", Host: u.Hostname(), Port: port, MaxSandboxes: 4}

	co := newTestCoordinator(newTestRepo(t), time.Minute)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/sess-1/messages", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := co.Proxy(c, runner); err != nil {
		t.Fatalf("proxy: %v", err)
	}

	if gotSecret != "hunter2" {
		t.Errorf("internal secret = %q, want hunter2", gotSecret)
	}
	if gotTenant != types.DefaultTenant {
		t.Errorf("tenant header = %q, want default", gotTenant)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Header().Get("Keep-Alive") != "" {
		t.Error("hop-by-hop header leaked through the proxy")
	}
	if !strings.Contains(rec.Body.String(), "event: done") {
		t.Errorf("stream body = %q, missing done frame", rec.Body.String())
	}
}
