package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ashrun/ash/internal/bridge"
	"github.com/ashrun/ash/internal/coordinator"
	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/pool"
	"github.com/ashrun/ash/internal/session"
	"github.com/ashrun/ash/internal/storage"
	"github.com/ashrun/ash/pkg/types"
)

// coordServer builds a coordinator-mode server over a throwaway sqlite
// repository. The failure detector is not started; tests drive routing
// directly through requests.
func coordServer(t *testing.T, cfg Config) (*Server, db.Repository) {
	t.Helper()
	repo, err := db.OpenSQLite(filepath.Join(t.TempDir(), "ash.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	files, err := storage.NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	library := session.NewAgentLibrary(repo, files, t.TempDir())
	coord := coordinator.New(coordinator.Config{
		InternalSecret:   "hunter2",
		HeartbeatTimeout: time.Minute,
	}, repo)

	cfg.Mode = "coordinator"
	cfg.InternalSecret = "hunter2"
	return New(cfg, repo, nil, library, coord, nil, files), repo
}

func doJSON(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestErrorShape(t *testing.T) {
	s, _ := coordServer(t, Config{DevMode: true})

	rec := doJSON(t, s, http.MethodGet, "/api/sessions/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body struct {
		Error      string `json:"error"`
		StatusCode int    `json:"statusCode"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body.Error != "not found" || body.StatusCode != http.StatusNotFound {
		t.Errorf("error body = %+v", body)
	}
}

func TestBearerAuthGate(t *testing.T) {
	s, _ := coordServer(t, Config{APIKey: "topsecret"})

	rec := doJSON(t, s, http.MethodGet, "/api/sessions", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", rec.Code)
	}

	// Health never needs a token.
	rec = doJSON(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rec.Code)
	}
}

func TestListSessionsEmpty(t *testing.T) {
	s, _ := coordServer(t, Config{DevMode: true})

	rec := doJSON(t, s, http.MethodGet, "/api/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("empty list = %q, want []", got)
	}
}

func TestCreateSessionNoRunner(t *testing.T) {
	s, _ := coordServer(t, Config{DevMode: true})

	rec := doJSON(t, s, http.MethodPost, "/api/sessions", `{"agent":"bot"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 with no runners", rec.Code)
	}
}

func TestPauseAndConfigUpdate(t *testing.T) {
	s, repo := coordServer(t, Config{DevMode: true})
	ctx := context.Background()

	sess := &types.Session{ID: "sess-1", AgentName: "bot", Status: types.SessionActive}
	if err := repo.InsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s, http.MethodPost, "/api/sessions/sess-1/pause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d: %s", rec.Code, rec.Body.String())
	}
	var paused types.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &paused); err != nil {
		t.Fatal(err)
	}
	if paused.Status != types.SessionPaused {
		t.Errorf("status after pause = %s", paused.Status)
	}

	rec = doJSON(t, s, http.MethodPatch, "/api/sessions/sess-1/config",
		`{"model":"claude-sonnet","systemPrompt":"be brief"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("config status = %d: %s", rec.Code, rec.Body.String())
	}
	var updated types.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Model != "claude-sonnet" {
		t.Errorf("model = %s", updated.Model)
	}
	if updated.Config == nil || updated.Config.SystemPrompt != "be brief" {
		t.Errorf("config = %+v", updated.Config)
	}
}

func TestConfigUpdateOnEndedSession(t *testing.T) {
	s, repo := coordServer(t, Config{DevMode: true})
	sess := &types.Session{ID: "sess-1", AgentName: "bot", Status: types.SessionEnded}
	if err := repo.InsertSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s, http.MethodPatch, "/api/sessions/sess-1/config", `{"model":"m"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for ended session", rec.Code)
	}
}

func TestForkCopiesHistory(t *testing.T) {
	s, repo := coordServer(t, Config{DevMode: true})
	ctx := context.Background()

	sess := &types.Session{ID: "sess-1", AgentName: "bot", Status: types.SessionActive, Model: "claude-sonnet"}
	if err := repo.InsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	for _, m := range []struct {
		role    types.MessageRole
		content string
	}{
		{types.RoleUser, "hello"},
		{types.RoleAssistant, "hi there"},
	} {
		if _, err := repo.InsertMessage(ctx, "", "sess-1", m.role, m.content); err != nil {
			t.Fatal(err)
		}
	}

	rec := doJSON(t, s, http.MethodPost, "/api/sessions/sess-1/fork", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("fork status = %d: %s", rec.Code, rec.Body.String())
	}
	var fork types.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &fork); err != nil {
		t.Fatal(err)
	}
	if fork.Status != types.SessionPaused {
		t.Errorf("fork status = %s, want paused", fork.Status)
	}
	if fork.ParentSessionID != "sess-1" {
		t.Errorf("fork parent = %s", fork.ParentSessionID)
	}
	if fork.Model != "claude-sonnet" {
		t.Errorf("fork model = %s", fork.Model)
	}

	msgs, err := repo.ListMessages(ctx, "", fork.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "hi there" {
		t.Errorf("forked messages = %+v", msgs)
	}
}

func TestResumeEndedSessionGone(t *testing.T) {
	s, repo := coordServer(t, Config{DevMode: true})
	sess := &types.Session{ID: "sess-1", AgentName: "bot", Status: types.SessionEnded}
	if err := repo.InsertSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s, http.MethodPost, "/api/sessions/sess-1/resume", "")
	if rec.Code != http.StatusGone {
		t.Errorf("status = %d, want 410", rec.Code)
	}
}

func TestSendMessageToEndedSession(t *testing.T) {
	s, repo := coordServer(t, Config{DevMode: true})
	sess := &types.Session{ID: "sess-1", AgentName: "bot", Status: types.SessionEnded}
	if err := repo.InsertSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s, http.MethodPost, "/api/sessions/sess-1/messages", `{"content":"hi"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestEndSessionWithoutRunnerEndsRecord(t *testing.T) {
	s, repo := coordServer(t, Config{DevMode: true})
	ctx := context.Background()
	sess := &types.Session{ID: "sess-1", AgentName: "bot", Status: types.SessionActive}
	if err := repo.InsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s, http.MethodDelete, "/api/sessions/sess-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	stored, err := repo.GetSession(ctx, "", "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != types.SessionEnded {
		t.Errorf("stored status = %s, want ended", stored.Status)
	}
}

func TestSendMessageProxiesToRunner(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-Secret") != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "event: message\ndata: {\"type\":\"text\"}\n\n")
		io.WriteString(w, "event: done\ndata: {\"sessionId\":\"sess-1\"}\n\n")
	}))
	defer upstream.Close()

	s, repo := coordServer(t, Config{DevMode: true})
	ctx := context.Background()

	u, _ := url.Parse(upstream.URL)
	port, _ := strconv.Atoi(u.Port())
	if err := repo.UpsertRunner(ctx, &types.Runner{ID: "r-1", Host: u.Hostname(), Port: port, MaxSandboxes: 4}); err != nil {
		t.Fatal(err)
	}
	sess := &types.Session{ID: "sess-1", AgentName: "bot", Status: types.SessionActive, RunnerID: "r-1"}
	if err := repo.InsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s, http.MethodPost, "/api/sessions/sess-1/messages", `{"content":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: message") || !strings.Contains(body, "event: done") {
		t.Errorf("proxied stream = %q", body)
	}
}

func TestCredentialsNeverEchoValue(t *testing.T) {
	s, _ := coordServer(t, Config{DevMode: true})

	rec := doJSON(t, s, http.MethodPost, "/api/credentials",
		`{"name":"OPENAI_API_KEY","value":"sk-plaintext","agentName":"bot"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-plaintext") {
		t.Error("create response leaked the plaintext value")
	}

	rec = doJSON(t, s, http.MethodGet, "/api/credentials", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "OPENAI_API_KEY") {
		t.Errorf("list missing credential name: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-plaintext") {
		t.Error("list response leaked the plaintext value")
	}

	rec = doJSON(t, s, http.MethodDelete, "/api/credentials/OPENAI_API_KEY", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	s, _ := coordServer(t, Config{DevMode: true})

	req := httptest.NewRequest(http.MethodPost, "/api/attachments", strings.NewReader("report body"))
	req.Header.Set("X-Filename", "report.txt")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	var att types.Attachment
	if err := json.Unmarshal(rec.Body.Bytes(), &att); err != nil {
		t.Fatal(err)
	}
	if att.Filename != "report.txt" || att.SizeBytes != int64(len("report body")) {
		t.Errorf("attachment = %+v", att)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/attachments/"+att.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if rec.Body.String() != "report body" {
		t.Errorf("downloaded body = %q", rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "report.txt") {
		t.Errorf("content disposition = %q", cd)
	}

	rec = doJSON(t, s, http.MethodDelete, "/api/attachments/"+att.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	rec = doJSON(t, s, http.MethodGet, "/api/attachments/"+att.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted attachment status = %d, want 404", rec.Code)
	}
}

func TestAttachmentRequiresFilename(t *testing.T) {
	s, _ := coordServer(t, Config{DevMode: true})

	req := httptest.NewRequest(http.MethodPost, "/api/attachments", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTerminalThroughCoordinator(t *testing.T) {
	s, repo := coordServer(t, Config{DevMode: true})
	sess := &types.Session{ID: "sess-1", AgentName: "bot", Status: types.SessionActive}
	if err := repo.InsertSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s, http.MethodGet, "/api/sessions/sess-1/terminal", "")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestRunnerRegistrationEndpoints(t *testing.T) {
	s, repo := coordServer(t, Config{DevMode: true})

	// No secret: rejected.
	rec := doJSON(t, s, http.MethodPost, "/api/internal/runners/register",
		`{"runnerId":"r-1","host":"10.0.0.1","port":8081,"maxSandboxes":4}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated register status = %d, want 401", rec.Code)
	}

	post := func(target, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Internal-Secret", "hunter2")
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)
		return rec
	}

	rec = post("/api/internal/runners/register", `{"runnerId":"r-1","host":"10.0.0.1","port":8081,"maxSandboxes":4}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = post("/api/internal/runners/r-1/heartbeat", `{"activeCount":2,"warmingCount":1}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("heartbeat status = %d: %s", rec.Code, rec.Body.String())
	}
	r, err := repo.GetRunner(context.Background(), "r-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.ActiveCount != 2 || r.WarmingCount != 1 {
		t.Errorf("runner load = %d/%d, want 2/1", r.ActiveCount, r.WarmingCount)
	}

	rec = post("/api/internal/runners/r-1/deregister", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deregister status = %d, want 204", rec.Code)
	}
	if _, err := repo.GetRunner(context.Background(), "r-1"); err == nil {
		t.Error("runner survived deregistration")
	}
}

func TestValidateOutputFormat(t *testing.T) {
	if err := validateOutputFormat(nil); err != nil {
		t.Errorf("empty format: %v", err)
	}
	valid := json.RawMessage(`{"type":"object","properties":{"answer":{"type":"string"}}}`)
	if err := validateOutputFormat(valid); err != nil {
		t.Errorf("valid schema rejected: %v", err)
	}
	for _, raw := range []string{`{`, `{"type":12}`} {
		if err := validateOutputFormat(json.RawMessage(raw)); err == nil {
			t.Errorf("bad schema %q accepted", raw)
		}
	}
}

func TestStatusForSentinels(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{db.ErrNotFound, http.StatusNotFound},
		{session.ErrSessionEnded, http.StatusBadRequest},
		{session.ErrTurnInFlight, http.StatusConflict},
		{bridge.ErrQueryInFlight, http.StatusConflict},
		{pool.ErrCapacity, http.StatusServiceUnavailable},
		{coordinator.ErrNoRunner, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		if code, _ := statusFor(tc.err); code != tc.code {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, code, tc.code)
		}
	}
}
