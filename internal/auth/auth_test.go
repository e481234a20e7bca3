package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

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

func bearerServer(t *testing.T, repo db.Repository, staticKey string) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.Use(BearerMiddleware(repo, staticKey, false))
	e.GET("/api/agents", func(c echo.Context) error {
		return c.String(http.StatusOK, Tenant(c))
	})
	e.GET("/health", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	return e
}

func TestBearerStaticKey(t *testing.T) {
	e := bearerServer(t, newTestRepo(t), "topsecret")

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("good token: status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != types.DefaultTenant {
		t.Errorf("tenant = %q, want default", rec.Body.String())
	}
}

func TestBearerStoredKey(t *testing.T) {
	repo := newTestRepo(t)
	plaintext := "ash_deadbeef"
	err := repo.InsertAPIKey(context.Background(), &types.APIKey{
		ID:       "key-1",
		TenantID: "acme",
		Name:     "ci",
		KeyHash:  db.HashAPIKey(plaintext),
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}
	e := bearerServer(t, repo, "")

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "acme" {
		t.Errorf("tenant = %q, want acme", rec.Body.String())
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	e := bearerServer(t, newTestRepo(t), "topsecret")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health without token: status = %d, want 200", rec.Code)
	}
}

func TestInternalSecretMiddleware(t *testing.T) {
	e := echo.New()
	e.Use(InternalSecretMiddleware("hunter2"))
	e.POST("/api/sessions", func(c echo.Context) error {
		return c.String(http.StatusOK, Tenant(c))
	})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing secret: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set("X-Internal-Secret", "hunter2")
	req.Header.Set(TenantHeader, "acme")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("good secret: status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "acme" {
		t.Errorf("tenant = %q, want acme from header", rec.Body.String())
	}
}

func TestInternalSecretUnconfigured(t *testing.T) {
	e := echo.New()
	e.Use(InternalSecretMiddleware(""))
	e.POST("/api/sessions", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set("X-Internal-Secret", "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unconfigured secret: status = %d, want 401", rec.Code)
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1) // burst 2

	if !rl.Allow("k") || !rl.Allow("k") {
		t.Fatal("burst requests should be allowed")
	}
	if rl.Allow("k") {
		t.Error("third immediate request should be rejected")
	}
	if !rl.Allow("other") {
		t.Error("separate key has its own bucket")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	e := echo.New()
	e.Use(NewRateLimiter(1).Middleware())
	e.GET("/api/agents", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		last = httptest.NewRecorder()
		e.ServeHTTP(last, req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", last.Header().Get("Retry-After"))
	}
}

func TestEnsureAPIKey(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	keyPath := filepath.Join(t.TempDir(), "initial-api-key")

	devMode, err := EnsureAPIKey(ctx, repo, "", keyPath)
	if err != nil {
		t.Fatalf("EnsureAPIKey: %v", err)
	}
	if devMode {
		t.Error("devMode = true after generating a key")
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	plaintext := strings.TrimSpace(string(data))
	if !strings.HasPrefix(plaintext, "ash_") {
		t.Errorf("generated key = %q, want ash_ prefix", plaintext)
	}
	if _, err := repo.GetAPIKeyByHash(ctx, db.HashAPIKey(plaintext)); err != nil {
		t.Errorf("stored hash does not match file contents: %v", err)
	}

	// Second start must not mint another key.
	if _, err := EnsureAPIKey(ctx, repo, "", keyPath); err != nil {
		t.Fatalf("second EnsureAPIKey: %v", err)
	}
	keys, err := repo.ListAPIKeys(ctx, types.DefaultTenant)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("key count = %d, want 1", len(keys))
	}
}
