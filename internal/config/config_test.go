package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ASH_MODE", "")
	t.Setenv("ASH_PORT", "")
	t.Setenv("ASH_MAX_SANDBOXES", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Mode != ModeSolo {
		t.Errorf("expected mode solo, got %s", cfg.Mode)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.MaxSandboxes != 10 {
		t.Errorf("expected 10 max sandboxes, got %d", cfg.MaxSandboxes)
	}
	if cfg.SandboxBackend != BackendAuto {
		t.Errorf("expected backend auto, got %s", cfg.SandboxBackend)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("expected 5m idle timeout, got %s", cfg.IdleTimeout)
	}
	if cfg.ColdTTL != 24*time.Hour {
		t.Errorf("expected 24h cold TTL, got %s", cfg.ColdTTL)
	}
	if cfg.EngineCmd != "claude" {
		t.Errorf("expected engine cmd claude, got %s", cfg.EngineCmd)
	}
	if !strings.HasSuffix(cfg.DataDir, ".ash") {
		t.Errorf("expected data dir under ~/.ash, got %s", cfg.DataDir)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ASH_MODE", "coordinator")
	t.Setenv("ASH_PORT", "9999")
	t.Setenv("ASH_API_KEY", "test-key")
	t.Setenv("ASH_INTERNAL_SECRET", "hunter2")
	t.Setenv("ASH_MAX_SANDBOXES", "3")
	t.Setenv("ASH_IDLE_TIMEOUT_MS", "1500")
	t.Setenv("ASH_RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Mode != ModeCoordinator {
		t.Errorf("expected mode coordinator, got %s", cfg.Mode)
	}
	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.APIKey != "test-key" {
		t.Errorf("expected API key test-key, got %s", cfg.APIKey)
	}
	if cfg.MaxSandboxes != 3 {
		t.Errorf("expected 3 max sandboxes, got %d", cfg.MaxSandboxes)
	}
	if cfg.IdleTimeout != 1500*time.Millisecond {
		t.Errorf("expected 1.5s idle timeout, got %s", cfg.IdleTimeout)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Errorf("expected 2.5 rps, got %g", cfg.RateLimitRPS)
	}
}

func TestLoadInvalidMode(t *testing.T) {
	t.Setenv("ASH_MODE", "combined")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid mode, got nil")
	}
}

func TestLoadInvalidBackend(t *testing.T) {
	t.Setenv("ASH_SANDBOX_BACKEND", "chroot")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid backend, got nil")
	}
}

func TestRunnerModeRequiresCoordinator(t *testing.T) {
	t.Setenv("ASH_MODE", "runner")
	t.Setenv("ASH_COORDINATOR_URL", "")
	t.Setenv("ASH_INTERNAL_SECRET", "hunter2")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for runner without coordinator URL, got nil")
	}

	t.Setenv("ASH_COORDINATOR_URL", "http://coord:8080")
	t.Setenv("ASH_INTERNAL_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for runner without internal secret, got nil")
	}
}

func TestCoordinatorModeRequiresSecret(t *testing.T) {
	t.Setenv("ASH_MODE", "coordinator")
	t.Setenv("ASH_INTERNAL_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for coordinator without internal secret, got nil")
	}
}

func TestMalformedNumbersFallBack(t *testing.T) {
	t.Setenv("ASH_PORT", "not-a-number")
	t.Setenv("ASH_IDLE_TIMEOUT_MS", "-5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected fallback port 8080, got %d", cfg.Port)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("expected fallback idle timeout 5m, got %s", cfg.IdleTimeout)
	}
}

func TestDerivedPaths(t *testing.T) {
	t.Setenv("ASH_DATA_DIR", "/var/lib/ash")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if got := cfg.AgentsDir(); got != filepath.Join("/var/lib/ash", "agents") {
		t.Errorf("unexpected agents dir %s", got)
	}
	if got := cfg.SandboxesDir(); got != filepath.Join("/var/lib/ash", "sandboxes") {
		t.Errorf("unexpected sandboxes dir %s", got)
	}
	if got := cfg.EmbeddedDBPath(); got != filepath.Join("/var/lib/ash", "ash.db") {
		t.Errorf("unexpected embedded db path %s", got)
	}
}

func TestEnsureLayout(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ASH_DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if err := cfg.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout() returned error: %v", err)
	}
	for _, p := range []string{cfg.AgentsDir(), cfg.SandboxesDir(), cfg.SnapshotsDir(), cfg.FilesDir()} {
		if !dirExists(t, p) {
			t.Errorf("expected directory %s to exist", p)
		}
	}
}

func dirExists(t *testing.T, path string) bool {
	t.Helper()
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
