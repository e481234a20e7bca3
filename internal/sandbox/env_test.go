package sandbox

import (
	"strings"
	"testing"
)

func envValue(env []string, key string) (string, bool) {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestBuildEnvAllowlist(t *testing.T) {
	t.Setenv("PATH", "/usr/bin:/bin")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "leaky")

	env := buildEnv(map[string]string{"HOME": "/ws"}, nil)

	if v, ok := envValue(env, "PATH"); !ok || v != "/usr/bin:/bin" {
		t.Fatalf("PATH = %q ok=%v, want inherited", v, ok)
	}
	if _, ok := envValue(env, "AWS_SECRET_ACCESS_KEY"); ok {
		t.Fatal("non-allowlisted host var leaked into sandbox env")
	}
	if v, _ := envValue(env, "HOME"); v != "/ws" {
		t.Fatalf("HOME = %q, want /ws", v)
	}
}

func TestBuildEnvExtraWins(t *testing.T) {
	env := buildEnv(map[string]string{"ASH_ENGINE_CMD": "claude"}, []string{
		"ASH_ENGINE_CMD=mock-engine",
		"API_TOKEN=secret",
		"MALFORMED",
		"=novalue",
	})

	if v, _ := envValue(env, "ASH_ENGINE_CMD"); v != "mock-engine" {
		t.Fatalf("extra did not override core: ASH_ENGINE_CMD = %q", v)
	}
	if v, _ := envValue(env, "API_TOKEN"); v != "secret" {
		t.Fatalf("API_TOKEN = %q, want secret", v)
	}
	for _, kv := range env {
		if kv == "MALFORMED" || strings.HasPrefix(kv, "=") {
			t.Fatalf("malformed entry kept: %q", kv)
		}
	}
}
