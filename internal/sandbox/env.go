package sandbox

import (
	"os"
	"strings"
)

// hostEnvAllowlist names the host variables a sandbox child inherits.
// Everything else on the host environment is withheld; agent credentials
// arrive explicitly through extraEnv.
var hostEnvAllowlist = []string{
	"PATH",
	"LANG",
	"LC_ALL",
	"TERM",
	"TZ",
}

// buildEnv assembles a child environment: allowlisted host vars, then the
// core wiring, then caller extras. Later entries win on duplicate keys.
func buildEnv(core map[string]string, extra []string) []string {
	merged := make(map[string]string, len(hostEnvAllowlist)+len(core)+len(extra))

	for _, key := range hostEnvAllowlist {
		if v, ok := os.LookupEnv(key); ok {
			merged[key] = v
		}
	}
	for k, v := range core {
		merged[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			merged[k] = v
		}
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}
