package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// rlimitBackend is the development fallback (macOS): per-process limits on
// memory, process count, and file size via the shell's ulimit, no
// filesystem isolation.
type rlimitBackend struct{}

func newRlimitBackend() *rlimitBackend { return &rlimitBackend{} }

func (r *rlimitBackend) Name() string { return backendRlimit }

func (r *rlimitBackend) command(ctx context.Context, sb *Sandbox, argv, env []string) *exec.Cmd {
	var ulimits []string
	if sb.Limits.memoryEnabled() {
		ulimits = append(ulimits, fmt.Sprintf("ulimit -v %d 2>/dev/null", sb.Limits.MemoryMB*1024))
	}
	if sb.Limits.Pids > 0 {
		ulimits = append(ulimits, fmt.Sprintf("ulimit -u %d 2>/dev/null", sb.Limits.Pids))
	}
	if sb.Limits.DiskMB > 0 {
		// 512-byte blocks.
		ulimits = append(ulimits, fmt.Sprintf("ulimit -f %d 2>/dev/null", sb.Limits.DiskMB*2048))
	}

	script := `exec "$0" "$@"`
	if len(ulimits) > 0 {
		script = strings.Join(ulimits, "; ") + "; " + script
	}

	args := append([]string{"-c", script}, argv...)
	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = sb.WorkspaceDir
	cmd.Env = env
	return cmd
}

func (r *rlimitBackend) ChildCommand(ctx context.Context, sb *Sandbox, argv, env []string) (*exec.Cmd, error) {
	return r.command(ctx, sb, argv, env), nil
}

func (r *rlimitBackend) ExecCommand(ctx context.Context, sb *Sandbox, argv, env []string) (*exec.Cmd, error) {
	return r.command(ctx, sb, argv, env), nil
}

func (r *rlimitBackend) PostStart(sb *Sandbox, pid int) error { return nil }

func (r *rlimitBackend) Cleanup(sb *Sandbox) error { return nil }
