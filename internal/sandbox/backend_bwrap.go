//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// bwrapBackend isolates sandboxes with bubblewrap: the host root mounted
// read-only, the whole data directory shadowed by an empty tmpfs, only this
// sandbox's directory bound read-write, a private /tmp, its own PID
// namespace, and die-with-parent. Network stays shared so the engine can
// reach its API. Resource limits ride on an external cgroup.
type bwrapBackend struct {
	bwrapPath  string
	dataDir    string
	sandboxUID int
	sandboxGID int
}

func newBwrapBackend(dataDir string) (*bwrapBackend, error) {
	path, err := exec.LookPath("bwrap")
	if err != nil {
		return nil, fmt.Errorf("bwrap not found in PATH: %w", err)
	}
	return &bwrapBackend{
		bwrapPath:  path,
		dataDir:    dataDir,
		sandboxUID: 1000,
		sandboxGID: 1000,
	}, nil
}

func (b *bwrapBackend) Name() string { return backendBwrap }

func (b *bwrapBackend) args(sb *Sandbox) []string {
	args := []string{
		"--ro-bind", "/", "/",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--tmpfs", b.dataDir,
		"--bind", sb.Dir, sb.Dir,
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--die-with-parent",
		"--chdir", sb.WorkspaceDir,
	}
	// Root drops to the sandbox user; unprivileged hosts keep their own uid.
	if os.Geteuid() == 0 {
		args = append(args,
			"--unshare-user",
			"--uid", strconv.Itoa(b.sandboxUID),
			"--gid", strconv.Itoa(b.sandboxGID),
		)
	}
	return args
}

func (b *bwrapBackend) command(ctx context.Context, sb *Sandbox, argv, env []string) *exec.Cmd {
	full := append(b.args(sb), "--")
	full = append(full, argv...)
	cmd := exec.CommandContext(ctx, b.bwrapPath, full...)
	cmd.Env = env
	return cmd
}

func (b *bwrapBackend) ChildCommand(ctx context.Context, sb *Sandbox, argv, env []string) (*exec.Cmd, error) {
	if _, err := createCgroup(sb.ID, sb.Limits); err != nil {
		return nil, err
	}
	return b.command(ctx, sb, argv, env), nil
}

func (b *bwrapBackend) ExecCommand(ctx context.Context, sb *Sandbox, argv, env []string) (*exec.Cmd, error) {
	// One-off commands get the same filesystem view in a fresh pid
	// namespace and share the sandbox's cgroup budget via PostStart on the
	// child only; short execs are not separately attached.
	return b.command(ctx, sb, argv, env), nil
}

func (b *bwrapBackend) PostStart(sb *Sandbox, pid int) error {
	return attachPid(sandboxCgroupPath(sb.ID), pid)
}

func (b *bwrapBackend) Cleanup(sb *Sandbox) error {
	return removeCgroup(sandboxCgroupPath(sb.ID))
}
