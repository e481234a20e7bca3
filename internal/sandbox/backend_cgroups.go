//go:build linux

package sandbox

import (
	"context"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// cgroupsBackend applies resource limits without filesystem isolation. The
// trust boundary moves to whatever contains the ash process (typically the
// outer container); ash still enforces memory, CPU, and pid budgets.
type cgroupsBackend struct{}

func newCgroupsBackend() (*cgroupsBackend, error) {
	if err := cgroupAvailable(); err != nil {
		return nil, err
	}
	return &cgroupsBackend{}, nil
}

func (c *cgroupsBackend) Name() string { return backendCgroupsOnly }

func (c *cgroupsBackend) command(ctx context.Context, sb *Sandbox, argv, env []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sb.WorkspaceDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}
	return cmd
}

func (c *cgroupsBackend) ChildCommand(ctx context.Context, sb *Sandbox, argv, env []string) (*exec.Cmd, error) {
	if _, err := createCgroup(sb.ID, sb.Limits); err != nil {
		return nil, err
	}
	return c.command(ctx, sb, argv, env), nil
}

func (c *cgroupsBackend) ExecCommand(ctx context.Context, sb *Sandbox, argv, env []string) (*exec.Cmd, error) {
	return c.command(ctx, sb, argv, env), nil
}

func (c *cgroupsBackend) PostStart(sb *Sandbox, pid int) error {
	return attachPid(sandboxCgroupPath(sb.ID), pid)
}

func (c *cgroupsBackend) Cleanup(sb *Sandbox) error {
	return removeCgroup(sandboxCgroupPath(sb.ID))
}
