package sandbox

import (
	"context"
	"os/exec"
)

// Backend launches sandbox processes under one isolation policy. Commands
// come back unstarted so the manager can wire pipes before Start; controls
// that need a pid (cgroup placement) run in PostStart.
type Backend interface {
	Name() string

	// ChildCommand builds the sandbox's long-lived child process command.
	ChildCommand(ctx context.Context, sb *Sandbox, argv, env []string) (*exec.Cmd, error)

	// ExecCommand builds a one-off command sharing the sandbox's isolation
	// view, used for install scripts, the exec endpoint, and terminals.
	ExecCommand(ctx context.Context, sb *Sandbox, argv, env []string) (*exec.Cmd, error)

	// PostStart applies controls that need the started child's pid.
	PostStart(sb *Sandbox, pid int) error

	// Cleanup releases backend residue after the child is gone.
	Cleanup(sb *Sandbox) error
}

// Backend names, strongest first.
const (
	backendGvisor      = "gvisor"
	backendBwrap       = "bwrap"
	backendCgroupsOnly = "cgroups"
	backendRlimit      = "rlimit"
)
