//go:build linux

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// gvisorBackend runs the child inside gVisor's user-space kernel. The
// manager emits an OCI bundle per sandbox and drives runsc; cgroups are
// applied externally to the runsc process so accounting matches the other
// backends.
type gvisorBackend struct {
	runscPath string
	dataDir   string
	rootless  bool
}

func newGvisorBackend(dataDir string) (*gvisorBackend, error) {
	path, err := exec.LookPath("runsc")
	if err != nil {
		return nil, fmt.Errorf("runsc not found in PATH: %w", err)
	}
	return &gvisorBackend{
		runscPath: path,
		dataDir:   dataDir,
		rootless:  os.Geteuid() != 0,
	}, nil
}

func (g *gvisorBackend) Name() string { return backendGvisor }

func (g *gvisorBackend) bundleDir(sb *Sandbox) string {
	return filepath.Join(sb.Dir, "bundle")
}

// writeBundle emits the per-sandbox OCI config: host root read-only, the
// data directory shadowed, only this sandbox's directory writable, private
// /tmp, process dropped to the sandbox user.
func (g *gvisorBackend) writeBundle(sb *Sandbox, argv, env []string) error {
	spec := specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			User: specs.User{UID: 1000, GID: 1000},
			Args: argv,
			Env:  env,
			Cwd:  sb.WorkspaceDir,
		},
		Root: &specs.Root{
			Path:     "/",
			Readonly: true,
		},
		Hostname: "ash-" + sb.ID,
		Mounts: []specs.Mount{
			{Destination: "/proc", Type: "proc", Source: "proc"},
			{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev"}},
			{Destination: g.dataDir, Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev"}},
			{Destination: sb.Dir, Type: "bind", Source: sb.Dir, Options: []string{"rbind", "rw"}},
		},
	}

	dir := g.bundleDir(sb)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}
	data, err := json.MarshalIndent(&spec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal OCI spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644); err != nil {
		return fmt.Errorf("write OCI config: %w", err)
	}
	return nil
}

func (g *gvisorBackend) baseFlags() []string {
	flags := []string{"--network=host", "--ignore-cgroups"}
	if g.rootless {
		flags = append(flags, "--rootless")
	}
	return flags
}

func (g *gvisorBackend) ChildCommand(ctx context.Context, sb *Sandbox, argv, env []string) (*exec.Cmd, error) {
	if _, err := createCgroup(sb.ID, sb.Limits); err != nil {
		return nil, err
	}
	if err := g.writeBundle(sb, argv, env); err != nil {
		return nil, err
	}
	args := append(g.baseFlags(), "run", "--bundle", g.bundleDir(sb), sb.ID)
	return exec.CommandContext(ctx, g.runscPath, args...), nil
}

func (g *gvisorBackend) ExecCommand(ctx context.Context, sb *Sandbox, argv, env []string) (*exec.Cmd, error) {
	args := append(g.baseFlags(), "exec", "--cwd", sb.WorkspaceDir)
	for _, kv := range env {
		args = append(args, "--env", kv)
	}
	args = append(args, sb.ID)
	args = append(args, argv...)
	return exec.CommandContext(ctx, g.runscPath, args...), nil
}

func (g *gvisorBackend) PostStart(sb *Sandbox, pid int) error {
	return attachPid(sandboxCgroupPath(sb.ID), pid)
}

func (g *gvisorBackend) Cleanup(sb *Sandbox) error {
	del := exec.Command(g.runscPath, "delete", "--force", sb.ID)
	_ = del.Run()
	return removeCgroup(sandboxCgroupPath(sb.ID))
}
