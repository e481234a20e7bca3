//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	cgroupRoot   = "/sys/fs/cgroup"
	cgroupParent = "ash"
	cpuPeriodUs  = 100000
)

// cgroupAvailable verifies writable cgroups v2 with the controllers the
// limits need. Refusing to run without this is deliberate: silently
// dropping to weaker isolation on Linux would be a security bug.
func cgroupAvailable() error {
	data, err := os.ReadFile(filepath.Join(cgroupRoot, "cgroup.controllers"))
	if err != nil {
		return fmt.Errorf("cgroups v2 not mounted at %s: %w", cgroupRoot, err)
	}
	controllers := string(data)
	for _, want := range []string{"memory", "pids"} {
		if !strings.Contains(controllers, want) {
			return fmt.Errorf("cgroups v2 missing %s controller (have: %s)", want, strings.TrimSpace(controllers))
		}
	}

	parent := filepath.Join(cgroupRoot, cgroupParent)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create cgroup parent %s: %w", parent, err)
	}
	// Delegate controllers to children; best effort on systems where the
	// parent already did.
	subtree := filepath.Join(parent, "cgroup.subtree_control")
	_ = os.WriteFile(subtree, []byte("+memory +pids +cpu"), 0o644)
	return nil
}

// createCgroup makes the per-sandbox group and writes its limits. Swap is
// pinned to zero so the memory ceiling is real.
func createCgroup(id string, limits ResourceLimits) (string, error) {
	path := filepath.Join(cgroupRoot, cgroupParent, id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create cgroup %s: %w", path, err)
	}

	write := func(file, value string) error {
		if err := os.WriteFile(filepath.Join(path, file), []byte(value), 0o644); err != nil {
			return fmt.Errorf("cgroup %s: write %s=%s: %w", id, file, value, err)
		}
		return nil
	}

	if limits.memoryEnabled() {
		if err := write("memory.max", strconv.Itoa(limits.MemoryMB*1024*1024)); err != nil {
			return path, err
		}
		// Swap controller may be absent; the memory.max cap still holds.
		_ = os.WriteFile(filepath.Join(path, "memory.swap.max"), []byte("0"), 0o644)
	}
	if limits.CPU > 0 {
		quota := int(limits.CPU * cpuPeriodUs)
		if err := write("cpu.max", fmt.Sprintf("%d %d", quota, cpuPeriodUs)); err != nil {
			return path, err
		}
	}
	if limits.Pids > 0 {
		if err := write("pids.max", strconv.Itoa(limits.Pids)); err != nil {
			return path, err
		}
	}
	return path, nil
}

// attachPid moves a process into the group.
func attachPid(cgroupPath string, pid int) error {
	procs := filepath.Join(cgroupPath, "cgroup.procs")
	if err := os.WriteFile(procs, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("attach pid %d to %s: %w", pid, cgroupPath, err)
	}
	return nil
}

// removeCgroup kills any stragglers and removes the group directory.
// rmdir on a cgroup races with process teardown, so it retries briefly.
func removeCgroup(cgroupPath string) error {
	if cgroupPath == "" {
		return nil
	}
	// cgroup.kill reaps the whole subtree on v2.
	_ = os.WriteFile(filepath.Join(cgroupPath, "cgroup.kill"), []byte("1"), 0o644)

	var err error
	for i := 0; i < 10; i++ {
		err = os.Remove(cgroupPath)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("remove cgroup %s: %w", cgroupPath, err)
}

// sandboxCgroupPath is the group a sandbox id maps to.
func sandboxCgroupPath(id string) string {
	return filepath.Join(cgroupRoot, cgroupParent, id)
}
