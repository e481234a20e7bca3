package sandbox

import (
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// setDiskQuota enforces the workspace disk limit with an XFS project quota
// when the data directory supports it (mounted -o prjquota, xfs_quota in
// PATH). Failures are logged and ignored; the disk monitor's polling is the
// fallback enforcement either way.
func (m *Manager) setDiskQuota(sb *Sandbox) {
	if !sb.Limits.diskEnabled() {
		return
	}
	if _, err := exec.LookPath("xfs_quota"); err != nil {
		return
	}

	projectID := sandboxProjectID(sb.ID)
	if err := registerXFSProject(projectID, sb.Dir, sb.ID); err != nil {
		m.log.Debug().Str("sandbox_id", sb.ID).Err(err).Msg("xfs quota registration failed")
		return
	}

	initCmd := exec.Command("xfs_quota", "-x", "-c",
		fmt.Sprintf("project -s %d", projectID),
		m.cfg.SandboxesDir)
	if out, err := initCmd.CombinedOutput(); err != nil {
		m.log.Debug().Str("sandbox_id", sb.ID).Err(err).
			Str("output", strings.TrimSpace(string(out))).
			Msg("xfs quota project init failed")
		return
	}

	limitCmd := exec.Command("xfs_quota", "-x", "-c",
		fmt.Sprintf("limit -p bhard=%dm %d", sb.Limits.DiskMB, projectID),
		m.cfg.SandboxesDir)
	if out, err := limitCmd.CombinedOutput(); err != nil {
		m.log.Debug().Str("sandbox_id", sb.ID).Err(err).
			Str("output", strings.TrimSpace(string(out))).
			Msg("xfs quota limit failed")
		return
	}

	m.log.Info().Str("sandbox_id", sb.ID).Int("disk_mb", sb.Limits.DiskMB).Msg("xfs disk quota set")
}

// removeDiskQuota clears the XFS project quota entries for a sandbox.
func (m *Manager) removeDiskQuota(sb *Sandbox) {
	if !sb.Limits.diskEnabled() {
		return
	}
	if _, err := exec.LookPath("xfs_quota"); err != nil {
		return
	}

	projectID := sandboxProjectID(sb.ID)
	limitCmd := exec.Command("xfs_quota", "-x", "-c",
		fmt.Sprintf("limit -p bhard=0 %d", projectID),
		m.cfg.SandboxesDir)
	_ = limitCmd.Run()

	removeXFSProject(projectID)
}

// sandboxProjectID derives a stable XFS project id from a sandbox id.
// Project ids are uint32 and 0 is reserved.
func sandboxProjectID(sandboxID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(sandboxID))
	id := h.Sum32()
	if id == 0 {
		id = 1
	}
	return id
}

// registerXFSProject adds entries to /etc/projects and /etc/projid if not
// already present.
func registerXFSProject(projectID uint32, dir, sandboxID string) error {
	idStr := strconv.FormatUint(uint64(projectID), 10)
	projectLine := idStr + ":" + filepath.Clean(dir)
	projidLine := idStr + ":sandbox-" + sandboxID

	if err := appendLineIfMissing("/etc/projects", projectLine); err != nil {
		return fmt.Errorf("update /etc/projects: %w", err)
	}
	if err := appendLineIfMissing("/etc/projid", projidLine); err != nil {
		return fmt.Errorf("update /etc/projid: %w", err)
	}
	return nil
}

func removeXFSProject(projectID uint32) {
	idStr := strconv.FormatUint(uint64(projectID), 10)
	removeLineByPrefix("/etc/projects", idStr+":")
	removeLineByPrefix("/etc/projid", idStr+":")
}

func appendLineIfMissing(filePath, line string) error {
	data, err := os.ReadFile(filePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if strings.Contains(string(data), line) {
		return nil
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(line + "\n")
	return err
}

func removeLineByPrefix(filePath, prefix string) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}

	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, prefix) {
			kept = append(kept, line)
		}
	}
	_ = os.WriteFile(filePath, []byte(strings.Join(kept, "\n")), 0o644)
}
