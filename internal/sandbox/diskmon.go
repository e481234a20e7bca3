package sandbox

import "time"

const diskPollInterval = 15 * time.Second

// monitorDisk polls the workspace size and destroys the sandbox when it
// breaches the disk limit. XFS project quotas would enforce this at write
// time; polling keeps the limit working on any filesystem.
func (m *Manager) monitorDisk(sb *Sandbox) {
	limit := int64(sb.Limits.DiskMB) * 1024 * 1024
	ticker := time.NewTicker(diskPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.exited:
			return
		case <-ticker.C:
		}

		size, err := dirSize(sb.WorkspaceDir)
		if err != nil {
			continue
		}
		if size > limit {
			m.log.Warn().
				Str("sandbox_id", sb.ID).
				Int64("size_bytes", size).
				Int64("limit_bytes", limit).
				Msg("disk limit exceeded, destroying sandbox")
			sb.Logs.Append(StreamSystem, "disk limit exceeded, sandbox destroyed")
			// Destroy flips the destroying flag, so treat this as a
			// self-initiated death and notify the exit callback directly.
			_ = m.Destroy(sb.ID)
			if m.onExit != nil {
				m.onExit(sb.ID, false)
			}
			return
		}
	}
}
