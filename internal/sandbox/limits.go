package sandbox

// ResourceLimits bounds one sandbox. Zero values fall back to the manager's
// defaults; an explicit -1 disables a limit.
type ResourceLimits struct {
	MemoryMB int     // RAM ceiling, swap pinned to zero
	CPU      float64 // cores worth of CPU quota
	Pids     int     // process count, fork-bomb defense
	DiskMB   int     // workspace size, polled by the disk monitor
}

// withDefaults fills unset fields from defaults.
func (l ResourceLimits) withDefaults(defaults ResourceLimits) ResourceLimits {
	if l.MemoryMB == 0 {
		l.MemoryMB = defaults.MemoryMB
	}
	if l.CPU == 0 {
		l.CPU = defaults.CPU
	}
	if l.Pids == 0 {
		l.Pids = defaults.Pids
	}
	if l.DiskMB == 0 {
		l.DiskMB = defaults.DiskMB
	}
	return l
}

// memoryEnabled reports whether a memory ceiling applies.
func (l ResourceLimits) memoryEnabled() bool { return l.MemoryMB > 0 }

// diskEnabled reports whether the disk monitor should run.
func (l ResourceLimits) diskEnabled() bool { return l.DiskMB > 0 }
