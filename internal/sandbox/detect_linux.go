//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"strings"

	"github.com/ashrun/ash/internal/logging"
)

// DetectBackend selects the isolation backend for this host, strongest
// available first. Linux always requires cgroups v2; anything less would be
// a silent isolation downgrade.
func DetectBackend(selector, dataDir string) (Backend, error) {
	log := logging.WithComponent("sandbox")

	if err := cgroupAvailable(); err != nil {
		return nil, fmt.Errorf("sandbox isolation unavailable: %w", err)
	}

	switch selector {
	case backendGvisor:
		return newGvisorBackend(dataDir)
	case backendBwrap:
		if !hasUserNamespaces() {
			log.Warn().Msg("user namespaces unavailable; bwrap runs without uid remap")
		}
		return newBwrapBackend(dataDir)
	}

	// auto: gvisor, then bwrap, then cgroups-only.
	if b, err := newGvisorBackend(dataDir); err == nil {
		log.Info().Msg("using gvisor isolation")
		return b, nil
	}
	if b, err := newBwrapBackend(dataDir); err == nil {
		log.Info().Msg("using bwrap isolation")
		return b, nil
	}

	log.Warn().Msg("no filesystem isolation available; falling back to cgroups-only (trust boundary is the outer container)")
	return newCgroupsBackend()
}

// hasUserNamespaces probes whether unprivileged user namespaces work here.
// Root always can; otherwise the Debian-style sysctl is the deciding signal
// when present.
func hasUserNamespaces() bool {
	if os.Geteuid() == 0 {
		return true
	}
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err != nil {
		// Most kernels omit the knob and allow user namespaces.
		return true
	}
	return strings.TrimSpace(string(data)) != "0"
}
