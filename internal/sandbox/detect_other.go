//go:build !linux

package sandbox

import (
	"github.com/ashrun/ash/internal/logging"
)

// DetectBackend on non-Linux hosts always yields the resource-limit-only
// development backend; the stronger backends need Linux kernels.
func DetectBackend(selector, dataDir string) (Backend, error) {
	log := logging.WithComponent("sandbox")
	log.Warn().
		Str("requested", selector).
		Msg("filesystem isolation is Linux-only; using resource-limit fallback (development mode)")
	return newRlimitBackend(), nil
}
