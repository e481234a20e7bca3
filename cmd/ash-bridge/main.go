// ash-bridge runs inside a sandbox. It listens on the bridge socket,
// translates framed queries into engine invocations, and streams the
// engine's output back as framed events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashrun/ash/internal/bridge"
	"github.com/ashrun/ash/internal/engine"
	"github.com/ashrun/ash/internal/logging"
)

func main() {
	logging.Init(os.Getenv("ASH_LOG_LEVEL"), true)

	socketPath := os.Getenv("ASH_BRIDGE_SOCKET")
	if socketPath == "" {
		fmt.Fprintln(os.Stderr, "ash-bridge: ASH_BRIDGE_SOCKET is required")
		os.Exit(1)
	}
	workspace := os.Getenv("ASH_WORKSPACE")
	if workspace == "" {
		workspace, _ = os.Getwd()
	}

	eng := engine.NewCLIEngine(os.Getenv("ASH_ENGINE_CMD"), workspace, os.Environ())
	host := bridge.NewHost(socketPath, eng)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := host.Serve(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "ash-bridge:", err)
		os.Exit(1)
	}
}
