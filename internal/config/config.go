package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/ashrun/ash/internal/logging"
)

// Modes a node can start in.
const (
	ModeSolo        = "solo"
	ModeCoordinator = "coordinator"
	ModeRunner      = "runner"
)

// Sandbox backend selectors.
const (
	BackendAuto   = "auto"
	BackendGvisor = "gvisor"
	BackendBwrap  = "bwrap"
)

// Config holds all configuration for an ash node.
type Config struct {
	Mode string // solo, coordinator, runner
	Port int

	APIKey         string // plaintext bearer key; empty = generated or dev mode
	InternalSecret string // shared secret for runner<->coordinator auth

	DatabaseURL string // PostgreSQL URL; empty selects the embedded store
	DataDir     string // root for agents, sandboxes, snapshots, ash.db

	SnapshotURL  string // s3://..., gs://..., or empty for local-only
	FileStoreURL string // same schemes, for attachments and agent archives

	SandboxBackend string // gvisor, bwrap, auto
	MaxSandboxes   int
	IdleTimeout    time.Duration // waiting -> cold
	ColdTTL        time.Duration // cold -> deleted

	// Default per-sandbox resource limits, overridable per create.
	MemoryLimitMB  int
	CPULimit       float64
	PidsLimit      int
	DiskLimitMB    int
	InstallTimeout time.Duration

	// Runner identity and coordinator wiring.
	CoordinatorURL    string
	RunnerID          string
	AdvertiseHost     string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	NATSURL   string // optional usage-event pipeline
	EngineCmd string // command the bridge runs inside the sandbox
	BridgeBin string // bridge binary path; empty = sibling of the server binary

	LogLevel    string
	LogJSON     bool
	DebugTiming bool

	RateLimitRPS float64 // 0 disables per-key rate limiting

	// AWS Secrets Manager bootstrap. The secret is a JSON object whose keys
	// are env var names; explicit env vars win.
	SecretsARN string
}

// Load reads the ASH_* environment contract. If ASH_SECRETS_ARN is set, the
// secret is fetched first and applied to the environment so the rest of the
// load picks it up.
func Load() (*Config, error) {
	if arn := os.Getenv("ASH_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("load secrets from %s: %w", arn, err)
		}
	}

	home, _ := os.UserHomeDir()
	defaultDataDir := filepath.Join(home, ".ash")

	cfg := &Config{
		Mode: envOrDefault("ASH_MODE", ModeSolo),
		Port: envOrDefaultInt("ASH_PORT", 8080),

		APIKey:         os.Getenv("ASH_API_KEY"),
		InternalSecret: os.Getenv("ASH_INTERNAL_SECRET"),

		DatabaseURL: os.Getenv("ASH_DATABASE_URL"),
		DataDir:     envOrDefault("ASH_DATA_DIR", defaultDataDir),

		SnapshotURL:  os.Getenv("ASH_SNAPSHOT_URL"),
		FileStoreURL: os.Getenv("ASH_FILE_STORE_URL"),

		SandboxBackend: envOrDefault("ASH_SANDBOX_BACKEND", BackendAuto),
		MaxSandboxes:   envOrDefaultInt("ASH_MAX_SANDBOXES", 10),
		IdleTimeout:    envMillis("ASH_IDLE_TIMEOUT_MS", 5*time.Minute),
		ColdTTL:        envMillis("ASH_COLD_TTL_MS", 24*time.Hour),

		MemoryLimitMB:  envOrDefaultInt("ASH_MEMORY_LIMIT_MB", 2048),
		CPULimit:       envOrDefaultFloat("ASH_CPU_LIMIT", 1.0),
		PidsLimit:      envOrDefaultInt("ASH_PIDS_LIMIT", 256),
		DiskLimitMB:    envOrDefaultInt("ASH_DISK_LIMIT_MB", 2048),
		InstallTimeout: envMillis("ASH_INSTALL_TIMEOUT_MS", 5*time.Minute),

		CoordinatorURL:    os.Getenv("ASH_COORDINATOR_URL"),
		RunnerID:          envOrDefault("ASH_RUNNER_ID", defaultRunnerID()),
		AdvertiseHost:     envOrDefault("ASH_ADVERTISE_HOST", "127.0.0.1"),
		HeartbeatInterval: envMillis("ASH_HEARTBEAT_INTERVAL_MS", 5*time.Second),
		HeartbeatTimeout:  envMillis("ASH_HEARTBEAT_TIMEOUT_MS", 15*time.Second),

		NATSURL:   os.Getenv("ASH_NATS_URL"),
		EngineCmd: envOrDefault("ASH_ENGINE_CMD", "claude"),
		BridgeBin: os.Getenv("ASH_BRIDGE_BIN"),

		LogLevel:    envOrDefault("ASH_LOG_LEVEL", "info"),
		LogJSON:     os.Getenv("ASH_LOG_JSON") == "1" || os.Getenv("ASH_LOG_JSON") == "true",
		DebugTiming: os.Getenv("ASH_DEBUG_TIMING") == "1" || os.Getenv("ASH_DEBUG_TIMING") == "true",

		RateLimitRPS: envOrDefaultFloat("ASH_RATE_LIMIT_RPS", 0),

		SecretsARN: os.Getenv("ASH_SECRETS_ARN"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeSolo, ModeCoordinator, ModeRunner:
	default:
		return fmt.Errorf("invalid ASH_MODE %q (want solo, coordinator, or runner)", c.Mode)
	}
	switch c.SandboxBackend {
	case BackendAuto, BackendGvisor, BackendBwrap:
	default:
		return fmt.Errorf("invalid ASH_SANDBOX_BACKEND %q (want gvisor, bwrap, or auto)", c.SandboxBackend)
	}
	if c.Mode == ModeRunner {
		if c.CoordinatorURL == "" {
			return fmt.Errorf("ASH_COORDINATOR_URL is required in runner mode")
		}
		if c.InternalSecret == "" {
			return fmt.Errorf("ASH_INTERNAL_SECRET is required in runner mode")
		}
	}
	if c.Mode == ModeCoordinator && c.InternalSecret == "" {
		return fmt.Errorf("ASH_INTERNAL_SECRET is required in coordinator mode")
	}
	if c.MaxSandboxes < 1 {
		return fmt.Errorf("ASH_MAX_SANDBOXES must be >= 1, got %d", c.MaxSandboxes)
	}
	return nil
}

// Derived layout paths under DataDir.

func (c *Config) AgentsDir() string    { return filepath.Join(c.DataDir, "agents") }
func (c *Config) SandboxesDir() string { return filepath.Join(c.DataDir, "sandboxes") }
func (c *Config) SnapshotsDir() string { return filepath.Join(c.DataDir, "snapshots") }
func (c *Config) FilesDir() string     { return filepath.Join(c.DataDir, "files") }
func (c *Config) EmbeddedDBPath() string {
	return filepath.Join(c.DataDir, "ash.db")
}

// InitialKeyPath is where a generated API key is written on first start.
func (c *Config) InitialKeyPath() string {
	return filepath.Join(c.DataDir, "initial-api-key")
}

// EnsureLayout creates the data directory tree.
func (c *Config) EnsureLayout() error {
	for _, dir := range []string{c.DataDir, c.AgentsDir(), c.SandboxesDir(), c.SnapshotsDir(), c.FilesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func defaultRunnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return "runner-" + host
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret and sets any values as env vars
// (only if not already set, so explicit env vars always win). Uses the
// default AWS credential chain.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Region comes out of the ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}
	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log := logging.WithComponent("config")
	log.Info().
		Int("applied", applied).
		Int("total", len(secrets)).
		Msg("loaded secrets from Secrets Manager")
	return nil
}
