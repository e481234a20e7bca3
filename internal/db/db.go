// Package db persists the platform's records behind a single Repository
// contract with two backends: an embedded single-writer SQLite store for
// solo and runner nodes, and a concurrent PostgreSQL store for
// coordinators.
package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ashrun/ash/pkg/types"
)

// Sentinel errors shared by both backends.
var (
	ErrNotFound = errors.New("db: not found")
	ErrConflict = errors.New("db: conflict")
)

// Repository is the persistence contract. Ordered inserts (messages,
// events) are serialized per session: the SQLite backend runs MAX+1 inside
// its single-writer discipline, the PostgreSQL backend uses one atomic
// INSERT..SELECT MAX statement and retries unique-index collisions.
type Repository interface {
	// Agents
	UpsertAgent(ctx context.Context, tenant, name, path string) (*types.Agent, error)
	GetAgent(ctx context.Context, tenant, name string) (*types.Agent, error)
	ListAgents(ctx context.Context, tenant string) ([]types.Agent, error)
	DeleteAgent(ctx context.Context, tenant, name string) error

	// Sessions
	InsertSession(ctx context.Context, s *types.Session) error
	InsertForkedSession(ctx context.Context, fork *types.Session, parentID string) error
	UpdateSessionStatus(ctx context.Context, tenant, id string, status types.SessionStatus, lastError string) error
	UpdateSessionSandbox(ctx context.Context, tenant, id, sandboxID string) error
	UpdateSessionRunner(ctx context.Context, tenant, id, runnerID string) error
	UpdateSessionConfig(ctx context.Context, tenant, id string, model *string, config *types.SessionConfig) error
	GetSession(ctx context.Context, tenant, id string) (*types.Session, error)
	ListSessions(ctx context.Context, tenant, agent string) ([]types.Session, error)
	ListSessionsByRunner(ctx context.Context, runnerID string) ([]types.Session, error)
	BulkPauseSessionsByRunner(ctx context.Context, runnerID string) (int, error)
	TouchSession(ctx context.Context, tenant, id string) error

	// Sandboxes
	InsertSandbox(ctx context.Context, sb *types.SandboxRecord) error
	UpdateSandboxState(ctx context.Context, id string, state types.SandboxState) error
	UpdateSandboxSession(ctx context.Context, id, sessionID string) error
	TouchSandbox(ctx context.Context, id string) error
	GetSandbox(ctx context.Context, id string) (*types.SandboxRecord, error)
	SandboxBySession(ctx context.Context, sessionID string) (*types.SandboxRecord, error)
	CountSandboxes(ctx context.Context) (int, error)
	CountSandboxesByState(ctx context.Context) (map[types.SandboxState]int, error)
	BestEvictionCandidate(ctx context.Context) (*types.SandboxRecord, error)
	IdleSandboxes(ctx context.Context, olderThan time.Time) ([]types.SandboxRecord, error)
	ColdSandboxes(ctx context.Context, olderThan time.Time) ([]types.SandboxRecord, error)
	DeleteSandbox(ctx context.Context, id string) error
	MarkAllSandboxesCold(ctx context.Context) (int, error)

	// Messages and session events
	InsertMessage(ctx context.Context, tenant, sessionID string, role types.MessageRole, content string) (*types.Message, error)
	ListMessages(ctx context.Context, tenant, sessionID string) ([]types.Message, error)
	InsertEvent(ctx context.Context, tenant, sessionID, eventType string, data json.RawMessage) (*types.SessionEvent, error)
	ListEvents(ctx context.Context, tenant, sessionID string) ([]types.SessionEvent, error)

	// Runners
	UpsertRunner(ctx context.Context, r *types.Runner) error
	HeartbeatRunner(ctx context.Context, id string, activeCount, warmingCount int) error
	GetRunner(ctx context.Context, id string) (*types.Runner, error)
	ListRunners(ctx context.Context) ([]types.Runner, error)
	ListHealthyRunners(ctx context.Context, cutoff time.Time) ([]types.Runner, error)
	ListDeadRunners(ctx context.Context, cutoff time.Time) ([]types.Runner, error)
	SelectBestRunner(ctx context.Context, cutoff time.Time) (*types.Runner, error)
	DeleteRunner(ctx context.Context, id string) error

	// API keys
	InsertAPIKey(ctx context.Context, k *types.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error)
	ListAPIKeys(ctx context.Context, tenant string) ([]types.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error

	// Credentials
	UpsertCredential(ctx context.Context, c *types.Credential) (*types.Credential, error)
	GetCredential(ctx context.Context, tenant, name string) (*types.Credential, error)
	ListCredentials(ctx context.Context, tenant string) ([]types.Credential, error)
	DeleteCredential(ctx context.Context, tenant, name string) error

	// Attachments
	InsertAttachment(ctx context.Context, a *types.Attachment) error
	GetAttachment(ctx context.Context, tenant, id string) (*types.Attachment, error)
	ListAttachments(ctx context.Context, tenant, sessionID string) ([]types.Attachment, error)
	DeleteAttachment(ctx context.Context, tenant, id string) error

	// Queue items (active-turn markers)
	InsertQueueItem(ctx context.Context, q *types.QueueItem) error
	ListQueueItems(ctx context.Context, sessionID string) ([]types.QueueItem, error)
	DeleteQueueItem(ctx context.Context, id string) error
	ClearQueueItems(ctx context.Context) (int, error)

	// Usage events
	InsertUsageEvent(ctx context.Context, u *types.UsageEvent) error
	ListUsageEvents(ctx context.Context, tenant, sessionID string) ([]types.UsageEvent, error)
	UnsyncedUsageEvents(ctx context.Context, limit int) ([]types.UsageEvent, error)
	MarkUsageSynced(ctx context.Context, ids []string) error

	Migrate(ctx context.Context) error
	Close() error
}

// Open selects the backend from the database URL: postgres:// URLs get the
// concurrent store, everything else (including empty) the embedded SQLite
// store at embeddedPath.
func Open(ctx context.Context, databaseURL, embeddedPath string) (Repository, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return OpenPostgres(ctx, databaseURL)
	}
	return OpenSQLite(embeddedPath)
}

// HashAPIKey returns the hex SHA-256 of a plaintext API key. Only hashes
// are stored.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func tenantOrDefault(tenant string) string {
	if tenant == "" {
		return types.DefaultTenant
	}
	return tenant
}

// marshalConfig renders a session config for storage; nil becomes NULL.
func marshalConfig(c *types.SessionConfig) (*string, error) {
	if c == nil {
		return nil, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}

func unmarshalConfig(raw *string) (*types.SessionConfig, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var c types.SessionConfig
	if err := json.Unmarshal([]byte(*raw), &c); err != nil {
		return nil, err
	}
	return &c, nil
}
