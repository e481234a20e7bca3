// Package types holds the records shared between the API surface, the
// repository backends, and the coordinator/runner wire.
package types

import "time"

// DefaultTenant is assumed whenever a request carries no tenant id.
const DefaultTenant = "default"

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionPaused   SessionStatus = "paused"
	SessionEnded    SessionStatus = "ended"
	SessionError    SessionStatus = "error"
)

// SandboxState is the pool's lifecycle state for a sandbox record.
type SandboxState string

const (
	SandboxWarming SandboxState = "warming"
	SandboxWarm    SandboxState = "warm"
	SandboxWaiting SandboxState = "waiting"
	SandboxRunning SandboxState = "running"
	SandboxCold    SandboxState = "cold"
)

// Live reports whether the state implies a live child process.
func (s SandboxState) Live() bool {
	switch s {
	case SandboxWarming, SandboxWarm, SandboxWaiting, SandboxRunning:
		return true
	}
	return false
}

// Agent is a deployed agent definition: a staged directory registered by
// name. Redeploying the same name bumps Version and keeps ID stable.
type Agent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is a stateful conversation bound to an agent.
type Session struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenantId"`
	AgentName       string         `json:"agentName"`
	SandboxID       string         `json:"sandboxId,omitempty"`
	Status          SessionStatus  `json:"status"`
	RunnerID        string         `json:"runnerId,omitempty"`
	ParentSessionID string         `json:"parentSessionId,omitempty"`
	Model           string         `json:"model,omitempty"`
	Config          *SessionConfig `json:"config,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastActiveAt    time.Time      `json:"lastActiveAt"`
}

// SessionConfig carries per-session option overrides. Everything here sits
// between per-message options and the agent record in merge precedence.
type SessionConfig struct {
	SystemPrompt         string         `json:"systemPrompt,omitempty"`
	MCPServers           map[string]any `json:"mcpServers,omitempty"`
	AllowedTools         []string       `json:"allowedTools,omitempty"`
	DisallowedTools      []string       `json:"disallowedTools,omitempty"`
	Betas                []string       `json:"betas,omitempty"`
	Agents               map[string]any `json:"agents,omitempty"`
	Agent                string         `json:"agent,omitempty"`
	PermissionWebhookURL string         `json:"permissionWebhookUrl,omitempty"`
	HookWebhookURL       string         `json:"hookWebhookUrl,omitempty"`
	Extra                map[string]any `json:"extra,omitempty"`
}

// SandboxRecord is the pool's persisted view of one sandbox.
type SandboxRecord struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenantId"`
	SessionID    string       `json:"sessionId,omitempty"`
	AgentName    string       `json:"agentName"`
	State        SandboxState `json:"state"`
	WorkspaceDir string       `json:"workspaceDir"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastUsedAt   time.Time    `json:"lastUsedAt"`
}

// MessageRole is the author of a message row.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one persisted conversation turn half. Sequence is dense per
// session starting at 1.
type Message struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenantId"`
	SessionID string      `json:"sessionId"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Sequence  int         `json:"sequence"`
	CreatedAt time.Time   `json:"createdAt"`
}

// SessionEvent is one audit-log entry; Data is the opaque bridge payload.
type SessionEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	SessionID string    `json:"sessionId"`
	Type      string    `json:"type"`
	Data      string    `json:"data"`
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"createdAt"`
}

// Runner is a registered worker node.
type Runner struct {
	ID              string    `json:"id"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	MaxSandboxes    int       `json:"maxSandboxes"`
	ActiveCount     int       `json:"activeCount"`
	WarmingCount    int       `json:"warmingCount"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	RegisteredAt    time.Time `json:"registeredAt"`
}

// AvailableCapacity is maxSandboxes minus everything already claimed.
func (r Runner) AvailableCapacity() int {
	return r.MaxSandboxes - r.ActiveCount - r.WarmingCount
}

// Healthy reports whether the runner heartbeated after the cutoff.
func (r Runner) Healthy(cutoff time.Time) bool {
	return r.LastHeartbeatAt.After(cutoff)
}

// Attachment is per-file blob metadata; the bytes live in the file store
// under StoreKey.
type Attachment struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	SessionID string    `json:"sessionId,omitempty"`
	Filename  string    `json:"filename"`
	StoreKey  string    `json:"storeKey"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// Credential is a sealed secret injected into sandbox environments.
// EncryptedValue carries an enc:/plain: prefix from the crypto package.
type Credential struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	Name           string    `json:"name"`
	AgentName      string    `json:"agentName,omitempty"`
	EncryptedValue string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

// APIKey is a stored bearer credential; only the SHA-256 of the key is kept.
type APIKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// QueueItem is a deferred unit of work scoped to a session.
type QueueItem struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// UsageEvent records token and cost accounting extracted from result
// payloads. Synced marks rows already shipped off-node by the usage
// publisher.
type UsageEvent struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	SessionID    string    `json:"sessionId"`
	RunnerID     string    `json:"runnerId,omitempty"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	CostUSD      float64   `json:"costUsd"`
	NumTurns     int       `json:"numTurns,omitempty"`
	DurationMs   int64     `json:"durationMs,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	Synced       bool      `json:"-"`
}

// PoolStats is the live pool summary reported by /health.
type PoolStats struct {
	Total    int                  `json:"total"`
	ByState  map[SandboxState]int `json:"byState"`
	Capacity int                  `json:"capacity"`
}

// Counters are the monotonic pool/orchestrator counters surfaced by /health.
type Counters struct {
	PreWarmHits    int64 `json:"preWarmHits"`
	ResumeWarmHits int64 `json:"resumeWarmHits"`
	ResumeColdHits int64 `json:"resumeColdHits"`
	Evictions      int64 `json:"evictions"`
}
