// Package session enforces the session state machine and drives message
// turns end to end: acquire a sandbox from the pool, translate the prompt
// into a bridge query, stream the engine's events to the caller, and
// persist messages, events, and usage along the way.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ashrun/ash/internal/crypto"
	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/logging"
	"github.com/ashrun/ash/internal/pool"
	"github.com/ashrun/ash/internal/sandbox"
	"github.com/ashrun/ash/internal/snapshot"
	"github.com/ashrun/ash/internal/storage"
	"github.com/ashrun/ash/pkg/types"
)

var (
	ErrSessionEnded        = errors.New("session: session has ended")
	ErrTurnInFlight        = errors.New("session: a turn is already in flight")
	ErrNoLiveSandbox       = errors.New("session: session has no live sandbox")
	ErrSnapshotUnavailable = errors.New("session: snapshot unavailable")
)

// ResumePath names how a resume was served.
type ResumePath string

const (
	ResumeNoop ResumePath = "active" // session was already active
	ResumeWarm ResumePath = "warm"   // the old sandbox was still alive
	ResumeCold ResumePath = "cold"   // new sandbox, workspace restored
)

// Config wires an Orchestrator.
type Config struct {
	AgentsDir    string
	SnapshotsDir string
	RunnerID     string // stamped on usage events; empty in solo mode
	DebugTiming  bool
}

// Orchestrator owns the session state machine on one node.
type Orchestrator struct {
	cfg     Config
	repo    db.Repository
	pool    *pool.Pool
	manager *sandbox.Manager
	cloud   storage.SnapshotStore // nil without ASH_SNAPSHOT_URL
	files   storage.FileStore     // nil disables agent archive sync
	library *AgentLibrary
	log     zerolog.Logger

	turnMu sync.Mutex
	turns  map[string]struct{} // sessions with a turn in flight
}

// New builds an Orchestrator and installs its hibernate and crash hooks on
// the pool.
func New(cfg Config, repo db.Repository, p *pool.Pool, mgr *sandbox.Manager, cloud storage.SnapshotStore, files storage.FileStore) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		repo:    repo,
		pool:    p,
		manager: mgr,
		cloud:   cloud,
		files:   files,
		library: NewAgentLibrary(repo, files, cfg.AgentsDir),
		log:     logging.WithComponent("session"),
		turns:   make(map[string]struct{}),
	}
	p.SetHibernateFunc(o.hibernate)
	p.SetOnExit(o.handleSandboxExit)
	return o
}

// Start clears turn markers left by a previous run. Their sandboxes are
// gone, so the turns they marked can never finish.
func (o *Orchestrator) Start(ctx context.Context) error {
	n, err := o.repo.ClearQueueItems(ctx)
	if err != nil {
		return fmt.Errorf("session: clear stale turn markers: %w", err)
	}
	if n > 0 {
		o.log.Info().Int("count", n).Msg("cleared stale turn markers")
	}
	return nil
}

// CreateSessionRequest is the input to Create.
type CreateSessionRequest struct {
	Agent  string               `json:"agent"`
	Model  string               `json:"model,omitempty"`
	Config *types.SessionConfig `json:"-"`
}

// Create validates the agent, persists the session in starting, acquires a
// sandbox (pre-warmed if one matches), and transitions to active. A
// sandbox failure leaves the session in error with the cause recorded.
func (o *Orchestrator) Create(ctx context.Context, tenant string, req CreateSessionRequest) (*types.Session, error) {
	agent, err := o.repo.GetAgent(ctx, tenant, req.Agent)
	if err != nil {
		return nil, err
	}
	if err := o.ensureAgentStaged(ctx, agent); err != nil {
		return nil, err
	}

	sess := &types.Session{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		AgentName: agent.Name,
		Status:    types.SessionStarting,
		Model:     req.Model,
		Config:    req.Config,
	}
	if err := o.repo.InsertSession(ctx, sess); err != nil {
		return nil, err
	}

	sb, err := o.acquireNew(ctx, sess, agent)
	if err != nil {
		if uerr := o.repo.UpdateSessionStatus(ctx, tenant, sess.ID, types.SessionError, err.Error()); uerr != nil {
			o.log.Warn().Str("session_id", sess.ID).Err(uerr).Msg("record error status failed")
		}
		return nil, err
	}

	if err := o.bindSandbox(ctx, sess, sb.ID, types.SessionActive); err != nil {
		return nil, err
	}
	o.log.Info().Str("session_id", sess.ID).Str("sandbox_id", sb.ID).Str("agent", agent.Name).Msg("session created")
	return o.repo.GetSession(ctx, tenant, sess.ID)
}

// acquireNew claims a pre-warmed sandbox or creates a fresh one.
func (o *Orchestrator) acquireNew(ctx context.Context, sess *types.Session, agent *types.Agent) (*sandbox.Sandbox, error) {
	if sb, ok := o.pool.ClaimWarm(ctx, sess.TenantID, sess.ID, agent.Name); ok {
		return sb, nil
	}
	extraEnv, err := o.credentialEnv(ctx, sess.TenantID, agent.Name)
	if err != nil {
		return nil, err
	}
	return o.pool.Create(ctx, pool.CreateOpts{
		TenantID: sess.TenantID,
		CreateOpts: sandbox.CreateOpts{
			AgentName: agent.Name,
			AgentDir:  o.stagedDir(agent.Name),
			SessionID: sess.ID,
			ExtraEnv:  extraEnv,
		},
	})
}

func (o *Orchestrator) bindSandbox(ctx context.Context, sess *types.Session, sandboxID string, status types.SessionStatus) error {
	if err := o.repo.UpdateSessionSandbox(ctx, sess.TenantID, sess.ID, sandboxID); err != nil {
		return fmt.Errorf("session: bind sandbox: %w", err)
	}
	if o.cfg.RunnerID != "" {
		if err := o.repo.UpdateSessionRunner(ctx, sess.TenantID, sess.ID, o.cfg.RunnerID); err != nil {
			return fmt.Errorf("session: record runner: %w", err)
		}
	}
	if err := o.repo.UpdateSessionStatus(ctx, sess.TenantID, sess.ID, status, ""); err != nil {
		return fmt.Errorf("session: transition %s: %w", status, err)
	}
	sess.SandboxID = sandboxID
	sess.Status = status
	return nil
}

// Get returns one session.
func (o *Orchestrator) Get(ctx context.Context, tenant, id string) (*types.Session, error) {
	return o.repo.GetSession(ctx, tenant, id)
}

// List returns the tenant's sessions, optionally filtered by agent.
func (o *Orchestrator) List(ctx context.Context, tenant, agent string) ([]types.Session, error) {
	return o.repo.ListSessions(ctx, tenant, agent)
}

// Pause marks a session paused and leaves its sandbox alive so an
// immediate resume is a warm hit. The idle sweep cold-evicts it later.
func (o *Orchestrator) Pause(ctx context.Context, tenant, id string) (*types.Session, error) {
	sess, err := o.repo.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case types.SessionEnded:
		return nil, ErrSessionEnded
	case types.SessionPaused:
		return sess, nil
	}
	if err := o.repo.UpdateSessionStatus(ctx, tenant, id, types.SessionPaused, ""); err != nil {
		return nil, err
	}
	sess.Status = types.SessionPaused
	o.log.Info().Str("session_id", id).Msg("session paused")
	return sess, nil
}

// Resume brings a session back to active. A still-live sandbox is reused
// (warm hit); otherwise a new sandbox is created and the workspace
// restored from the snapshot (cold hit). Resuming an active session is a
// no-op; resuming an ended one fails.
func (o *Orchestrator) Resume(ctx context.Context, tenant, id string) (*types.Session, ResumePath, error) {
	sess, err := o.repo.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, "", err
	}
	switch sess.Status {
	case types.SessionEnded:
		return nil, "", ErrSessionEnded
	case types.SessionActive:
		return sess, ResumeNoop, nil
	}

	if _, ok := o.pool.GetBySession(id); ok {
		if err := o.repo.UpdateSessionStatus(ctx, tenant, id, types.SessionActive, ""); err != nil {
			return nil, "", err
		}
		sess.Status = types.SessionActive
		o.pool.RecordResumeWarm()
		o.log.Info().Str("session_id", id).Msg("session resumed on live sandbox")
		return sess, ResumeWarm, nil
	}

	sb, err := o.coldResume(ctx, sess)
	if err != nil {
		return nil, "", err
	}
	if err := o.bindSandbox(ctx, sess, sb.ID, types.SessionActive); err != nil {
		return nil, "", err
	}
	o.pool.RecordResumeCold()
	o.log.Info().Str("session_id", id).Str("sandbox_id", sb.ID).Msg("session resumed from snapshot")
	return sess, ResumeCold, nil
}

// coldResume creates a fresh sandbox whose workspace is restored from the
// local snapshot first, the cloud store second. When both miss the agent
// is staged fresh. install.sh runs either way because snapshots exclude
// dependency trees.
func (o *Orchestrator) coldResume(ctx context.Context, sess *types.Session) (*sandbox.Sandbox, error) {
	agent, err := o.repo.GetAgent(ctx, sess.TenantID, sess.AgentName)
	if err != nil {
		return nil, fmt.Errorf("session: agent %s for resume: %w", sess.AgentName, err)
	}
	if err := o.ensureAgentStaged(ctx, agent); err != nil {
		return nil, err
	}
	extraEnv, err := o.credentialEnv(ctx, sess.TenantID, agent.Name)
	if err != nil {
		return nil, err
	}

	return o.pool.Create(ctx, pool.CreateOpts{
		TenantID: sess.TenantID,
		CreateOpts: sandbox.CreateOpts{
			AgentName:     agent.Name,
			AgentDir:      o.stagedDir(agent.Name),
			SessionID:     sess.ID,
			SkipAgentCopy: true,
			ForceInstall:  true,
			ExtraEnv:      extraEnv,
			PrepareWorkspace: func(workspace string) error {
				return o.restoreWorkspace(ctx, sess.ID, agent, workspace)
			},
		},
	})
}

// restoreWorkspace extracts the session's snapshot into workspace, trying
// the local tarball then the cloud store. A double miss stages the agent
// fresh rather than failing: history survives in the database either way.
func (o *Orchestrator) restoreWorkspace(ctx context.Context, sessionID string, agent *types.Agent, workspace string) error {
	tarPath := o.localSnapshotPath(sessionID)
	if _, err := os.Stat(tarPath); err != nil {
		if o.cloud == nil {
			return sandbox.CopyDir(o.stagedDir(agent.Name), workspace)
		}
		ok, err := o.cloud.Exists(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
		}
		if !ok {
			return sandbox.CopyDir(o.stagedDir(agent.Name), workspace)
		}
		if err := o.cloud.Download(ctx, sessionID, tarPath); err != nil {
			return fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
		}
	}
	if err := snapshot.Extract(tarPath, workspace); err != nil {
		return fmt.Errorf("session: extract snapshot for %s: %w", sessionID, err)
	}
	return nil
}

// Fork copies the parent's message history under a new session id with
// status paused. No sandbox exists until the fork is resumed.
func (o *Orchestrator) Fork(ctx context.Context, tenant, parentID string) (*types.Session, error) {
	parent, err := o.repo.GetSession(ctx, tenant, parentID)
	if err != nil {
		return nil, err
	}
	fork := &types.Session{
		ID:              uuid.NewString(),
		TenantID:        tenant,
		AgentName:       parent.AgentName,
		Status:          types.SessionPaused,
		ParentSessionID: parent.ID,
		Model:           parent.Model,
		Config:          parent.Config,
	}
	if err := o.repo.InsertForkedSession(ctx, fork, parent.ID); err != nil {
		return nil, err
	}
	o.log.Info().Str("session_id", fork.ID).Str("parent_id", parent.ID).Msg("session forked")
	return fork, nil
}

// End destroys the session's sandbox, cancelling any in-flight turn, and
// marks the session ended. Messages and events are retained; the
// workspace and snapshots are not.
func (o *Orchestrator) End(ctx context.Context, tenant, id string) (*types.Session, error) {
	sess, err := o.repo.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == types.SessionEnded {
		return sess, nil
	}

	if sb, ok := o.pool.GetBySession(id); ok && sb.Bridge != nil {
		if err := sb.Bridge.AbortActive(); err != nil {
			o.log.Warn().Str("session_id", id).Err(err).Msg("abort in-flight query failed")
		}
	}
	if err := o.pool.Release(ctx, id); err != nil {
		o.log.Warn().Str("session_id", id).Err(err).Msg("release sandbox failed")
	}
	if err := o.repo.UpdateSessionStatus(ctx, tenant, id, types.SessionEnded, ""); err != nil {
		return nil, err
	}
	sess.Status = types.SessionEnded
	o.log.Info().Str("session_id", id).Msg("session ended")
	return sess, nil
}

// UpdateConfig patches the session's model and config overrides.
func (o *Orchestrator) UpdateConfig(ctx context.Context, tenant, id string, model *string, cfg *types.SessionConfig) (*types.Session, error) {
	sess, err := o.repo.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == types.SessionEnded {
		return nil, ErrSessionEnded
	}
	if err := o.repo.UpdateSessionConfig(ctx, tenant, id, model, cfg); err != nil {
		return nil, err
	}
	return o.repo.GetSession(ctx, tenant, id)
}

// hibernate is the pool's pre-evict hook: snapshot the workspace, ship it
// to the cloud store when one exists, and pause the session. It runs under
// the pool's admission lock and therefore never calls back into admission.
func (o *Orchestrator) hibernate(ctx context.Context, sessionID string, sb *sandbox.Sandbox) error {
	tarPath := o.localSnapshotPath(sessionID)
	if _, err := snapshot.Pack(sb.WorkspaceDir, tarPath); err != nil {
		return fmt.Errorf("session: snapshot %s: %w", sessionID, err)
	}
	if o.cloud != nil {
		if _, err := o.cloud.Upload(ctx, sessionID, tarPath); err != nil {
			return fmt.Errorf("session: upload snapshot %s: %w", sessionID, err)
		}
	}

	sess, err := o.sessionAnyTenant(ctx, sessionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}
	if sess.Status == types.SessionActive || sess.Status == types.SessionStarting {
		if err := o.repo.UpdateSessionStatus(ctx, sess.TenantID, sessionID, types.SessionPaused, ""); err != nil {
			return err
		}
	}
	return nil
}

// handleSandboxExit pauses the session whose sandbox died underneath it.
// The record is already cold; the next send or resume restores from the
// last snapshot.
func (o *Orchestrator) handleSandboxExit(id, sessionID string, oom bool) {
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lastError := ""
	if oom {
		lastError = "sandbox killed: out of memory"
	}
	sess, err := o.sessionAnyTenant(ctx, sessionID)
	if err != nil || sess.Status == types.SessionEnded {
		return
	}
	if err := o.repo.UpdateSessionStatus(ctx, sess.TenantID, sessionID, types.SessionPaused, lastError); err != nil {
		o.log.Warn().Str("session_id", sessionID).Err(err).Msg("pause after sandbox death failed")
	}
}

// sessionAnyTenant resolves a session when only its id is known, as in
// pool callbacks: the sandbox record bound to it carries the tenant.
func (o *Orchestrator) sessionAnyTenant(ctx context.Context, sessionID string) (*types.Session, error) {
	rec, err := o.repo.SandboxBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.repo.GetSession(ctx, rec.TenantID, sessionID)
}

// credentialEnv decrypts the tenant's credentials (global ones plus those
// scoped to the agent) into KEY=VALUE pairs for the sandbox environment.
func (o *Orchestrator) credentialEnv(ctx context.Context, tenant, agentName string) ([]string, error) {
	creds, err := o.repo.ListCredentials(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("session: list credentials: %w", err)
	}
	var env []string
	for _, c := range creds {
		if c.AgentName != "" && c.AgentName != agentName {
			continue
		}
		value, err := crypto.Decrypt(c.EncryptedValue)
		if err != nil {
			return nil, fmt.Errorf("session: decrypt credential %s: %w", c.Name, err)
		}
		env = append(env, c.Name+"="+value)
	}
	return env, nil
}

func (o *Orchestrator) localSnapshotPath(sessionID string) string {
	return filepath.Join(o.cfg.SnapshotsDir, sessionID, "workspace.tar.gz")
}

func (o *Orchestrator) stagedDir(agentName string) string {
	return o.library.StagedDir(agentName)
}

func (o *Orchestrator) ensureAgentStaged(ctx context.Context, agent *types.Agent) error {
	return o.library.EnsureStaged(ctx, agent)
}

// Library exposes agent staging for the API layer.
func (o *Orchestrator) Library() *AgentLibrary { return o.library }

// Pool exposes the pool for health reporting.
func (o *Orchestrator) Pool() *pool.Pool { return o.pool }

// beginTurn marks a session as having a turn in flight, both in memory and
// as a queue-item row other nodes can see.
func (o *Orchestrator) beginTurn(ctx context.Context, tenant, sessionID, turnID string) error {
	o.turnMu.Lock()
	if _, busy := o.turns[sessionID]; busy {
		o.turnMu.Unlock()
		return ErrTurnInFlight
	}
	o.turns[sessionID] = struct{}{}
	o.turnMu.Unlock()

	item := &types.QueueItem{
		ID:        turnID,
		TenantID:  tenant,
		SessionID: sessionID,
		Kind:      "turn",
	}
	if err := o.repo.InsertQueueItem(ctx, item); err != nil {
		o.log.Warn().Str("session_id", sessionID).Err(err).Msg("turn marker insert failed")
	}
	return nil
}

func (o *Orchestrator) endTurn(ctx context.Context, sessionID, turnID string) {
	o.turnMu.Lock()
	delete(o.turns, sessionID)
	o.turnMu.Unlock()
	if err := o.repo.DeleteQueueItem(ctx, turnID); err != nil && !errors.Is(err, db.ErrNotFound) {
		o.log.Warn().Str("session_id", sessionID).Err(err).Msg("turn marker delete failed")
	}
}
