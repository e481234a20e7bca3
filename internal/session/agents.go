package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/logging"
	"github.com/ashrun/ash/internal/sandbox"
	"github.com/ashrun/ash/internal/snapshot"
	"github.com/ashrun/ash/internal/storage"
	"github.com/ashrun/ash/pkg/types"
)

// stagedVersionMarker records which agent version a staged directory
// holds, so runners can tell a stale cache from a current one.
const stagedVersionMarker = ".ash-agent-version"

// AgentLibrary stages agent trees under the agents dir and keeps them in
// sync with the repository records. Coordinators use it standalone; the
// orchestrator owns one per node.
type AgentLibrary struct {
	repo      db.Repository
	files     storage.FileStore // nil disables archive sync
	agentsDir string
	log       zerolog.Logger
}

// NewAgentLibrary builds a library rooted at agentsDir.
func NewAgentLibrary(repo db.Repository, files storage.FileStore, agentsDir string) *AgentLibrary {
	return &AgentLibrary{
		repo:      repo,
		files:     files,
		agentsDir: agentsDir,
		log:       logging.WithComponent("agents"),
	}
}

// StagedDir is where the agent's staged tree lives on this node.
func (l *AgentLibrary) StagedDir(agentName string) string {
	return filepath.Join(l.agentsDir, agentName)
}

// Deploy stages the directory at srcPath under the agents dir and upserts
// the agent record, bumping its version. When a file store is configured
// the staged tree is also archived so other runners can fetch it.
func (l *AgentLibrary) Deploy(ctx context.Context, tenant, name, srcPath string) (*types.Agent, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, fmt.Errorf("session: agent path %s: %w", srcPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("session: agent path %s is not a directory", srcPath)
	}

	staged := l.StagedDir(name)
	if err := os.RemoveAll(staged); err != nil {
		return nil, fmt.Errorf("session: clear staged agent: %w", err)
	}
	if err := os.MkdirAll(staged, 0o755); err != nil {
		return nil, fmt.Errorf("session: create staged agent dir: %w", err)
	}
	if err := sandbox.CopyDir(srcPath, staged); err != nil {
		return nil, fmt.Errorf("session: stage agent %s: %w", name, err)
	}

	agent, err := l.repo.UpsertAgent(ctx, tenant, name, staged)
	if err != nil {
		return nil, err
	}
	if err := l.writeVersionMarker(staged, agent.Version); err != nil {
		l.log.Warn().Str("agent", name).Err(err).Msg("version marker write failed")
	}

	if l.files != nil {
		if err := l.archive(ctx, agent, staged); err != nil {
			l.log.Warn().Str("agent", name).Err(err).Msg("agent archive upload failed")
		}
	}
	l.log.Info().Str("agent", name).Int("version", agent.Version).Msg("agent deployed")
	return agent, nil
}

// Remove deletes the agent record and the staged tree. Callers that own a
// pool end the agent's live sessions first.
func (l *AgentLibrary) Remove(ctx context.Context, tenant, name string) error {
	if err := l.repo.DeleteAgent(ctx, tenant, name); err != nil {
		return err
	}
	if err := os.RemoveAll(l.StagedDir(name)); err != nil {
		l.log.Warn().Str("agent", name).Err(err).Msg("staged dir removal failed")
	}
	return nil
}

// EnsureStaged makes the local staged copy current. A node that never saw
// the agent, or saw an older version, pulls the archive from the shared
// file store. No file store and no staged copy is a configuration error.
func (l *AgentLibrary) EnsureStaged(ctx context.Context, agent *types.Agent) error {
	staged := l.StagedDir(agent.Name)
	if l.stagedVersion(staged) == agent.Version {
		return nil
	}
	if _, err := os.Stat(staged); err == nil && l.files == nil {
		// Stale marker but a tree exists and there is nowhere to pull
		// from; assume the local copy is the one deployed here.
		return nil
	}
	if l.files == nil {
		return fmt.Errorf("session: agent %s is not staged on this node and no file store is configured", agent.Name)
	}

	key := agentArchiveKey(agent.TenantID, agent.Name, agent.Version)
	rc, err := l.files.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("session: fetch agent archive %s: %w", key, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "ash-agent-*.tar.gz")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.ReadFrom(rc); err != nil {
		tmp.Close()
		return fmt.Errorf("session: download agent archive: %w", err)
	}
	tmp.Close()

	if err := os.RemoveAll(staged); err != nil {
		return err
	}
	if err := os.MkdirAll(staged, 0o755); err != nil {
		return err
	}
	if err := snapshot.Extract(tmp.Name(), staged); err != nil {
		return fmt.Errorf("session: extract agent archive: %w", err)
	}
	if err := l.writeVersionMarker(staged, agent.Version); err != nil {
		l.log.Warn().Str("agent", agent.Name).Err(err).Msg("version marker write failed")
	}
	l.log.Info().Str("agent", agent.Name).Int("version", agent.Version).Msg("agent staged from archive")
	return nil
}

func (l *AgentLibrary) archive(ctx context.Context, agent *types.Agent, staged string) error {
	tmp, err := os.CreateTemp("", "ash-agent-*.tar.gz")
	if err != nil {
		return err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if _, err := snapshot.Pack(staged, tmp.Name()); err != nil {
		return err
	}
	f, err := os.Open(tmp.Name())
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = l.files.Put(ctx, agentArchiveKey(agent.TenantID, agent.Name, agent.Version), f)
	return err
}

func (l *AgentLibrary) writeVersionMarker(staged string, version int) error {
	return os.WriteFile(filepath.Join(staged, stagedVersionMarker), []byte(strconv.Itoa(version)), 0o644)
}

func (l *AgentLibrary) stagedVersion(staged string) int {
	raw, err := os.ReadFile(filepath.Join(staged, stagedVersionMarker))
	if err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return v
}

func agentArchiveKey(tenant, name string, version int) string {
	return fmt.Sprintf("agents/%s/%s/v%d.tar.gz", tenant, name, version)
}

// DeployAgent stages and registers an agent on this node.
func (o *Orchestrator) DeployAgent(ctx context.Context, tenant, name, srcPath string) (*types.Agent, error) {
	return o.library.Deploy(ctx, tenant, name, srcPath)
}

// DeleteAgent ends the agent's live sessions, removes the record, and
// clears the staged directory. Repo deletion cascades the session rows.
func (o *Orchestrator) DeleteAgent(ctx context.Context, tenant, name string) error {
	sessions, err := o.repo.ListSessions(ctx, tenant, name)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.Status == types.SessionEnded {
			continue
		}
		if _, err := o.End(ctx, tenant, s.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			o.log.Warn().Str("session_id", s.ID).Err(err).Msg("end session during agent delete failed")
		}
	}
	return o.library.Remove(ctx, tenant, name)
}
