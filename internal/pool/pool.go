// Package pool manages the sandbox lifecycle on one node: the capacity
// gate, pre-warming, idle hibernation, cold cleanup, and eviction. It sits
// between the session layer and the sandbox manager, keeping the database
// records and the live process table consistent with each other.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/logging"
	"github.com/ashrun/ash/internal/sandbox"
	"github.com/ashrun/ash/internal/storage"
	"github.com/ashrun/ash/pkg/types"
)

// ErrCapacity is returned by Create when the pool is full and no sandbox
// could be evicted to make room.
var ErrCapacity = errors.New("sandbox capacity exhausted")

const defaultSweepInterval = 30 * time.Second

// Config sizes and paces the pool.
type Config struct {
	TenantID     string
	MaxCapacity  int
	IdleTimeout  time.Duration // waiting sandboxes older than this hibernate
	ColdTTL      time.Duration // cold records older than this are deleted
	SnapshotsDir string        // local snapshot tarballs, one dir per session
	Sweep        time.Duration // sweep cadence; zero means the default
}

// CreateOpts are the inputs to Pool.Create. The embedded sandbox options
// are passed through to the manager; TenantID defaults to the pool's.
type CreateOpts struct {
	sandbox.CreateOpts
	TenantID string
}

// HibernateFunc snapshots a waiting sandbox's workspace and pauses its
// session before the pool destroys the process. The session layer installs
// it at wiring time.
type HibernateFunc func(ctx context.Context, sessionID string, sb *sandbox.Sandbox) error

// ExitFunc observes a sandbox child dying on its own. sessionID is empty
// for unbound pre-warmed sandboxes.
type ExitFunc func(id, sessionID string, oom bool)

// entry is the pool's in-memory view of one live sandbox. The database
// record mirrors it with some lag; for live sandboxes the map wins.
type entry struct {
	sb        *sandbox.Sandbox
	tenantID  string
	agentName string
	sessionID string
	state     types.SandboxState
	lastUsed  time.Time
}

// Pool owns sandbox admission and lifecycle for a single node.
type Pool struct {
	cfg       Config
	manager   *sandbox.Manager
	repo      db.Repository
	snapshots storage.SnapshotStore // nil when no cloud store is configured
	log       zerolog.Logger

	mu        sync.Mutex
	live      map[string]*entry
	bySession map[string]string // sessionID -> sandboxID

	// createMu serializes the count-evict-reserve section so concurrent
	// creates cannot both pass the capacity check.
	createMu sync.Mutex

	hibernate HibernateFunc
	onExit    ExitFunc

	preWarmHits    atomic.Int64
	resumeWarmHits atomic.Int64
	resumeColdHits atomic.Int64
	evictions      atomic.Int64

	stop chan struct{}
	done chan struct{}
}

// New builds a Pool and hooks the manager's exit callback. snapshots may
// be nil when snapshots live only on local disk.
func New(cfg Config, manager *sandbox.Manager, repo db.Repository, snapshots storage.SnapshotStore) *Pool {
	if cfg.Sweep <= 0 {
		cfg.Sweep = defaultSweepInterval
	}
	p := &Pool{
		cfg:       cfg,
		manager:   manager,
		repo:      repo,
		snapshots: snapshots,
		log:       logging.WithComponent("pool"),
		live:      make(map[string]*entry),
		bySession: make(map[string]string),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	manager.OnExit(p.handleExit)
	return p
}

// SetHibernateFunc installs the snapshot-and-pause step used when a
// waiting sandbox is hibernated or evicted.
func (p *Pool) SetHibernateFunc(fn HibernateFunc) { p.hibernate = fn }

// SetOnExit installs the callback fired after the pool has garbage
// collected a crashed sandbox.
func (p *Pool) SetOnExit(fn ExitFunc) { p.onExit = fn }

// Start reconciles records from a previous run and begins the sweep loop.
// Any record still marked live belongs to a process that died with the
// server, so it goes cold; its session resumes from the snapshot if one
// exists.
func (p *Pool) Start(ctx context.Context) error {
	n, err := p.repo.MarkAllSandboxesCold(ctx)
	if err != nil {
		return fmt.Errorf("pool: reconcile sandbox records: %w", err)
	}
	if n > 0 {
		p.log.Info().Int("count", n).Msg("marked stale sandbox records cold")
	}
	go p.sweepLoop()
	return nil
}

// Stop halts the sweep loop. Live sandboxes are left to the manager's
// shutdown path.
func (p *Pool) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pool) sweepLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			p.idleSweep(ctx)
			p.coldCleanup(ctx)
		case <-p.stop:
			return
		}
	}
}

// Create admits one sandbox through the capacity gate and spawns it. When
// the pool is full it evicts the best candidate first; if that fails, the
// create fails with ErrCapacity. A non-empty SessionID binds the sandbox
// to that session (state waiting), otherwise it joins the warm pool.
func (p *Pool) Create(ctx context.Context, opts CreateOpts) (*sandbox.Sandbox, error) {
	return p.create(ctx, opts, true)
}

func (p *Pool) create(ctx context.Context, opts CreateOpts, evict bool) (*sandbox.Sandbox, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.TenantID == "" {
		opts.TenantID = p.cfg.TenantID
	}

	if err := p.reserve(ctx, &opts, evict); err != nil {
		return nil, err
	}

	sb, err := p.manager.Create(ctx, opts.CreateOpts)
	if err != nil {
		if derr := p.repo.DeleteSandbox(ctx, opts.ID); derr != nil {
			p.log.Warn().Str("sandbox_id", opts.ID).Err(derr).Msg("release reservation failed")
		}
		return nil, err
	}

	state := types.SandboxWarm
	if opts.SessionID != "" {
		state = types.SandboxWaiting
	}

	p.mu.Lock()
	p.live[sb.ID] = &entry{
		sb:        sb,
		tenantID:  opts.TenantID,
		agentName: opts.AgentName,
		sessionID: opts.SessionID,
		state:     state,
		lastUsed:  time.Now().UTC(),
	}
	if opts.SessionID != "" {
		p.bySession[opts.SessionID] = sb.ID
	}
	p.mu.Unlock()

	if err := p.repo.UpdateSandboxState(ctx, sb.ID, state); err != nil {
		p.log.Warn().Str("sandbox_id", sb.ID).Err(err).Msg("record state update failed")
	}
	return sb, nil
}

// reserve holds the admission lock across count, evict, and record insert
// so the inserted warming row is visible to the next caller's count. Only
// live records count against capacity: a cold row is a workspace on disk,
// not an occupied slot, so hibernating a waiting occupant frees its slot.
func (p *Pool) reserve(ctx context.Context, opts *CreateOpts, evict bool) error {
	p.createMu.Lock()
	defer p.createMu.Unlock()

	count, err := p.countLive(ctx)
	if err != nil {
		return fmt.Errorf("pool: count sandboxes: %w", err)
	}
	if count >= p.cfg.MaxCapacity {
		if !evict {
			return ErrCapacity
		}
		// Cold candidates go first but hold no slot, so keep evicting
		// until a live occupant goes or the candidates run out.
		for count >= p.cfg.MaxCapacity {
			if err := p.evictOne(ctx); err != nil {
				p.log.Warn().Err(err).Msg("eviction for admission failed")
				break
			}
			if count, err = p.countLive(ctx); err != nil {
				return fmt.Errorf("pool: count sandboxes: %w", err)
			}
		}
		if count >= p.cfg.MaxCapacity {
			return ErrCapacity
		}
	}

	rec := &types.SandboxRecord{
		ID:           opts.ID,
		TenantID:     opts.TenantID,
		SessionID:    opts.SessionID,
		AgentName:    opts.AgentName,
		State:        types.SandboxWarming,
		WorkspaceDir: p.manager.WorkspacePathFor(opts.ID),
	}
	if err := p.repo.InsertSandbox(ctx, rec); err != nil {
		return fmt.Errorf("pool: reserve sandbox record: %w", err)
	}
	return nil
}

// WarmUp creates up to count unbound sandboxes for an agent. Hitting the
// capacity limit stops quietly; a pre-warm never evicts anyone's work.
func (p *Pool) WarmUp(ctx context.Context, tmpl CreateOpts, count int) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			opts := tmpl
			opts.ID = ""
			opts.SessionID = ""
			if _, err := p.create(gctx, opts, false); err != nil {
				if errors.Is(err, ErrCapacity) {
					p.log.Debug().Str("agent", tmpl.AgentName).Msg("warm-up stopped at capacity")
					return nil
				}
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// ClaimWarm binds an unbound warm sandbox for the tenant's agent to the
// session. It returns false when no pre-warmed sandbox is available. Tenant
// must match: a pre-warmed sandbox carries one tenant's credentials.
func (p *Pool) ClaimWarm(ctx context.Context, tenantID, sessionID, agentName string) (*sandbox.Sandbox, bool) {
	if tenantID == "" {
		tenantID = p.cfg.TenantID
	}
	p.mu.Lock()
	var claimed *entry
	for _, e := range p.live {
		if e.state == types.SandboxWarm && e.sessionID == "" &&
			e.tenantID == tenantID && e.agentName == agentName && e.sb.Alive() {
			if claimed == nil || e.lastUsed.Before(claimed.lastUsed) {
				claimed = e
			}
		}
	}
	if claimed == nil {
		p.mu.Unlock()
		return nil, false
	}
	claimed.sessionID = sessionID
	claimed.state = types.SandboxWaiting
	claimed.lastUsed = time.Now().UTC()
	claimed.sb.SessionID = sessionID
	p.bySession[sessionID] = claimed.sb.ID
	p.mu.Unlock()

	if err := p.repo.UpdateSandboxSession(ctx, claimed.sb.ID, sessionID); err != nil {
		p.log.Warn().Str("sandbox_id", claimed.sb.ID).Err(err).Msg("record session bind failed")
	}
	if err := p.repo.UpdateSandboxState(ctx, claimed.sb.ID, types.SandboxWaiting); err != nil {
		p.log.Warn().Str("sandbox_id", claimed.sb.ID).Err(err).Msg("record state update failed")
	}

	p.preWarmHits.Add(1)
	p.log.Info().Str("sandbox_id", claimed.sb.ID).Str("session_id", sessionID).Msg("claimed pre-warmed sandbox")
	return claimed.sb, true
}

// Get returns the live sandbox by id. Dead processes read as a miss; the
// exit watcher handles their teardown.
func (p *Pool) Get(id string) (*sandbox.Sandbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.live[id]
	if e == nil || !e.sb.Alive() {
		return nil, false
	}
	return e.sb, true
}

// GetBySession returns the live sandbox bound to a session, if any.
func (p *Pool) GetBySession(sessionID string) (*sandbox.Sandbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.bySession[sessionID]
	if !ok {
		return nil, false
	}
	e := p.live[id]
	if e == nil || !e.sb.Alive() {
		return nil, false
	}
	return e.sb, true
}

// MarkRunning flags a sandbox as actively processing. Record updates here
// are advisory; failures are logged, never surfaced.
func (p *Pool) MarkRunning(ctx context.Context, id string) {
	p.setState(ctx, id, types.SandboxRunning)
}

// MarkWaiting returns a sandbox to the idle-but-bound state, restarting
// its idle clock.
func (p *Pool) MarkWaiting(ctx context.Context, id string) {
	p.setState(ctx, id, types.SandboxWaiting)
}

func (p *Pool) setState(ctx context.Context, id string, state types.SandboxState) {
	p.mu.Lock()
	if e := p.live[id]; e != nil {
		e.state = state
		e.lastUsed = time.Now().UTC()
	}
	p.mu.Unlock()

	if err := p.repo.UpdateSandboxState(ctx, id, state); err != nil {
		p.log.Warn().Str("sandbox_id", id).Err(err).Msg("record state update failed")
	}
	if err := p.repo.TouchSandbox(ctx, id); err != nil {
		p.log.Warn().Str("sandbox_id", id).Err(err).Msg("record touch failed")
	}
}

// Release unbinds a session from its sandbox and destroys the sandbox,
// removing its record, workspace, and snapshots. Used when a session ends
// for good.
func (p *Pool) Release(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	id, ok := p.bySession[sessionID]
	if ok {
		delete(p.bySession, sessionID)
		delete(p.live, id)
	}
	p.mu.Unlock()

	if ok {
		if err := p.manager.Destroy(id); err != nil {
			p.log.Warn().Str("sandbox_id", id).Err(err).Msg("destroy on release failed")
		}
	} else {
		// A paused session has a cold record but no live entry.
		rec, err := p.repo.SandboxBySession(ctx, sessionID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("pool: look up sandbox for session %s: %w", sessionID, err)
		}
		if rec != nil {
			id = rec.ID
		}
	}
	return p.purgeSessionRemains(ctx, sessionID, id)
}

// purgeSessionRemains deletes whatever a finished session left behind: the
// sandbox record bound to it, its workspace, and its snapshots.
func (p *Pool) purgeSessionRemains(ctx context.Context, sessionID, sandboxID string) error {
	if sandboxID != "" {
		if err := os.RemoveAll(filepath.Dir(p.manager.WorkspacePathFor(sandboxID))); err != nil {
			p.log.Warn().Str("sandbox_id", sandboxID).Err(err).Msg("workspace removal failed")
		}
		if err := p.repo.DeleteSandbox(ctx, sandboxID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("pool: delete sandbox record: %w", err)
		}
	}

	if err := os.RemoveAll(p.localSnapshotDir(sessionID)); err != nil {
		p.log.Warn().Str("session_id", sessionID).Err(err).Msg("local snapshot removal failed")
	}
	if p.snapshots != nil {
		if err := p.snapshots.Delete(ctx, sessionID); err != nil {
			p.log.Warn().Str("session_id", sessionID).Err(err).Msg("cloud snapshot removal failed")
		}
	}
	return nil
}

// evictOne frees one slot, preferring the least valuable occupant: the
// oldest cold record, then the oldest unbound warm sandbox, then the
// oldest waiting one. Running sandboxes are never evicted.
func (p *Pool) evictOne(ctx context.Context) error {
	rec, err := p.repo.BestEvictionCandidate(ctx)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return errors.New("pool: no evictable sandbox")
		}
		return fmt.Errorf("pool: pick eviction candidate: %w", err)
	}

	log := p.log.With().Str("sandbox_id", rec.ID).Str("state", string(rec.State)).Logger()

	switch rec.State {
	case types.SandboxCold:
		// Nothing is running; drop the workspace, the snapshots, and the
		// record. The bound session, if any, will start fresh on resume.
		if err := os.RemoveAll(filepath.Dir(rec.WorkspaceDir)); err != nil {
			log.Warn().Err(err).Msg("workspace removal failed")
		}
		if rec.SessionID != "" {
			if err := os.RemoveAll(p.localSnapshotDir(rec.SessionID)); err != nil {
				log.Warn().Err(err).Msg("local snapshot removal failed")
			}
			if p.snapshots != nil {
				if err := p.snapshots.Delete(ctx, rec.SessionID); err != nil {
					log.Warn().Err(err).Msg("cloud snapshot removal failed")
				}
			}
		}
		if err := p.repo.DeleteSandbox(ctx, rec.ID); err != nil {
			return fmt.Errorf("pool: evict cold %s: %w", rec.ID, err)
		}

	case types.SandboxWarm:
		p.forget(rec.ID)
		if err := p.manager.Destroy(rec.ID); err != nil {
			log.Warn().Err(err).Msg("destroy failed")
		}
		if err := os.RemoveAll(filepath.Dir(rec.WorkspaceDir)); err != nil {
			log.Warn().Err(err).Msg("workspace removal failed")
		}
		if err := p.repo.DeleteSandbox(ctx, rec.ID); err != nil {
			return fmt.Errorf("pool: evict warm %s: %w", rec.ID, err)
		}

	case types.SandboxWaiting:
		// The session survives: snapshot first, then destroy the process
		// and keep the record cold so the session can resume later.
		p.mu.Lock()
		e := p.live[rec.ID]
		p.mu.Unlock()
		if e != nil && p.hibernate != nil && e.sb.Alive() {
			if err := p.hibernate(ctx, e.sessionID, e.sb); err != nil {
				return fmt.Errorf("pool: hibernate %s before evict: %w", rec.ID, err)
			}
		}
		p.forget(rec.ID)
		if err := p.manager.Destroy(rec.ID); err != nil {
			log.Warn().Err(err).Msg("destroy failed")
		}
		if err := p.repo.UpdateSandboxState(ctx, rec.ID, types.SandboxCold); err != nil {
			return fmt.Errorf("pool: evict waiting %s: %w", rec.ID, err)
		}

	default:
		return fmt.Errorf("pool: candidate %s in unevictable state %s", rec.ID, rec.State)
	}

	p.evictions.Add(1)
	log.Info().Msg("sandbox evicted")
	return nil
}

// forget drops a sandbox from the live maps without touching the process
// or the record.
func (p *Pool) forget(id string) {
	p.mu.Lock()
	if e := p.live[id]; e != nil {
		if e.sessionID != "" {
			delete(p.bySession, e.sessionID)
		}
		delete(p.live, id)
	}
	p.mu.Unlock()
}

// idleSweep hibernates waiting sandboxes whose idle clock has run out:
// snapshot, destroy the process, mark the record cold. Sessions pick up
// where they left off on the next message.
func (p *Pool) idleSweep(ctx context.Context) {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-p.cfg.IdleTimeout)
	recs, err := p.repo.IdleSandboxes(ctx, cutoff)
	if err != nil {
		p.log.Warn().Err(err).Msg("idle sweep query failed")
		return
	}

	for _, rec := range recs {
		p.mu.Lock()
		e := p.live[rec.ID]
		// The in-memory view is fresher than the record; skip entries
		// that moved or were touched since the query.
		if e == nil || e.state != types.SandboxWaiting || e.lastUsed.After(cutoff) {
			stale := e == nil
			p.mu.Unlock()
			if stale {
				// Record claims waiting but no process exists: go cold so
				// the session resumes from its snapshot.
				if err := p.repo.UpdateSandboxState(ctx, rec.ID, types.SandboxCold); err != nil {
					p.log.Warn().Str("sandbox_id", rec.ID).Err(err).Msg("record state update failed")
				}
			}
			continue
		}
		sessionID, sb := e.sessionID, e.sb
		p.mu.Unlock()

		if p.hibernate != nil && sb.Alive() {
			if err := p.hibernate(ctx, sessionID, sb); err != nil {
				p.log.Warn().Str("sandbox_id", rec.ID).Err(err).Msg("hibernate failed, will retry next sweep")
				continue
			}
		}
		p.forget(rec.ID)
		if err := p.manager.Destroy(rec.ID); err != nil {
			p.log.Warn().Str("sandbox_id", rec.ID).Err(err).Msg("destroy failed")
		}
		if err := p.repo.UpdateSandboxState(ctx, rec.ID, types.SandboxCold); err != nil {
			p.log.Warn().Str("sandbox_id", rec.ID).Err(err).Msg("record state update failed")
			continue
		}
		p.log.Info().Str("sandbox_id", rec.ID).Str("session_id", sessionID).Msg("sandbox hibernated")
	}
}

// coldCleanup deletes cold records past their TTL along with their
// workspaces and local snapshots. Cloud snapshots are kept, so a very old
// session can still resume if a cloud store is configured.
func (p *Pool) coldCleanup(ctx context.Context) {
	if p.cfg.ColdTTL <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-p.cfg.ColdTTL)
	recs, err := p.repo.ColdSandboxes(ctx, cutoff)
	if err != nil {
		p.log.Warn().Err(err).Msg("cold cleanup query failed")
		return
	}

	for _, rec := range recs {
		if err := os.RemoveAll(filepath.Dir(rec.WorkspaceDir)); err != nil {
			p.log.Warn().Str("sandbox_id", rec.ID).Err(err).Msg("workspace removal failed")
		}
		if rec.SessionID != "" && p.snapshots == nil {
			// Without a cloud store the local tarball is the only copy;
			// it expires with the record.
			if err := os.RemoveAll(p.localSnapshotDir(rec.SessionID)); err != nil {
				p.log.Warn().Str("sandbox_id", rec.ID).Err(err).Msg("local snapshot removal failed")
			}
		}
		if err := p.repo.DeleteSandbox(ctx, rec.ID); err != nil {
			p.log.Warn().Str("sandbox_id", rec.ID).Err(err).Msg("record delete failed")
			continue
		}
		p.log.Info().Str("sandbox_id", rec.ID).Msg("cold sandbox cleaned up")
	}
}

// handleExit runs on the manager's wait goroutine when a child dies
// without Destroy. The record goes cold so the session can resume from
// its last snapshot.
func (p *Pool) handleExit(id string, oom bool) {
	p.mu.Lock()
	e := p.live[id]
	var sessionID string
	if e != nil {
		sessionID = e.sessionID
		if sessionID != "" {
			delete(p.bySession, sessionID)
		}
		delete(p.live, id)
	}
	p.mu.Unlock()
	if e == nil {
		return
	}

	ctx := context.Background()
	if err := p.repo.UpdateSandboxState(ctx, id, types.SandboxCold); err != nil {
		p.log.Warn().Str("sandbox_id", id).Err(err).Msg("record state update failed")
	}
	p.log.Warn().Str("sandbox_id", id).Str("session_id", sessionID).Bool("oom", oom).Msg("sandbox died, record marked cold")

	if p.onExit != nil {
		p.onExit(id, sessionID, oom)
	}
}

// RecordResumeWarm counts a resume served by a still-live sandbox.
func (p *Pool) RecordResumeWarm() { p.resumeWarmHits.Add(1) }

// RecordResumeCold counts a resume that had to restore from a snapshot.
func (p *Pool) RecordResumeCold() { p.resumeColdHits.Add(1) }

// Stats summarizes the pool for health reporting. States come from the
// record table, so a sandbox mid-create reports as warming rather than
// folding into the cold count.
func (p *Pool) Stats(ctx context.Context) (types.PoolStats, error) {
	byState, err := p.repo.CountSandboxesByState(ctx)
	if err != nil {
		return types.PoolStats{}, err
	}
	total := 0
	for _, n := range byState {
		total += n
	}
	return types.PoolStats{
		Total:    total,
		ByState:  byState,
		Capacity: p.cfg.MaxCapacity,
	}, nil
}

// countLive counts the records occupying a slot, everything but cold.
func (p *Pool) countLive(ctx context.Context) (int, error) {
	byState, err := p.repo.CountSandboxesByState(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for state, c := range byState {
		if state != types.SandboxCold {
			n += c
		}
	}
	return n, nil
}

// Counters returns the monotonic hit and eviction counters.
func (p *Pool) Counters() types.Counters {
	return types.Counters{
		PreWarmHits:    p.preWarmHits.Load(),
		ResumeWarmHits: p.resumeWarmHits.Load(),
		ResumeColdHits: p.resumeColdHits.Load(),
		Evictions:      p.evictions.Load(),
	}
}

func (p *Pool) localSnapshotDir(sessionID string) string {
	return filepath.Join(p.cfg.SnapshotsDir, sessionID)
}
