// Package coordinator routes session work to runners. The coordinator
// owns the database side of the platform; runners own pools. Requests
// that touch a sandbox are proxied to the runner that holds it, streams
// included, and a failure detector pauses the sessions of runners that
// stop heartbeating.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/logging"
	"github.com/ashrun/ash/internal/metrics"
	"github.com/ashrun/ash/pkg/types"
)

// ErrNoRunner is returned when no healthy runner has capacity.
var ErrNoRunner = errors.New("coordinator: no runner available")

// Config wires a Coordinator.
type Config struct {
	InternalSecret   string
	HeartbeatTimeout time.Duration
	DetectorInterval time.Duration // zero defaults to half the timeout
}

// Coordinator routes public API calls onto runner nodes.
type Coordinator struct {
	cfg    Config
	repo   db.Repository
	client *http.Client
	log    zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds a Coordinator. The HTTP client carries no global timeout:
// message streams stay open for as long as a turn runs, bounded by the
// caller's request context instead.
func New(cfg Config, repo db.Repository) *Coordinator {
	if cfg.DetectorInterval <= 0 {
		cfg.DetectorInterval = cfg.HeartbeatTimeout / 2
	}
	return &Coordinator{
		cfg:    cfg,
		repo:   repo,
		client: &http.Client{},
		log:    logging.WithComponent("coordinator"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the failure detector loop.
func (co *Coordinator) Start() {
	go co.detectLoop()
}

// Stop halts the failure detector.
func (co *Coordinator) Stop() {
	close(co.stop)
	<-co.done
}

func (co *Coordinator) healthCutoff() time.Time {
	return time.Now().UTC().Add(-co.cfg.HeartbeatTimeout)
}

// SelectRunner picks the healthy runner with the most available capacity.
func (co *Coordinator) SelectRunner(ctx context.Context) (*types.Runner, error) {
	r, err := co.repo.SelectBestRunner(ctx, co.healthCutoff())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNoRunner
		}
		return nil, err
	}
	return r, nil
}

// RouteSession resolves which runner should serve a sandbox-touching call
// for the session: its recorded runner when that one is still healthy,
// else the best available runner (recorded for next time). The second
// path is the dead-runner failover: the new runner cold-resumes from the
// shared snapshot store.
func (co *Coordinator) RouteSession(ctx context.Context, sess *types.Session) (*types.Runner, error) {
	if sess.RunnerID != "" {
		r, err := co.repo.GetRunner(ctx, sess.RunnerID)
		if err == nil && r.Healthy(co.healthCutoff()) {
			return r, nil
		}
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
	}

	r, err := co.SelectRunner(ctx)
	if err != nil {
		return nil, err
	}
	if err := co.repo.UpdateSessionRunner(ctx, sess.TenantID, sess.ID, r.ID); err != nil {
		return nil, fmt.Errorf("coordinator: record runner for session %s: %w", sess.ID, err)
	}
	co.log.Info().Str("session_id", sess.ID).Str("runner_id", r.ID).Msg("session routed to new runner")
	return r, nil
}

// Register upserts a runner registration.
func (co *Coordinator) Register(ctx context.Context, r *types.Runner) error {
	if err := co.repo.UpsertRunner(ctx, r); err != nil {
		return err
	}
	co.log.Info().Str("runner_id", r.ID).Str("host", r.Host).Int("port", r.Port).Int("max", r.MaxSandboxes).Msg("runner registered")
	return nil
}

// Heartbeat records a runner's load report.
func (co *Coordinator) Heartbeat(ctx context.Context, id string, active, warming int) error {
	return co.repo.HeartbeatRunner(ctx, id, active, warming)
}

// Deregister removes a runner and pauses whatever it was serving.
func (co *Coordinator) Deregister(ctx context.Context, id string) error {
	n, err := co.repo.BulkPauseSessionsByRunner(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		co.log.Info().Str("runner_id", id).Int("sessions", n).Msg("paused sessions on deregistered runner")
	}
	return co.repo.DeleteRunner(ctx, id)
}

// Runners lists every registered runner.
func (co *Coordinator) Runners(ctx context.Context) ([]types.Runner, error) {
	return co.repo.ListRunners(ctx)
}

// RunnerCounts returns healthy and total runner counts for /health.
func (co *Coordinator) RunnerCounts(ctx context.Context) (healthy, total int, err error) {
	all, err := co.repo.ListRunners(ctx)
	if err != nil {
		return 0, 0, err
	}
	cutoff := co.healthCutoff()
	for _, r := range all {
		if r.Healthy(cutoff) {
			healthy++
		}
	}
	metrics.RunnersHealthy.Set(float64(healthy))
	return healthy, len(all), nil
}

// detectLoop sweeps for runners that stopped heartbeating, bulk-pauses
// their sessions, and drops them from the registry.
func (co *Coordinator) detectLoop() {
	defer close(co.done)
	ticker := time.NewTicker(co.cfg.DetectorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			co.sweepDead(context.Background())
		case <-co.stop:
			return
		}
	}
}

func (co *Coordinator) sweepDead(ctx context.Context) {
	dead, err := co.repo.ListDeadRunners(ctx, co.healthCutoff())
	if err != nil {
		co.log.Warn().Err(err).Msg("dead runner query failed")
		return
	}
	for _, r := range dead {
		n, err := co.repo.BulkPauseSessionsByRunner(ctx, r.ID)
		if err != nil {
			co.log.Warn().Str("runner_id", r.ID).Err(err).Msg("bulk pause failed")
			continue
		}
		if err := co.repo.DeleteRunner(ctx, r.ID); err != nil {
			co.log.Warn().Str("runner_id", r.ID).Err(err).Msg("runner delete failed")
			continue
		}
		co.log.Warn().Str("runner_id", r.ID).Int("sessions_paused", n).
			Time("last_heartbeat", r.LastHeartbeatAt).Msg("runner declared dead")
	}
}
