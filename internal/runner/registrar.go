// Package runner holds the pieces a worker node runs next to its API
// server: the registrar that announces the node to the coordinator and
// keeps heartbeating, and the publisher that ships usage rows off-node.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/logging"
	"github.com/ashrun/ash/internal/pool"
	"github.com/ashrun/ash/pkg/types"
)

// Config wires a Registrar.
type Config struct {
	RunnerID          string
	CoordinatorURL    string
	AdvertiseHost     string
	Port              int
	MaxSandboxes      int
	InternalSecret    string
	HeartbeatInterval time.Duration
	NATSURL           string // optional secondary heartbeat channel
}

// Registrar registers the runner with the coordinator and heartbeats its
// pool load until stopped.
type Registrar struct {
	cfg    Config
	pool   *pool.Pool
	client *http.Client
	nc     *nats.Conn
	log    zerolog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewRegistrar builds a registrar over the node's pool.
func NewRegistrar(cfg Config, p *pool.Pool) *Registrar {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &Registrar{
		cfg:    cfg,
		pool:   p,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logging.WithComponent("registrar"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start registers with the coordinator and launches the heartbeat loop.
// Registration is retried by the loop itself, so a coordinator that is
// briefly down does not fail runner startup.
func (r *Registrar) Start(ctx context.Context) error {
	if r.cfg.NATSURL != "" {
		nc, err := nats.Connect(r.cfg.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			r.log.Warn().Err(err).Msg("NATS heartbeat channel unavailable")
		} else {
			r.nc = nc
		}
	}

	if err := r.register(ctx); err != nil {
		r.log.Warn().Err(err).Msg("initial registration failed, will retry from heartbeat loop")
	}
	go r.heartbeatLoop()
	return nil
}

// Stop deregisters and halts the heartbeat loop.
func (r *Registrar) Stop(ctx context.Context) {
	r.once.Do(func() { close(r.stop) })
	<-r.done

	if err := r.post(ctx, fmt.Sprintf("/api/internal/runners/%s/deregister", r.cfg.RunnerID), nil); err != nil {
		r.log.Warn().Err(err).Msg("deregister failed")
	}
	if r.nc != nil {
		r.nc.Close()
	}
}

func (r *Registrar) register(ctx context.Context) error {
	return r.post(ctx, "/api/internal/runners/register", map[string]any{
		"runnerId":     r.cfg.RunnerID,
		"host":         r.cfg.AdvertiseHost,
		"port":         r.cfg.Port,
		"maxSandboxes": r.cfg.MaxSandboxes,
	})
}

func (r *Registrar) heartbeatLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	registered := true
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HeartbeatInterval)
			err := r.heartbeat(ctx)
			if err != nil {
				r.log.Warn().Err(err).Msg("heartbeat failed")
				// A 404 means the coordinator forgot us (restart or failure
				// detector); re-register on the next beat.
				registered = false
			} else if !registered {
				registered = true
			}
			if !registered {
				if rerr := r.register(ctx); rerr == nil {
					registered = true
					r.log.Info().Msg("re-registered with coordinator")
				}
			}
			cancel()
		case <-r.stop:
			return
		}
	}
}

func (r *Registrar) heartbeat(ctx context.Context) error {
	active, warming := r.loadCounts(ctx)
	if err := r.post(ctx, fmt.Sprintf("/api/internal/runners/%s/heartbeat", r.cfg.RunnerID), map[string]int{
		"activeCount":  active,
		"warmingCount": warming,
	}); err != nil {
		return err
	}

	if r.nc != nil {
		hb := db.RunnerHeartbeat{
			RunnerID:     r.cfg.RunnerID,
			Host:         r.cfg.AdvertiseHost,
			Port:         r.cfg.Port,
			MaxSandboxes: r.cfg.MaxSandboxes,
			ActiveCount:  active,
			WarmingCount: warming,
		}
		if data, err := json.Marshal(hb); err == nil {
			_ = r.nc.Publish(db.HeartbeatSubjectPrefix+r.cfg.RunnerID, data)
		}
	}
	return nil
}

// loadCounts reports pool load: everything serving a session counts as
// active, pre-warmed and still-starting sandboxes as warming.
func (r *Registrar) loadCounts(ctx context.Context) (active, warming int) {
	stats, err := r.pool.Stats(ctx)
	if err != nil {
		return 0, 0
	}
	active = stats.ByState[types.SandboxRunning] + stats.ByState[types.SandboxWaiting]
	warming = stats.ByState[types.SandboxWarm] + stats.ByState[types.SandboxWarming]
	return active, warming
}

func (r *Registrar) post(ctx context.Context, path string, body any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.CoordinatorURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", r.cfg.InternalSecret)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("coordinator replied %d for %s", resp.StatusCode, path)
	}
	return nil
}
