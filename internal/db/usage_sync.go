package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ashrun/ash/pkg/types"
)

const (
	// UsageStream is the JetStream stream runners publish usage events to.
	UsageStream = "ASH_USAGE"
	// UsageSubjectPrefix is followed by the runner id.
	UsageSubjectPrefix = "ash.usage."
	// HeartbeatSubjectPrefix carries runner heartbeats over plain NATS as a
	// secondary channel next to the internal HTTP API.
	HeartbeatSubjectPrefix = "ash.runners.heartbeat."
)

// RunnerHeartbeat is the NATS heartbeat payload.
type RunnerHeartbeat struct {
	RunnerID     string `json:"runner_id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	MaxSandboxes int    `json:"max_sandboxes"`
	ActiveCount  int    `json:"active_count"`
	WarmingCount int    `json:"warming_count"`
}

// UsageConsumer reads usage events from NATS JetStream and writes them to
// the coordinator's repository. Events carry their origin id, so
// redeliveries collapse on the primary key.
type UsageConsumer struct {
	repo Repository
	nc   *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription
	log  zerolog.Logger
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewUsageConsumer connects to NATS and ensures the usage stream exists.
func NewUsageConsumer(repo Repository, natsURL string, log zerolog.Logger) (*UsageConsumer, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, _ = js.AddStream(&nats.StreamConfig{
		Name:     UsageStream,
		Subjects: []string{UsageSubjectPrefix + ">"},
		MaxAge:   7 * 24 * time.Hour,
	})

	return &UsageConsumer{
		repo: repo,
		nc:   nc,
		js:   js,
		log:  log.With().Str("component", "usage_sync").Logger(),
		stop: make(chan struct{}),
	}, nil
}

// Start begins consuming usage events with a durable consumer and runner
// heartbeats over plain NATS.
func (c *UsageConsumer) Start() error {
	sub, err := c.js.Subscribe(UsageSubjectPrefix+">", c.handleUsage,
		nats.Durable("usage-db-sync"),
		nats.AckExplicit(),
		nats.MaxAckPending(256),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.sub = sub
	c.log.Info().Str("subject", UsageSubjectPrefix+">").Msg("subscribed to usage events")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		heartbeatSub, err := c.nc.Subscribe(HeartbeatSubjectPrefix+">", c.handleHeartbeat)
		if err != nil {
			c.log.Error().Err(err).Msg("failed to subscribe to heartbeats")
			return
		}
		defer heartbeatSub.Unsubscribe()
		<-c.stop
	}()

	return nil
}

// Stop stops the consumer.
func (c *UsageConsumer) Stop() {
	close(c.stop)
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.wg.Wait()
	c.nc.Close()
}

func (c *UsageConsumer) handleUsage(msg *nats.Msg) {
	var ev types.UsageEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		c.log.Error().Err(err).Msg("failed to unmarshal usage event")
		msg.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev.Synced = true
	if err := c.repo.InsertUsageEvent(ctx, &ev); err != nil {
		if isUniqueViolation(err) || isDuplicateKey(err) {
			msg.Ack()
			return
		}
		c.log.Error().Err(err).Str("usage_id", ev.ID).Msg("failed to insert usage event")
		msg.Nak()
		return
	}
	msg.Ack()
}

func (c *UsageConsumer) handleHeartbeat(msg *nats.Msg) {
	var hb RunnerHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runner := &types.Runner{
		ID:           hb.RunnerID,
		Host:         hb.Host,
		Port:         hb.Port,
		MaxSandboxes: hb.MaxSandboxes,
		ActiveCount:  hb.ActiveCount,
		WarmingCount: hb.WarmingCount,
	}
	if err := c.repo.UpsertRunner(ctx, runner); err != nil {
		c.log.Error().Err(err).Str("runner_id", hb.RunnerID).Msg("failed to upsert runner")
	}
}
