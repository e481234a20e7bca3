package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/logging"
)

// usageBatchSize bounds one publish sweep.
const usageBatchSize = 100

// UsagePublisher ships unsynced usage rows to the coordinator over
// JetStream. Rows are marked synced only after a confirmed publish, so a
// crash between the two re-publishes; the consumer collapses duplicates on
// the row id.
type UsagePublisher struct {
	repo     db.Repository
	runnerID string
	interval time.Duration
	nc       *nats.Conn
	js       nats.JetStreamContext
	log      zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewUsagePublisher connects to NATS and ensures the usage stream exists.
func NewUsagePublisher(repo db.Repository, natsURL, runnerID string, interval time.Duration) (*UsagePublisher, error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
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
		Name:     db.UsageStream,
		Subjects: []string{db.UsageSubjectPrefix + ">"},
		MaxAge:   7 * 24 * time.Hour,
	})

	return &UsagePublisher{
		repo:     repo,
		runnerID: runnerID,
		interval: interval,
		nc:       nc,
		js:       js,
		log:      logging.WithComponent("usage_publish"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the publish loop.
func (p *UsagePublisher) Start() {
	go p.loop()
}

// Stop flushes one final sweep and closes the connection.
func (p *UsagePublisher) Stop() {
	close(p.stop)
	<-p.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.sweep(ctx)
	p.nc.Close()
}

func (p *UsagePublisher) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.interval)
			p.sweep(ctx)
			cancel()
		case <-p.stop:
			return
		}
	}
}

func (p *UsagePublisher) sweep(ctx context.Context) {
	events, err := p.repo.UnsyncedUsageEvents(ctx, usageBatchSize)
	if err != nil {
		p.log.Warn().Err(err).Msg("unsynced usage query failed")
		return
	}
	if len(events) == 0 {
		return
	}

	subject := db.UsageSubjectPrefix + p.runnerID
	var shipped []string
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			p.log.Warn().Str("usage_id", ev.ID).Err(err).Msg("usage encode failed")
			continue
		}
		if _, err := p.js.Publish(subject, data); err != nil {
			p.log.Warn().Str("usage_id", ev.ID).Err(err).Msg("usage publish failed")
			break
		}
		shipped = append(shipped, ev.ID)
	}
	if len(shipped) == 0 {
		return
	}
	if err := p.repo.MarkUsageSynced(ctx, shipped); err != nil {
		p.log.Warn().Err(err).Msg("mark usage synced failed")
		return
	}
	p.log.Debug().Int("count", len(shipped)).Msg("usage events shipped")
}
