// Package events fans committed ledger events out to NATS JetStream for
// downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/bitpredict/market-ledger/internal/metrics"
	"github.com/bitpredict/market-ledger/internal/model"
)

const (
	StreamName    = "AMM_LEDGER_EVENTS"
	subjectPrefix = "amm.ledger.events"

	sinkName = "nats"
)

// JetStream is the publishing half of jetstream.JetStream.
type JetStream interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher is a ledger sink. Publish never blocks the ledger: events are
// queued on a buffered channel and dropped with a metric when it is full.
// Run drains the queue to JetStream.
type Publisher struct {
	js    JetStream
	queue chan model.Event
}

// NewPublisher creates a publisher with the given queue depth.
func NewPublisher(js JetStream, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Publisher{
		js:    js,
		queue: make(chan model.Event, buffer),
	}
}

// Subject returns amm.ledger.events.{type}.{marketId}.
func Subject(ev model.Event) string {
	return fmt.Sprintf("%s.%s.%d", subjectPrefix, ev.Type, ev.MarketID)
}

// Publish enqueues ev.
func (p *Publisher) Publish(ev model.Event) {
	select {
	case p.queue <- ev:
	default:
		metrics.EventsDropped.WithLabelValues(sinkName).Inc()
		slog.Warn("nats publisher queue full, dropping event",
			"market_id", ev.MarketID, "sequence", ev.Sequence, "type", ev.Type)
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			if err := p.publish(ctx, ev); err != nil {
				// Non-fatal: consumers can read the event log from the API.
				slog.Warn("outbound publish failed",
					"market_id", ev.MarketID, "sequence", ev.Sequence, "error", err)
				continue
			}
			metrics.EventsPublished.WithLabelValues(sinkName).Inc()
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The event id doubles as the JetStream dedup key, so a retried publish
	// is stored once.
	_, err = p.js.Publish(ctx, Subject(ev), data, jetstream.WithMsgID(ev.ID))
	return err
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	slog.Info("ensured outbound stream", "stream", StreamName)
	return nil
}
