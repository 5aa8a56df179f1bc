package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundSubjectPrefix is the root of all published ledger events.
const OutboundSubjectPrefix = "margin.ledger.events"

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. Subjects follow margin.ledger.events.{event_type}[.{account}].
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	log       zerolog.Logger
}

// PublishableEvent is a committed event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Account        *string         `json:"account,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Subject returns the NATS subject evt is published on.
func (evt PublishableEvent) Subject() string {
	subject := fmt.Sprintf("%s.%s", OutboundSubjectPrefix, evt.EventType)
	if evt.Account != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.Account)
	}
	return subject
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run publishes until ctx is done or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly.
				op.log.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Msg ID lets JetStream drop duplicates if the same sequence is replayed.
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("seq-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "MARGIN_LEDGER_EVENTS",
		Subjects:   []string{OutboundSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "MARGIN_LEDGER_EVENTS").Msg("ensured outbound stream")
	return nil
}
