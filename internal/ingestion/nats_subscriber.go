package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to JetStream subjects and forwards raw messages
// to the shell, which parses them before they reach the core.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is an untyped message from NATS awaiting parse and validation.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK once the typed event is queued for the core
	NakFunc   func() // NAK for redelivery
}

// SubjectConfig maps a NATS subject to an event type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the inbound subject layout. Each event type has its
// own durable consumer so a slow stream does not hold back the others.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "margin.trades.>", EventType: "TradeSubmitted", ConsumerName: "ledger-trades", StreamName: "MARGIN_TRADES"},
		{Subject: "margin.prices.>", EventType: "PriceUpdate", ConsumerName: "ledger-prices", StreamName: "MARGIN_PRICES"},
		{Subject: "margin.deposits.>", EventType: "DepositConfirmed", ConsumerName: "ledger-deposits", StreamName: "MARGIN_CUSTODY"},
		{Subject: "margin.insurance.>", EventType: "InsuranceFunded", ConsumerName: "ledger-insurance", StreamName: "MARGIN_CUSTODY"},
		{Subject: "margin.withdrawals.>", EventType: "WithdrawalRequested", ConsumerName: "ledger-withdrawals", StreamName: "MARGIN_CUSTODY"},
		{Subject: "margin.closeouts.>", EventType: "CloseOutRequested", ConsumerName: "ledger-closeouts", StreamName: "MARGIN_CUSTODY"},
		{Subject: "margin.liquidations.>", EventType: "LiquidationRequested", ConsumerName: "ledger-liquidations", StreamName: "MARGIN_LIQUIDATIONS"},
		{Subject: "margin.stakes.>", EventType: "StakeUpdate", ConsumerName: "ledger-stakes", StreamName: "MARGIN_STAKES"},
		{Subject: "margin.admin.settings.>", EventType: "MarginSettingsUpdated", ConsumerName: "ledger-admin-settings", StreamName: "MARGIN_ADMIN"},
		{Subject: "margin.admin.risks.>", EventType: "AssetRisksUpdated", ConsumerName: "ledger-admin-risks", StreamName: "MARGIN_ADMIN"},
		{Subject: "margin.admin.pairs.>", EventType: "PairRulesUpdated", ConsumerName: "ledger-admin-pairs", StreamName: "MARGIN_ADMIN"},
	}
}

// SubjectResolver maps concrete subjects to event types by longest prefix.
type SubjectResolver struct {
	prefixes map[string]string
}

// NewSubjectResolver builds a resolver from subject configs. Trailing ".>"
// wildcards are stripped for prefix matching.
func NewSubjectResolver(subjects []SubjectConfig) *SubjectResolver {
	r := &SubjectResolver{prefixes: make(map[string]string, len(subjects))}
	for _, cfg := range subjects {
		r.prefixes[strings.TrimSuffix(cfg.Subject, ".>")] = cfg.EventType
	}
	return r
}

// Resolve returns the event type for subject, or "" when nothing matches.
func (r *SubjectResolver) Resolve(subject string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range r.prefixes {
		if !strings.HasPrefix(subject, prefix) {
			continue
		}
		// "margin.trades" must not match "margin.tradesx.1"
		if len(subject) > len(prefix) && subject[len(prefix)] != '.' {
			continue
		}
		if len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestType = evtType
		}
	}
	return bestType
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// InboundStreams returns the JetStream streams backing DefaultSubjects.
func InboundStreams() []jetstream.StreamConfig {
	stream := func(name string, subjects ...string) jetstream.StreamConfig {
		return jetstream.StreamConfig{
			Name:      name,
			Subjects:  subjects,
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		}
	}
	return []jetstream.StreamConfig{
		stream("MARGIN_TRADES", "margin.trades.>"),
		stream("MARGIN_PRICES", "margin.prices.>"),
		stream("MARGIN_CUSTODY",
			"margin.deposits.>",
			"margin.insurance.>",
			"margin.withdrawals.>",
			"margin.closeouts.>",
		),
		stream("MARGIN_LIQUIDATIONS", "margin.liquidations.>"),
		stream("MARGIN_STAKES", "margin.stakes.>"),
		stream("MARGIN_ADMIN", "margin.admin.>"),
	}
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	for _, cfg := range InboundStreams() {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("marginledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
