package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to the ledger event subjects and feeds raw
// messages into the ingestion loop via eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is the untyped message from NATS, ready for the shell to
// parse and validate before it reaches the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig maps NATS subjects to event types.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard ledger stream subject layout.
// Each event type has its own subject for independent scaling.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "ledger.pairs.registered.>", EventType: "PairRegistered", ConsumerName: "matcher-pairs-registered", StreamName: "LEDGER_PAIRS"},
		{Subject: "ledger.pairs.deactivated.>", EventType: "PairDeactivated", ConsumerName: "matcher-pairs-deactivated", StreamName: "LEDGER_PAIRS"},
		{Subject: "ledger.pairs.reactivated.>", EventType: "PairReactivated", ConsumerName: "matcher-pairs-reactivated", StreamName: "LEDGER_PAIRS"},
		{Subject: "ledger.orders.observed.>", EventType: "OrderObserved", ConsumerName: "matcher-orders-observed", StreamName: "LEDGER_ORDERS"},
		{Subject: "ledger.orders.cancelled.>", EventType: "OrderCancelledOnChain", ConsumerName: "matcher-orders-cancelled", StreamName: "LEDGER_ORDERS"},
		{Subject: "ledger.settlements.committed.>", EventType: "SettlementCommitted", ConsumerName: "matcher-settle-committed", StreamName: "LEDGER_SETTLEMENTS"},
		{Subject: "ledger.settlements.rejected.>", EventType: "SettlementRejected", ConsumerName: "matcher-settle-rejected", StreamName: "LEDGER_SETTLEMENTS"},
		{Subject: "ledger.escrow.sync.>", EventType: "EscrowSync", ConsumerName: "matcher-escrow-sync", StreamName: "LEDGER_ESCROW"},
	}
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
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "LEDGER_PAIRS",
			Subjects:  []string{"ledger.pairs.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEDGER_ORDERS",
			Subjects:  []string{"ledger.orders.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEDGER_SETTLEMENTS",
			Subjects:  []string{"ledger.settlements.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEDGER_ESCROW",
			Subjects:  []string{"ledger.escrow.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("stream ensured")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("nats subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream
// context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
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
