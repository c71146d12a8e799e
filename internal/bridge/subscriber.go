// Package bridge connects the clearing core to the external collateral
// bridge over NATS JetStream. Inbound credit and debit instructions arrive
// on bridge subjects; applied events flow back out on the events stream.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Kind tags a raw bridge message with the instruction it carries.
type Kind int

const (
	KindCredit Kind = iota
	KindDebit
)

// RawMessage is an unparsed bridge instruction pulled off JetStream,
// ready for the adapter to decode and feed into the clearing core.
type RawMessage struct {
	Kind     Kind
	Subject  string
	Data     []byte
	Received time.Time
	Ack      func()
	Nak      func()
}

// SubjectConfig maps a bridge subject to a durable consumer.
type SubjectConfig struct {
	Subject      string
	Kind         Kind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard bridge subject configuration.
// Credits and debits get independent consumers so a backlog on one
// side never starves the other.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "clear.bridge.credits.>", Kind: KindCredit, ConsumerName: "clear-bridge-credits", StreamName: "CLEAR_BRIDGE"},
		{Subject: "clear.bridge.debits.>", Kind: KindDebit, ConsumerName: "clear-bridge-debits", StreamName: "CLEAR_BRIDGE"},
	}
}

// Subscriber consumes bridge subjects and forwards raw messages to the
// adapter channel.
type Subscriber struct {
	js        jetstream.JetStream
	msgChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewSubscriber(js jetstream.JetStream, msgChan chan<- RawMessage, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		js:      js,
		msgChan: msgChan,
		log:     log.With().Str("component", "bridge_subscriber").Logger(),
	}
}

// Subscribe creates durable JetStream consumers for the configured
// subjects. Consumers use explicit ACK, max_deliver=5, ack_wait=30s, so
// a crashed adapter redelivers rather than losing collateral movements.
func (s *Subscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
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

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Kind:     kind,
				Subject:  msg.Subject(),
				Data:     msg.Data(),
				Received: time.Now(),
				Ack:      func() { msg.Ack() },
				Nak:      func() { msg.Nak() },
			}

			select {
			case s.msgChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		s.consumers = append(s.consumers, consumerContext)
		s.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.log.Info().Msg("bridge subscribers stopped")
}

// EnsureStreams creates the bridge stream if it does not exist.
// Bridge messages are retained for 72h on disk so redeliveries survive
// a full restart.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CLEAR_BRIDGE",
		Subjects:  []string{"clear.bridge.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream CLEAR_BRIDGE: %w", err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
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
