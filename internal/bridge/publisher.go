package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"perpclear/internal/clearing"
)

// OutboundPublisher relays applied clearing events to NATS for indexers
// and dashboards. Publishing is best effort: a failed publish is logged
// and dropped, the durable event log in Postgres remains the source of
// truth.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan clearing.CoreOutput
	log       zerolog.Logger
}

// outboundEvent is the JSON wire form of an event envelope. Hashes are
// hex encoded so consumers in any language can verify the chain.
type outboundEvent struct {
	Sequence  int64       `json:"sequence"`
	EventType string      `json:"event_type"`
	Market    *string     `json:"market,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
	StateHash string      `json:"state_hash"`
	PrevHash  string      `json:"prev_hash"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan clearing.CoreOutput, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log.With().Str("component", "bridge_publisher").Logger(),
	}
}

// Run drains the projection channel until the context is cancelled or
// the channel closes.
func (p *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, out); err != nil {
				p.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

// Subjects follow clear.events.{event_type} with the market appended
// for market-scoped events, so consumers can filter server side.
func (p *OutboundPublisher) publish(ctx context.Context, out clearing.CoreOutput) error {
	env := out.Envelope
	wire := outboundEvent{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Market:    env.Market,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
		StateHash: hex.EncodeToString(env.StateHash[:]),
		PrevHash:  hex.EncodeToString(env.PrevHash[:]),
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("clear.events.%s", env.EventType)
	if env.Market != nil {
		subject = fmt.Sprintf("%s.%s", subject, *env.Market)
	}

	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CLEAR_EVENTS",
		Subjects:  []string{"clear.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream CLEAR_EVENTS: %w", err)
	}
	return nil
}
