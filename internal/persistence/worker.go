package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"perpclear/internal/clearing"
	"perpclear/internal/event"
	"perpclear/internal/observability"
)

// Worker drains the core's persist channel and batch-writes the event
// log. The core sends on this channel blockingly, so if the worker
// falls behind the core stalls rather than losing events.
type Worker struct {
	writer       *EventLogWriter
	db           *sql.DB
	inputChan    <-chan clearing.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan clearing.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log.With().Str("component", "persistence").Logger(),
	}
}

// Run batches incoming events and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the channel
// closes; a final flush runs on the way out.
func (w *Worker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, w.batchSize)
	depositBatch := make([]DepositRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(eventBatch) > 0 {
				if err := w.flush(context.Background(), eventBatch, depositBatch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				if len(eventBatch) > 0 {
					if err := w.flush(context.Background(), eventBatch, depositBatch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			row, deposit, err := w.toRows(out)
			if err != nil {
				w.log.Error().Err(err).Int64("sequence", out.Envelope.Sequence).
					Msg("unencodable event dropped")
				continue
			}
			eventBatch = append(eventBatch, row)
			if deposit != nil {
				depositBatch = append(depositBatch, *deposit)
			}

			if len(eventBatch) >= w.batchSize {
				w.flushWithRetry(ctx, eventBatch, depositBatch)
				eventBatch = eventBatch[:0]
				depositBatch = depositBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(eventBatch) > 0 {
				w.flushWithRetry(ctx, eventBatch, depositBatch)
				eventBatch = eventBatch[:0]
				depositBatch = depositBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

func (w *Worker) toRows(out clearing.CoreOutput) (EventRow, *DepositRow, error) {
	env := out.Envelope
	payload, err := MarshalPayload(env.Payload)
	if err != nil {
		return EventRow{}, nil, fmt.Errorf("marshal payload seq=%d: %w", env.Sequence, err)
	}

	stateHash := make([]byte, 32)
	prevHash := make([]byte, 32)
	copy(stateHash, env.StateHash[:])
	copy(prevHash, env.PrevHash[:])

	row := EventRow{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Market:    env.Market,
		Payload:   payload,
		StateHash: stateHash,
		PrevHash:  prevHash,
		Timestamp: env.Timestamp,
	}

	var deposit *DepositRow
	if env.EventType == event.TypeExternalCredit {
		if credit, ok := env.Payload.(event.ExternalCredit); ok {
			deposit = &DepositRow{
				DepositID: credit.DepositID,
				Sequence:  env.Sequence,
				Timestamp: env.Timestamp,
			}
		}
	}

	return row, deposit, nil
}

// flushWithRetry retries with exponential backoff until the write
// succeeds or the context is cancelled. The worker never drops a batch;
// on shutdown it makes one last attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, deposits []DepositRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("events", len(events)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), events, deposits); err != nil {
					w.log.Error().Err(err).Msg("flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, events, deposits); err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return
		}
	}
}

func (w *Worker) flush(ctx context.Context, events []EventRow, deposits []DepositRow) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		w.countError("events")
		return err
	}
	if err := w.writer.WriteDepositBatch(ctx, tx, deposits); err != nil {
		w.countError("processed_deposits")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.countError("tx")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistEventsWritten.Add(float64(len(events)))
		w.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}

func (w *Worker) countError(table string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(table).Inc()
	}
}
