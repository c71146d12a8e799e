package bridge

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpclear/internal/ledger"
)

// Core is the slice of the clearing core the adapter needs.
type Core interface {
	CreditExternal(account uuid.UUID, amount int64, depositID string) error
	DebitExternal(account uuid.UUID, amount int64) error
}

// Adapter drains raw bridge messages, decodes them and applies them to
// the clearing core. ACK discipline:
//
//   - applied, or rejected as a duplicate: ACK
//   - malformed or deterministically invalid: ACK (redelivery cannot help)
//   - insufficient collateral on a debit: NAK, funds may land before
//     the redelivery budget runs out
type Adapter struct {
	core    Core
	msgChan <-chan RawMessage
	log     zerolog.Logger
}

func NewAdapter(core Core, msgChan <-chan RawMessage, log zerolog.Logger) *Adapter {
	return &Adapter{
		core:    core,
		msgChan: msgChan,
		log:     log.With().Str("component", "bridge_adapter").Logger(),
	}
}

// Run processes bridge messages until the context is cancelled or the
// channel closes.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-a.msgChan:
			if !ok {
				return nil
			}
			a.handle(raw)
		}
	}
}

func (a *Adapter) handle(raw RawMessage) {
	switch raw.Kind {
	case KindCredit:
		a.handleCredit(raw)
	case KindDebit:
		a.handleDebit(raw)
	default:
		a.log.Error().Str("subject", raw.Subject).Msg("unknown bridge message kind")
		raw.Ack()
	}
}

func (a *Adapter) handleCredit(raw RawMessage) {
	in, err := ParseCredit(raw.Data)
	if err != nil {
		a.log.Error().Err(err).Str("subject", raw.Subject).Msg("malformed bridge credit")
		raw.Ack()
		return
	}

	err = a.core.CreditExternal(in.Account, in.Amount, in.DepositID)
	switch {
	case err == nil:
		a.log.Info().Str("deposit_id", in.DepositID).Stringer("account", in.Account).
			Int64("amount", in.Amount).Msg("bridge credit applied")
		raw.Ack()
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		a.log.Debug().Str("deposit_id", in.DepositID).Msg("bridge credit replay suppressed")
		raw.Ack()
	case errors.Is(err, ledger.ErrInvalidAmount):
		a.log.Error().Err(err).Str("deposit_id", in.DepositID).Msg("bridge credit rejected")
		raw.Ack()
	default:
		a.log.Warn().Err(err).Str("deposit_id", in.DepositID).Msg("bridge credit failed, will retry")
		raw.Nak()
	}
}

func (a *Adapter) handleDebit(raw RawMessage) {
	in, err := ParseDebit(raw.Data)
	if err != nil {
		a.log.Error().Err(err).Str("subject", raw.Subject).Msg("malformed bridge debit")
		raw.Ack()
		return
	}

	err = a.core.DebitExternal(in.Account, in.Amount)
	switch {
	case err == nil:
		a.log.Info().Stringer("account", in.Account).Int64("amount", in.Amount).
			Msg("bridge debit applied")
		raw.Ack()
	case errors.Is(err, ledger.ErrInsufficientCollateral):
		a.log.Warn().Err(err).Stringer("account", in.Account).Msg("bridge debit short, will retry")
		raw.Nak()
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrUnknownAccount):
		a.log.Error().Err(err).Stringer("account", in.Account).Msg("bridge debit rejected")
		raw.Ack()
	default:
		a.log.Warn().Err(err).Stringer("account", in.Account).Msg("bridge debit failed, will retry")
		raw.Nak()
	}
}
