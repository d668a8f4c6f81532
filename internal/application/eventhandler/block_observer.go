package eventhandler

import (
	"context"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// BLOCK OBSERVER
// Turns committed blocks into domain events: one BlockCommitted per slot and
// one progress event per record the progress program wrote in it.
// ═══════════════════════════════════════════════════════════════════════════

// NewBlockObserver returns a ledger.BlockObserver publishing to publisher.
func NewBlockObserver(publisher shared.EventPublisher, programID identity.PublicKey, log *logger.Logger) ledger.BlockObserver {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(logger.Component("block_observer"))

	return func(_ context.Context, blk *ledger.Block, writes []*ledger.Account, _ []*ledger.TxStatus) {
		failed := 0
		for _, e := range blk.Entries {
			if e.Failed {
				failed++
			}
		}
		written := make([]string, 0, len(writes))
		for _, acc := range writes {
			written = append(written, acc.Address.String())
		}

		publish := func(event shared.Event) {
			if err := publisher.Publish(event); err != nil {
				log.Warn("failed to publish ledger event",
					logger.String("event_type", string(event.EventType())),
					logger.Slot(blk.Slot),
					logger.Err(err),
				)
			}
		}

		publish(shared.NewBlockCommittedEvent(blk.Slot, blk.Hash.String(), len(blk.Entries), failed, written))

		for _, acc := range writes {
			if acc.Owner != programID {
				continue
			}
			rec, err := progress.UnmarshalAccount(acc.Data)
			if err != nil {
				log.Warn("program account is not a progress record",
					logger.Address(acc.Address.String()),
					logger.Err(err),
				)
				continue
			}
			created := rec.Level == progress.InitialLevel && rec.MilestoneHash.IsZero()
			publish(shared.NewProgressChangedEvent(rec.Owner.String(), acc.Address.String(), rec.Level, blk.Slot, created))
		}
	}
}
