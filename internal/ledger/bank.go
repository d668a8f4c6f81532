package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// slotState is the working set of a slot being produced: committed state as
// of the parent slot plus writes of earlier transactions in this slot.
type slotState struct {
	store   Store
	maxSlot uint64
	writes  map[identity.PublicKey]*Account
}

func newSlotState(store Store, parentSlot uint64) *slotState {
	return &slotState{store: store, maxSlot: parentSlot, writes: make(map[identity.PublicKey]*Account)}
}

func (s *slotState) load(ctx context.Context, addr identity.PublicKey) (*Account, bool, error) {
	if acc, ok := s.writes[addr]; ok {
		return acc.Clone(), true, nil
	}
	acc, err := s.store.Account(ctx, addr, s.maxSlot)
	if errors.Is(err, shared.ErrAccountNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load account %s: %w", addr, err)
	}
	return acc, true, nil
}

// accounts returns the slot's writes ordered by address.
func (s *slotState) accounts(slot uint64) []*Account {
	out := make([]*Account, 0, len(s.writes))
	for _, acc := range s.writes {
		c := acc.Clone()
		c.Slot = slot
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// txOverlay buffers one transaction's writes so a failure discards all of them.
type txOverlay struct {
	base   *slotState
	writes map[identity.PublicKey]*Account
}

func (o *txOverlay) load(ctx context.Context, addr identity.PublicKey) (*Account, bool, error) {
	if acc, ok := o.writes[addr]; ok {
		return acc.Clone(), true, nil
	}
	return o.base.load(ctx, addr)
}

func (o *txOverlay) put(acc *Account) {
	o.writes[acc.Address] = acc.Clone()
}

func (o *txOverlay) commit() {
	for addr, acc := range o.writes {
		o.base.writes[addr] = acc
	}
}

// execute runs every instruction of tx. A program failure yields a TxError
// and no writes; a storage fault is returned separately and aborts the slot.
func execute(ctx context.Context, state *slotState, programs map[identity.PublicKey]Program, tx *Transaction, clock Clock) (logs []string, txErr *TxError, fault error) {
	overlay := &txOverlay{base: state, writes: make(map[identity.PublicKey]*Account)}
	logs = []string{}

	for i, ix := range tx.Message.Instructions {
		prog, ok := programs[ix.ProgramID]
		if !ok {
			return logs, newTxError(i, ErrUnknownProgram), nil
		}
		logs = append(logs, fmt.Sprintf("Program %s invoke", ix.ProgramID))

		ic := &InvocationContext{
			ctx:       ctx,
			overlay:   overlay,
			programID: ix.ProgramID,
			metas:     ix.Accounts,
			clock:     clock,
			logs:      &logs,
		}
		err := prog.Process(ic, ix)
		if f := ic.faultOf(); f != nil {
			return logs, nil, f
		}
		if err != nil {
			logs = append(logs, fmt.Sprintf("Program %s failed: %v", ix.ProgramID, err))
			return logs, newTxError(i, err), nil
		}
		logs = append(logs, fmt.Sprintf("Program %s success", ix.ProgramID))
	}

	overlay.commit()
	return logs, nil, nil
}
