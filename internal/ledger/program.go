package ledger

import (
	"context"
	"fmt"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// Program is on-ledger logic addressed by its id. Process must be
// deterministic: same accounts, clock and instruction give the same result.
type Program interface {
	ID() identity.PublicKey
	Name() string
	Process(ic *InvocationContext, ix Instruction) error
}

// Clock is the slot-level time exposed to programs.
type Clock struct {
	Slot          uint64
	UnixTimestamp int64
}

// InvocationContext gives a program access to the accounts of one
// instruction. Writes land in the transaction overlay and are discarded if
// any instruction of the transaction fails.
type InvocationContext struct {
	ctx       context.Context
	overlay   *txOverlay
	programID identity.PublicKey
	metas     []AccountMeta
	clock     Clock
	logs      *[]string
	// fault holds an infrastructure error (storage) that must abort the slot
	// rather than fail the transaction.
	fault error
}

// ProgramID is the id of the executing program.
func (ic *InvocationContext) ProgramID() identity.PublicKey { return ic.programID }

// Clock returns the slot clock.
func (ic *InvocationContext) Clock() Clock { return ic.clock }

// Meta returns the i-th account meta of the instruction.
func (ic *InvocationContext) Meta(i int) (AccountMeta, error) {
	if i < 0 || i >= len(ic.metas) {
		return AccountMeta{}, ErrNotEnoughAccountKeys
	}
	return ic.metas[i], nil
}

// IsSigner reports whether pk signed and is marked as a signer here.
func (ic *InvocationContext) IsSigner(pk identity.PublicKey) bool {
	for _, m := range ic.metas {
		if m.PublicKey == pk && m.IsSigner {
			return true
		}
	}
	return false
}

func (ic *InvocationContext) isWritable(pk identity.PublicKey) bool {
	for _, m := range ic.metas {
		if m.PublicKey == pk && m.IsWritable {
			return true
		}
	}
	return false
}

// Load returns a copy of the account at addr.
func (ic *InvocationContext) Load(addr identity.PublicKey) (*Account, bool, error) {
	acc, ok, err := ic.overlay.load(ic.ctx, addr)
	if err != nil {
		ic.fault = err
		return nil, false, err
	}
	return acc, ok, nil
}

// CreateDerived allocates a zeroed account of space bytes at addr, owned by
// the executing program. addr must be the program address of seeds.
func (ic *InvocationContext) CreateDerived(addr identity.PublicKey, seeds [][]byte, space int) (*Account, error) {
	if !ic.isWritable(addr) {
		return nil, ErrReadonlyAccountModified
	}
	derived, err := identity.CreateProgramAddress(seeds, ic.programID)
	if err != nil || derived != addr {
		return nil, ErrInvalidSeeds
	}
	_, exists, err := ic.Load(addr)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAccountAlreadyInUse
	}
	acc := &Account{Address: addr, Owner: ic.programID, Data: make([]byte, space)}
	ic.overlay.put(acc)
	return acc.Clone(), nil
}

// Store writes acc back. The account must be writable in this instruction,
// owned by the executing program, and keep its allocated size.
func (ic *InvocationContext) Store(acc *Account) error {
	if !ic.isWritable(acc.Address) {
		return ErrReadonlyAccountModified
	}
	current, ok, err := ic.Load(acc.Address)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotInitialized
	}
	if current.Owner != ic.programID {
		return ErrIllegalOwner
	}
	if len(acc.Data) != len(current.Data) {
		return &ProgramError{Code: CodeInvalidAccountData, Name: ErrInvalidAccountData.Name,
			Msg: fmt.Sprintf("account size is fixed at %d bytes", len(current.Data)), Kind: shared.ErrInvalidFormat}
	}
	next := acc.Clone()
	next.Owner = current.Owner
	ic.overlay.put(next)
	return nil
}

// Logf appends a program log line to the transaction status.
func (ic *InvocationContext) Logf(format string, args ...any) {
	*ic.logs = append(*ic.logs, "Program log: "+fmt.Sprintf(format, args...))
}

// faultOf returns the storage fault seen during Process, if any.
func (ic *InvocationContext) faultOf() error {
	return ic.fault
}
