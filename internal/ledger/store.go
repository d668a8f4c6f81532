package ledger

import (
	"context"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
)

// Store persists blocks, account versions and transaction statuses.
// Implementations must make CommitBlock atomic.
type Store interface {
	// Head returns the newest block, or shared.ErrBlockNotFound when empty.
	Head(ctx context.Context) (*Block, error)
	// Block returns the block at slot, or shared.ErrBlockNotFound.
	Block(ctx context.Context, slot uint64) (*Block, error)
	// Account returns the newest version of addr written at or before
	// maxSlot, or shared.ErrAccountNotFound.
	Account(ctx context.Context, addr identity.PublicKey, maxSlot uint64) (*Account, error)
	// AccountWrites returns the account versions written in slot.
	AccountWrites(ctx context.Context, slot uint64) ([]*Account, error)
	// TransactionStatus returns the status of sig, or shared.ErrTransactionNotFound.
	TransactionStatus(ctx context.Context, sig identity.Signature) (*TxStatus, error)
	// CommitBlock stores a block with its writes and statuses. The slot must
	// directly follow the current head.
	CommitBlock(ctx context.Context, blk *Block, writes []*Account, statuses []*TxStatus) error
}
