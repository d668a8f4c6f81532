package ledger

import (
	"context"
	"fmt"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// VerifyChain walks blocks from..to (inclusive) and checks parent links,
// write digests and block hashes. It returns how many blocks passed, so on
// failure from+n is the offending slot.
func VerifyChain(ctx context.Context, store Store, from, to uint64) (uint64, error) {
	var prev *Block
	if from > 0 {
		p, err := store.Block(ctx, from-1)
		if err != nil {
			return 0, fmt.Errorf("load parent of slot %d: %w", from, err)
		}
		prev = p
	}

	var n uint64
	for slot := from; slot <= to; slot++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		blk, err := store.Block(ctx, slot)
		if err != nil {
			return n, fmt.Errorf("load slot %d: %w", slot, err)
		}
		if prev != nil && blk.ParentHash != prev.Hash {
			return n, corrupted(slot, "parent hash mismatch")
		}
		writes, err := store.AccountWrites(ctx, slot)
		if err != nil {
			return n, fmt.Errorf("load writes of slot %d: %w", slot, err)
		}
		if DigestWrites(writes) != blk.WritesDigest {
			return n, corrupted(slot, "writes digest mismatch")
		}
		if blk.ComputeHash() != blk.Hash {
			return n, corrupted(slot, "block hash mismatch")
		}
		prev = blk
		n++
	}
	return n, nil
}

func corrupted(slot uint64, what string) error {
	return shared.WrapError("ledger", "Verify", shared.ErrInvalidState, fmt.Sprintf("slot %d", slot),
		fmt.Errorf("%s: %w", what, shared.ErrChainCorrupted))
}
