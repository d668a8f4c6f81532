package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// MemStore is an in-process Store for tests and single-process demos.
type MemStore struct {
	mu       sync.RWMutex
	blocks   []*Block
	versions map[identity.PublicKey][]*Account
	bySlot   map[uint64][]*Account
	statuses map[identity.Signature]*TxStatus
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		versions: make(map[identity.PublicKey][]*Account),
		bySlot:   make(map[uint64][]*Account),
		statuses: make(map[identity.Signature]*TxStatus),
	}
}

func (s *MemStore) Head(ctx context.Context) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return nil, shared.ErrBlockNotFound
	}
	return cloneBlock(s.blocks[len(s.blocks)-1]), nil
}

func (s *MemStore) Block(ctx context.Context, slot uint64) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if slot >= uint64(len(s.blocks)) {
		return nil, shared.ErrBlockNotFound
	}
	return cloneBlock(s.blocks[slot]), nil
}

func (s *MemStore) Account(ctx context.Context, addr identity.PublicKey, maxSlot uint64) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[addr]
	// First version written after maxSlot; the one before it is visible.
	i := sort.Search(len(versions), func(i int) bool { return versions[i].Slot > maxSlot })
	if i == 0 {
		return nil, shared.ErrAccountNotFound
	}
	return versions[i-1].Clone(), nil
}

func (s *MemStore) AccountWrites(ctx context.Context, slot uint64) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, 0, len(s.bySlot[slot]))
	for _, a := range s.bySlot[slot] {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *MemStore) TransactionStatus(ctx context.Context, sig identity.Signature) (*TxStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[sig]
	if !ok {
		return nil, shared.ErrTransactionNotFound
	}
	c := *st
	c.Logs = append([]string(nil), st.Logs...)
	return &c, nil
}

func (s *MemStore) CommitBlock(ctx context.Context, blk *Block, writes []*Account, statuses []*TxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blk.Slot != uint64(len(s.blocks)) {
		return shared.NewDomainError("ledger", "CommitBlock", shared.ErrConflict,
			fmt.Sprintf("slot %d does not follow head %d", blk.Slot, len(s.blocks)-1))
	}
	s.blocks = append(s.blocks, cloneBlock(blk))
	for _, w := range writes {
		c := w.Clone()
		s.versions[w.Address] = append(s.versions[w.Address], c)
		s.bySlot[blk.Slot] = append(s.bySlot[blk.Slot], c)
	}
	for _, st := range statuses {
		c := *st
		s.statuses[st.Signature] = &c
	}
	return nil
}

func cloneBlock(b *Block) *Block {
	c := *b
	c.Entries = append([]Entry(nil), b.Entries...)
	return &c
}
