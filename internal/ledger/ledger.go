package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config tunes slot production and commitment.
type Config struct {
	// SlotInterval is the time between produced slots.
	SlotInterval time.Duration
	// FinalityDepth is how many blocks must follow a slot before it is final.
	FinalityDepth uint64
	// MaxBlockhashAge is how many slots a blockhash stays usable.
	MaxBlockhashAge uint64
	// MaxPendingTransactions bounds the mempool.
	MaxPendingTransactions int
	// MaxTransactionsPerSlot bounds the work per slot.
	MaxTransactionsPerSlot int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SlotInterval:           time.Second,
		FinalityDepth:          32,
		MaxBlockhashAge:        150,
		MaxPendingTransactions: 4096,
		MaxTransactionsPerSlot: 512,
	}
}

// BlockObserver is notified after a block is committed, in slot order.
type BlockObserver func(ctx context.Context, blk *Block, writes []*Account, statuses []*TxStatus)

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used for slot timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithObserver registers a block observer.
func WithObserver(obs BlockObserver) Option {
	return func(l *Ledger) { l.observers = append(l.observers, obs) }
}

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER
// ══════════════════════════════════════════════════════════════════════════════

// Ledger is the node: it accepts transactions, produces slots and serves reads.
type Ledger struct {
	cfg       Config
	store     Store
	programs  map[identity.PublicKey]Program
	log       *logger.Logger
	now       func() time.Time
	observers []BlockObserver

	produceMu sync.Mutex

	mu         sync.Mutex
	head       *Block
	pending    []*Transaction
	pendingSet map[identity.Signature]struct{}
	recent     map[Hash]uint64
	advanced   chan struct{}
}

// New creates a ledger over store with the given programs deployed.
// Call Open before use.
func New(cfg Config, store Store, log *logger.Logger, programs []Program, opts ...Option) *Ledger {
	if log == nil {
		log = logger.Nop()
	}
	l := &Ledger{
		cfg:        cfg,
		store:      store,
		programs:   make(map[identity.PublicKey]Program, len(programs)),
		log:        log.With(logger.Component("ledger")),
		now:        time.Now,
		pendingSet: make(map[identity.Signature]struct{}),
		recent:     make(map[Hash]uint64),
		advanced:   make(chan struct{}),
	}
	for _, p := range programs {
		l.programs[p.ID()] = p
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open loads the head block, writing genesis into an empty store.
func (l *Ledger) Open(ctx context.Context) error {
	head, err := l.store.Head(ctx)
	if errors.Is(err, shared.ErrBlockNotFound) {
		genesis := &Block{Slot: 0, UnixTimestamp: l.now().Unix()}
		genesis.WritesDigest = DigestWrites(nil)
		genesis.Hash = genesis.ComputeHash()
		if err := l.store.CommitBlock(ctx, genesis, nil, nil); err != nil {
			return fmt.Errorf("commit genesis: %w", err)
		}
		l.log.Info("genesis block created", logger.String("hash", genesis.Hash.String()))
		head = genesis
	} else if err != nil {
		return fmt.Errorf("load head: %w", err)
	}

	recent := map[Hash]uint64{head.Hash: head.Slot}
	for slot := head.Slot; slot > 0 && head.Slot-(slot-1) <= l.cfg.MaxBlockhashAge; slot-- {
		blk, err := l.store.Block(ctx, slot-1)
		if err != nil {
			return fmt.Errorf("load recent block %d: %w", slot-1, err)
		}
		recent[blk.Hash] = blk.Slot
	}

	l.mu.Lock()
	l.head = head
	l.recent = recent
	l.mu.Unlock()

	l.log.Info("ledger opened",
		logger.Slot(head.Slot),
		logger.Int("programs", len(l.programs)),
	)
	return nil
}

// Run produces slots every SlotInterval until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.SlotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := l.ProduceSlot(ctx); err != nil && ctx.Err() == nil {
				l.log.Error("slot production failed", logger.Err(err))
			}
		}
	}
}

// Head returns the newest committed block.
func (l *Ledger) Head() *Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneBlock(l.head)
}

// Config returns the ledger configuration.
func (l *Ledger) Config() Config { return l.cfg }

// LatestBlockhash returns the head hash and the last slot it is valid for.
func (l *Ledger) LatestBlockhash(ctx context.Context) (BlockhashInfo, error) {
	head := l.Head()
	return BlockhashInfo{
		Blockhash:     head.Hash,
		Slot:          head.Slot,
		LastValidSlot: head.Slot + l.cfg.MaxBlockhashAge,
	}, nil
}

// SendTransaction verifies tx and queues it for the next slot.
func (l *Ledger) SendTransaction(ctx context.Context, tx *Transaction) (identity.Signature, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return identity.Signature{}, shared.WrapError("ledger", "Submit", shared.ErrValidation, "malformed transaction", err)
	}
	if len(raw) > MaxTransactionSize {
		return identity.Signature{}, shared.WrapError("ledger", "Submit", shared.ErrValidation, "transaction too large",
			fmt.Errorf("%d bytes exceeds %d", len(raw), MaxTransactionSize))
	}
	if err := tx.Verify(); err != nil {
		return identity.Signature{}, shared.WrapError("ledger", "Submit", shared.ErrValidation, "signature verification failed", err)
	}

	sig := tx.ID()

	l.mu.Lock()
	defer l.mu.Unlock()

	// A signature leaves the pending set only after its block is committed,
	// so checking the set before the store leaves no gap.
	if _, dup := l.pendingSet[sig]; dup {
		return sig, shared.ErrDuplicateTransaction
	}
	if _, err := l.store.TransactionStatus(ctx, sig); err == nil {
		return sig, shared.ErrDuplicateTransaction
	} else if !errors.Is(err, shared.ErrTransactionNotFound) {
		return identity.Signature{}, fmt.Errorf("check duplicate: %w", err)
	}
	if !l.blockhashValidLocked(tx.Message.RecentBlockhash, l.head.Slot+1) {
		return identity.Signature{}, shared.ErrBlockhashNotFound
	}
	if len(l.pending) >= l.cfg.MaxPendingTransactions {
		return identity.Signature{}, shared.ErrMempoolFull
	}

	l.pending = append(l.pending, tx)
	l.pendingSet[sig] = struct{}{}
	l.log.Debug("transaction queued", logger.Signature(sig.String()))
	return sig, nil
}

func (l *Ledger) blockhashValidLocked(h Hash, atSlot uint64) bool {
	slot, ok := l.recent[h]
	return ok && atSlot-slot <= l.cfg.MaxBlockhashAge
}

// IsPending reports whether sig is queued but not yet executed.
func (l *Ledger) IsPending(sig identity.Signature) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pendingSet[sig]
	return ok
}

// ProduceSlot executes up to MaxTransactionsPerSlot pending transactions and
// commits the resulting block. On a storage fault nothing is committed and
// the transactions stay queued.
func (l *Ledger) ProduceSlot(ctx context.Context) (*Block, error) {
	l.produceMu.Lock()
	defer l.produceMu.Unlock()

	l.mu.Lock()
	parent := l.head
	n := len(l.pending)
	if n > l.cfg.MaxTransactionsPerSlot {
		n = l.cfg.MaxTransactionsPerSlot
	}
	batch := append([]*Transaction(nil), l.pending[:n]...)
	l.mu.Unlock()

	slot := parent.Slot + 1
	clock := Clock{Slot: slot, UnixTimestamp: l.now().Unix()}
	state := newSlotState(l.store, parent.Slot)

	entries := make([]Entry, 0, len(batch))
	statuses := make([]*TxStatus, 0, len(batch))
	for i, tx := range batch {
		st := &TxStatus{
			Signature:     tx.ID(),
			FeePayer:      tx.Message.FeePayer,
			Slot:          slot,
			Index:         i,
			UnixTimestamp: clock.UnixTimestamp,
			Instructions:  tx.Message.Instructions,
		}

		l.mu.Lock()
		fresh := l.blockhashValidLocked(tx.Message.RecentBlockhash, slot)
		l.mu.Unlock()

		if !fresh {
			st.Err = newTxError(0, ErrBlockhashExpired)
			st.Logs = []string{}
		} else {
			logs, txErr, fault := execute(ctx, state, l.programs, tx, clock)
			if fault != nil {
				return nil, fmt.Errorf("execute %s: %w", tx.ID(), fault)
			}
			st.Logs = logs
			st.Err = txErr
		}
		statuses = append(statuses, st)
		entries = append(entries, Entry{Signature: st.Signature, Failed: st.Err != nil})
	}

	writes := state.accounts(slot)
	blk := &Block{
		Slot:          slot,
		ParentHash:    parent.Hash,
		UnixTimestamp: clock.UnixTimestamp,
		Entries:       entries,
		WritesDigest:  DigestWrites(writes),
	}
	blk.Hash = blk.ComputeHash()

	if err := l.store.CommitBlock(ctx, blk, writes, statuses); err != nil {
		return nil, fmt.Errorf("commit slot %d: %w", slot, err)
	}

	l.mu.Lock()
	l.head = blk
	l.pending = l.pending[n:]
	for _, tx := range batch {
		delete(l.pendingSet, tx.ID())
	}
	l.recent[blk.Hash] = slot
	for h, s := range l.recent {
		if slot-s > l.cfg.MaxBlockhashAge {
			delete(l.recent, h)
		}
	}
	close(l.advanced)
	l.advanced = make(chan struct{})
	l.mu.Unlock()

	if len(batch) > 0 {
		l.log.Info("block committed",
			logger.Slot(slot),
			logger.Int("transactions", len(batch)),
			logger.Int("writes", len(writes)),
		)
	}
	for _, obs := range l.observers {
		obs(ctx, cloneBlock(blk), writes, statuses)
	}
	return cloneBlock(blk), nil
}

// SignatureStatus returns the recorded status of sig with its current
// confirmation level.
func (l *Ledger) SignatureStatus(ctx context.Context, sig identity.Signature) (*TxStatus, error) {
	st, err := l.store.TransactionStatus(ctx, sig)
	if err != nil {
		return nil, err
	}
	st.Confirmation = l.confirmationOf(st.Slot)
	return st, nil
}

func (l *Ledger) confirmationOf(slot uint64) Commitment {
	head := l.Head()
	if head.Slot >= slot+l.cfg.FinalityDepth {
		return CommitmentFinalized
	}
	return CommitmentConfirmed
}

// ConfirmTransaction blocks until sig reaches commitment or ctx ends. A
// transaction that failed during execution is returned with its status; the
// caller inspects status.Err.
func (l *Ledger) ConfirmTransaction(ctx context.Context, sig identity.Signature, commitment Commitment) (*TxStatus, error) {
	for {
		l.mu.Lock()
		wait := l.advanced
		_, pending := l.pendingSet[sig]
		l.mu.Unlock()

		st, err := l.SignatureStatus(ctx, sig)
		switch {
		case err == nil && st.Confirmation.Satisfies(commitment):
			return st, nil
		case err != nil && !errors.Is(err, shared.ErrTransactionNotFound):
			return nil, err
		case err != nil && !pending:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Account reads addr at the given commitment.
func (l *Ledger) Account(ctx context.Context, addr identity.PublicKey, commitment Commitment) (*Account, error) {
	head := l.Head()
	maxSlot := head.Slot
	if commitment == CommitmentFinalized {
		if head.Slot < l.cfg.FinalityDepth {
			maxSlot = 0
		} else {
			maxSlot = head.Slot - l.cfg.FinalityDepth
		}
	}
	return l.store.Account(ctx, addr, maxSlot)
}

// Block returns the block at slot.
func (l *Ledger) Block(ctx context.Context, slot uint64) (*Block, error) {
	return l.store.Block(ctx, slot)
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }
