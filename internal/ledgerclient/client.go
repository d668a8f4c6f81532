// Package ledgerclient derives progress record addresses, submits signed
// create and advance transitions to a ledger node, and reads records back.
package ledgerclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/internal/ledger/tutorprogram"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
	"github.com/tutorhub/tutor-ledger/pkg/retry"
)

// Node is the ledger API the client needs. *ledger.Ledger implements it
// in-process and noderpc.Client implements it over HTTP.
type Node interface {
	LatestBlockhash(ctx context.Context) (ledger.BlockhashInfo, error)
	SendTransaction(ctx context.Context, tx *ledger.Transaction) (identity.Signature, error)
	SignatureStatus(ctx context.Context, sig identity.Signature) (*ledger.TxStatus, error)
	ConfirmTransaction(ctx context.Context, sig identity.Signature, commitment ledger.Commitment) (*ledger.TxStatus, error)
	Account(ctx context.Context, addr identity.PublicKey, commitment ledger.Commitment) (*ledger.Account, error)
}

// Config configures a Client.
type Config struct {
	ProgramID identity.PublicKey
	// Commitment is used both for reads and for waiting on submissions.
	Commitment     ledger.Commitment
	ConfirmTimeout time.Duration
	// ReadTimeout bounds one shared record read.
	ReadTimeout time.Duration
	// MaxConcurrentSubmissions bounds submissions across all identities.
	MaxConcurrentSubmissions int64
}

// DefaultConfig returns defaults for the default program deployment.
func DefaultConfig() Config {
	return Config{
		ProgramID:                identity.MustParsePublicKey(tutorprogram.DefaultProgramID),
		Commitment:               ledger.CommitmentConfirmed,
		ConfirmTimeout:           30 * time.Second,
		ReadTimeout:              10 * time.Second,
		MaxConcurrentSubmissions: 64,
	}
}

// Receipt identifies a confirmed transition.
type Receipt struct {
	Signature    identity.Signature `json:"signature"`
	Address      identity.PublicKey `json:"address"`
	Slot         uint64             `json:"slot"`
	Confirmation ledger.Commitment  `json:"confirmation"`
}

// ConfirmationTimeoutError reports a submitted transition whose outcome was
// not observed in time. It may still land until LastValidSlot.
type ConfirmationTimeoutError struct {
	Signature     identity.Signature
	Address       identity.PublicKey
	LastValidSlot uint64
	Cause         error
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("transaction %s not confirmed (valid until slot %d): %v", e.Signature, e.LastValidSlot, e.Cause)
}

func (e *ConfirmationTimeoutError) Unwrap() []error {
	return []error{shared.ErrConfirmationTimeout, e.Cause}
}

// Client talks to one program deployment through a Node.
type Client struct {
	node    Node
	cfg     Config
	log     *logger.Logger
	retrier *retry.Retrier

	reads singleflight.Group
	slots *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[identity.PublicKey]struct{}
}

// New creates a client.
func New(node Node, cfg Config, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = ledger.CommitmentConfirmed
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrentSubmissions <= 0 {
		cfg.MaxConcurrentSubmissions = 64
	}
	log = log.With(logger.Component("ledger_client"))
	return &Client{
		node: node,
		cfg:  cfg,
		log:  log,
		retrier: retry.LedgerRPCRetrier(retry.WithObserver(func(attempt int, err error, wait time.Duration) {
			log.Debug("retrying node read", logger.Int("attempt", attempt), logger.Duration("wait", wait), logger.Err(err))
		})),
		slots:    semaphore.NewWeighted(cfg.MaxConcurrentSubmissions),
		inFlight: make(map[identity.PublicKey]struct{}),
	}
}

// ProgramID returns the program the client targets.
func (c *Client) ProgramID() identity.PublicKey { return c.cfg.ProgramID }

// DeriveAddress returns the record address of owner. Pure.
func (c *Client) DeriveAddress(owner identity.PublicKey) (identity.PublicKey, error) {
	addr, _, err := progress.DeriveAddress(owner, c.cfg.ProgramID)
	return addr, err
}

// SubmitCreate creates owner's record and waits for confirmation.
func (c *Client) SubmitCreate(ctx context.Context, owner *identity.Keypair, subject string) (*Receipt, error) {
	if err := progress.ValidateSubject(subject); err != nil {
		return nil, err
	}
	ix, err := tutorprogram.CreateInstruction(c.cfg.ProgramID, owner.PublicKey(), subject)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, owner, "create", ix)
}

// SubmitAdvance sets owner's level and milestone hash and waits for
// confirmation. After a ConfirmationTimeoutError do not resubmit blindly;
// use AdvanceSafely or re-read first.
func (c *Client) SubmitAdvance(ctx context.Context, owner *identity.Keypair, newLevel uint8, hash progress.MilestoneHash) (*Receipt, error) {
	ix, err := tutorprogram.AdvanceInstruction(c.cfg.ProgramID, owner.PublicKey(), newLevel, hash)
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, owner, "advance", ix)
}

// AdvanceSafely is SubmitAdvance followed, on a confirmation timeout, by
// re-read-then-decide. It returns a receipt when the advance is known to
// have landed, shared.ErrAdvanceNotApplied when it can no longer land, and
// shared.ErrAdvanceOutcomeUnknown otherwise.
func (c *Client) AdvanceSafely(ctx context.Context, owner *identity.Keypair, newLevel uint8, hash progress.MilestoneHash) (*Receipt, error) {
	receipt, err := c.SubmitAdvance(ctx, owner, newLevel, hash)
	var timeout *ConfirmationTimeoutError
	if !errors.As(err, &timeout) {
		return receipt, err
	}
	c.log.Warn("advance confirmation timed out; resolving",
		logger.Signature(timeout.Signature.String()),
		logger.Owner(owner.PublicKey().String()),
	)
	// The caller's context may be what expired; resolution gets its own.
	resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConfirmTimeout)
	defer cancel()
	return c.resolveAdvance(resolveCtx, owner.PublicKey(), timeout, newLevel, hash)
}

func (c *Client) resolveAdvance(ctx context.Context, owner identity.PublicKey, t *ConfirmationTimeoutError, newLevel uint8, hash progress.MilestoneHash) (*Receipt, error) {
	// Head first: statuses are committed with their block, so a signature
	// executed at or before this head is visible to the status read below.
	head, err := c.latestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w: %w", t.Signature, shared.ErrAdvanceOutcomeUnknown, err)
	}

	st, err := c.status(ctx, t.Signature)
	switch {
	case err == nil && st.Succeeded():
		return &Receipt{Signature: t.Signature, Address: t.Address, Slot: st.Slot, Confirmation: st.Confirmation}, nil
	case err == nil:
		return nil, fmt.Errorf("advance transaction %s failed: %w", t.Signature, st.Err)
	case !errors.Is(err, shared.ErrTransactionNotFound):
		return nil, fmt.Errorf("resolve %s: %w: %w", t.Signature, shared.ErrAdvanceOutcomeUnknown, err)
	}

	rec, found, err := c.Read(ctx, owner)
	if err == nil && found && rec.Level == newLevel && rec.MilestoneHash == hash {
		c.log.Info("advance already reflected on ledger", logger.Owner(owner.String()), logger.ProgressLevel(newLevel))
		return &Receipt{Signature: t.Signature, Address: t.Address, Confirmation: c.cfg.Commitment}, nil
	}

	if head.Slot > t.LastValidSlot {
		return nil, fmt.Errorf("advance %s: %w", t.Signature, shared.ErrAdvanceNotApplied)
	}
	return nil, fmt.Errorf("advance %s: %w", t.Signature, shared.ErrAdvanceOutcomeUnknown)
}

// Read fetches owner's record. An absent record is (nil, false, nil).
// Concurrent reads for the same owner share one request.
func (c *Client) Read(ctx context.Context, owner identity.PublicKey) (*progress.Record, bool, error) {
	type result struct {
		rec   *progress.Record
		found bool
	}
	ch := c.reads.DoChan(owner.String(), func() (any, error) {
		// Shared by every waiting caller, so it outlives any one of them.
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReadTimeout)
		defer cancel()
		rec, found, err := c.read(readCtx, owner)
		return result{rec, found}, err
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(result)
		return r.rec.Clone(), r.found, nil
	}
}

func (c *Client) read(ctx context.Context, owner identity.PublicKey) (*progress.Record, bool, error) {
	addr, err := c.DeriveAddress(owner)
	if err != nil {
		return nil, false, err
	}

	var acc *ledger.Account
	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		var opErr error
		acc, opErr = c.node.Account(ctx, addr, c.cfg.Commitment)
		return retryable(opErr)
	})
	if errors.Is(err, shared.ErrAccountNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", addr, err)
	}
	if acc.Owner != c.cfg.ProgramID {
		return nil, false, shared.WrapError("progress", "Fetch", shared.ErrInvalidFormat, "account is not owned by the program",
			fmt.Errorf("owner %s", acc.Owner))
	}
	rec, err := progress.UnmarshalAccount(acc.Data)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (c *Client) submit(ctx context.Context, signer *identity.Keypair, op string, ix ledger.Instruction) (*Receipt, error) {
	owner := signer.PublicKey()
	if !c.acquire(owner) {
		return nil, shared.ErrSubmissionInFlight
	}
	defer c.release(owner)

	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.slots.Release(1)

	addr := ix.Accounts[0].PublicKey
	log := c.log.With(logger.Operation(op), logger.Owner(owner.String()), logger.Address(addr.String()))

	bh, err := c.latestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: latest blockhash: %w", op, err)
	}
	tx := ledger.NewTransaction(owner, bh.Blockhash, ix)
	if err := tx.Sign(signer); err != nil {
		return nil, err
	}

	// Submission is never retried: a resend after an ambiguous failure is
	// exactly the double-apply the caller must avoid.
	start := time.Now()
	sig, err := c.node.SendTransaction(ctx, tx)
	if err != nil {
		if !sendAmbiguous(err) {
			return nil, fmt.Errorf("%s: send: %w", op, err)
		}
		// The node may have queued the transaction before the failure.
		log.Warn("send outcome unknown", logger.Signature(tx.ID().String()), logger.Err(err))
		return nil, &ConfirmationTimeoutError{Signature: tx.ID(), Address: addr, LastValidSlot: bh.LastValidSlot, Cause: err}
	}

	confirmCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	st, err := c.node.ConfirmTransaction(confirmCtx, sig, c.cfg.Commitment)
	if err != nil {
		log.Warn("confirmation not observed", logger.Signature(sig.String()), logger.Err(err))
		return nil, &ConfirmationTimeoutError{Signature: sig, Address: addr, LastValidSlot: bh.LastValidSlot, Cause: err}
	}
	if st.Err != nil {
		log.Info("transition rejected", logger.Signature(sig.String()), logger.Err(st.Err))
		return nil, fmt.Errorf("%s transaction %s failed: %w", op, sig, st.Err)
	}

	log.Info("transition confirmed",
		logger.Signature(sig.String()),
		logger.Slot(st.Slot),
		logger.Latency(time.Since(start)),
	)
	c.reads.Forget(owner.String())
	return &Receipt{Signature: sig, Address: addr, Slot: st.Slot, Confirmation: st.Confirmation}, nil
}

func (c *Client) acquire(owner identity.PublicKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[owner]; busy {
		return false
	}
	c.inFlight[owner] = struct{}{}
	return true
}

func (c *Client) release(owner identity.PublicKey) {
	c.mu.Lock()
	delete(c.inFlight, owner)
	c.mu.Unlock()
}

func (c *Client) latestBlockhash(ctx context.Context) (ledger.BlockhashInfo, error) {
	return retry.DoWithData(ctx, func(ctx context.Context) (ledger.BlockhashInfo, error) {
		info, err := c.node.LatestBlockhash(ctx)
		return info, retryable(err)
	}, retry.WithMaxAttempts(4), retry.WithInitialDelay(200*time.Millisecond))
}

func (c *Client) status(ctx context.Context, sig identity.Signature) (*ledger.TxStatus, error) {
	var st *ledger.TxStatus
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		var opErr error
		st, opErr = c.node.SignatureStatus(ctx, sig)
		return retryable(opErr)
	})
	return st, err
}

// sendAmbiguous reports whether a failed send may still have reached the
// node. Validation, expired blockhash and a full mempool are definitive
// rejections; a duplicate means the transaction is already queued or done.
func sendAmbiguous(err error) bool {
	switch {
	case errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrExpired),
		errors.Is(err, shared.ErrRateLimited):
		return false
	case errors.Is(err, shared.ErrAlreadyProcessed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return true
	}
	return shared.IsExternalService(err)
}

// retryable marks transport failures for the retrier; domain answers such
// as not-found pass through unchanged.
func retryable(err error) error {
	if err != nil && shared.IsExternalService(err) {
		return retry.Retryable(err)
	}
	return err
}
