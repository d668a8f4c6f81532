package ledgerclient_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/internal/ledger/tutorprogram"
	"github.com/tutorhub/tutor-ledger/internal/ledgerclient"
)

// flakyNode wraps a ledger and can drop submissions, lose their
// acknowledgement, stall confirmations or hold account reads.
type flakyNode struct {
	*ledger.Ledger
	drop    atomic.Bool
	lostAck atomic.Bool
	stall   atomic.Bool
	block   chan struct{}
	sends   atomic.Int32
	blocked atomic.Int32
	// rejectWith is returned from SendTransaction without forwarding.
	rejectWith error

	readGate    chan struct{}
	readsHeld   atomic.Int32
	accountHits atomic.Int32
}

func (n *flakyNode) SendTransaction(ctx context.Context, tx *ledger.Transaction) (identity.Signature, error) {
	n.sends.Add(1)
	if n.rejectWith != nil {
		return identity.Signature{}, n.rejectWith
	}
	if n.drop.Load() {
		return tx.ID(), nil
	}
	sig, err := n.Ledger.SendTransaction(ctx, tx)
	if err == nil && n.lostAck.Load() {
		return identity.Signature{}, context.DeadlineExceeded
	}
	return sig, err
}

func (n *flakyNode) Account(ctx context.Context, addr identity.PublicKey, c ledger.Commitment) (*ledger.Account, error) {
	n.accountHits.Add(1)
	if n.readGate != nil {
		n.readsHeld.Add(1)
		select {
		case <-n.readGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return n.Ledger.Account(ctx, addr, c)
}

func (n *flakyNode) ConfirmTransaction(ctx context.Context, sig identity.Signature, c ledger.Commitment) (*ledger.TxStatus, error) {
	if n.block != nil {
		n.blocked.Add(1)
		select {
		case <-n.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n.stall.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return n.Ledger.ConfirmTransaction(ctx, sig, c)
}

func startNode(t *testing.T, blockhashAge uint64) *flakyNode {
	t.Helper()
	cfg := ledger.DefaultConfig()
	cfg.SlotInterval = 5 * time.Millisecond
	cfg.MaxBlockhashAge = blockhashAge

	programID := identity.MustParsePublicKey(tutorprogram.DefaultProgramID)
	l := ledger.New(cfg, ledger.NewMemStore(), nil, []ledger.Program{tutorprogram.New(programID)})
	require.NoError(t, l.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return &flakyNode{Ledger: l}
}

func newClient(node ledgerclient.Node, confirmTimeout time.Duration) *ledgerclient.Client {
	cfg := ledgerclient.DefaultConfig()
	cfg.ConfirmTimeout = confirmTimeout
	return ledgerclient.New(node, cfg, nil)
}

func keypair(t *testing.T, b byte) *identity.Keypair {
	t.Helper()
	kp, err := identity.KeypairFromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return kp
}

func hashOf(b byte) progress.MilestoneHash {
	var h progress.MilestoneHash
	for i := range h {
		h[i] = b
	}
	return h
}

func TestClient_CreateAdvanceRead(t *testing.T) {
	node := startNode(t, 150)
	c := newClient(node, 5*time.Second)
	ctx := context.Background()
	a := keypair(t, 1)

	rec, found, err := c.Read(ctx, a.PublicKey())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, rec)

	receipt, err := c.SubmitCreate(ctx, a, "Mathematics")
	require.NoError(t, err)
	addr, err := c.DeriveAddress(a.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, addr, receipt.Address)
	assert.NotZero(t, receipt.Slot)

	rec, found, err = c.Read(ctx, a.PublicKey())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint8(1), rec.Level)
	assert.Equal(t, "Mathematics", rec.Subject)

	_, err = c.SubmitAdvance(ctx, a, 5, hashOf(1))
	require.NoError(t, err)

	rec, _, err = c.Read(ctx, a.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint8(5), rec.Level)
	assert.Equal(t, hashOf(1), rec.MilestoneHash)
}

func TestClient_SubjectValidatedBeforeSubmission(t *testing.T) {
	node := startNode(t, 150)
	c := newClient(node, time.Second)

	_, err := c.SubmitCreate(context.Background(), keypair(t, 1), strings.Repeat("A", 51))
	assert.ErrorIs(t, err, shared.ErrSubjectTooLong)
	assert.Zero(t, node.sends.Load())
}

func TestClient_ProgramRejectionSurfaces(t *testing.T) {
	node := startNode(t, 150)
	c := newClient(node, 5*time.Second)
	ctx := context.Background()
	a := keypair(t, 1)

	_, err := c.SubmitAdvance(ctx, a, 2, hashOf(1))
	assert.ErrorIs(t, err, ledger.ErrAccountNotInitialized)

	_, err = c.SubmitCreate(ctx, a, "Physics")
	require.NoError(t, err)
	_, err = c.SubmitAdvance(ctx, a, 1, hashOf(1))
	assert.ErrorIs(t, err, shared.ErrLevelNotIncreasing)
	assert.ErrorIs(t, err, tutorprogram.ErrLevelNotIncreasing)
}

func TestClient_OneSubmissionPerIdentity(t *testing.T) {
	node := startNode(t, 150)
	node.block = make(chan struct{})
	c := newClient(node, 5*time.Second)
	a := keypair(t, 1)

	errc := make(chan error, 1)
	go func() {
		_, err := c.SubmitCreate(context.Background(), a, "Art")
		errc <- err
	}()
	require.Eventually(t, func() bool { return node.blocked.Load() == 1 }, time.Second, time.Millisecond)

	_, err := c.SubmitAdvance(context.Background(), a, 2, hashOf(1))
	assert.ErrorIs(t, err, shared.ErrSubmissionInFlight)
	assert.ErrorIs(t, err, shared.ErrInFlight)

	// Another identity is not blocked by a's submission.
	other := make(chan error, 1)
	go func() {
		_, err := c.SubmitCreate(context.Background(), keypair(t, 2), "Music")
		other <- err
	}()

	close(node.block)
	require.NoError(t, <-errc)
	require.NoError(t, <-other)
}

func TestClient_ConfirmationTimeout(t *testing.T) {
	node := startNode(t, 150)
	c := newClient(node, 30*time.Millisecond)
	ctx := context.Background()
	a := keypair(t, 1)
	_, err := c.SubmitCreate(ctx, a, "Geography")
	require.NoError(t, err)

	node.stall.Store(true)
	_, err = c.SubmitAdvance(ctx, a, 2, hashOf(2))
	var timeout *ledgerclient.ConfirmationTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, shared.ErrConfirmationTimeout)
	assert.ErrorIs(t, err, shared.ErrTimeout)
	assert.False(t, timeout.Signature.IsZero())
}

func TestAdvanceSafely_LandedLate(t *testing.T) {
	node := startNode(t, 150)
	c := newClient(node, 30*time.Millisecond)
	ctx := context.Background()
	a := keypair(t, 1)
	_, err := c.SubmitCreate(ctx, a, "Literature")
	require.NoError(t, err)

	// The advance is forwarded but its confirmation is never observed.
	node.stall.Store(true)
	receipt, err := c.AdvanceSafely(ctx, a, 2, hashOf(3))
	require.NoError(t, err)
	assert.False(t, receipt.Signature.IsZero())

	rec, _, err := c.Read(ctx, a.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint8(2), rec.Level)
}

func TestAdvanceSafely_NotApplied(t *testing.T) {
	node := startNode(t, 2)
	c := newClient(node, 50*time.Millisecond)
	ctx := context.Background()
	a := keypair(t, 1)
	_, err := c.SubmitCreate(ctx, a, "Economics")
	require.NoError(t, err)

	node.drop.Store(true)
	node.stall.Store(true)
	_, err = c.AdvanceSafely(ctx, a, 2, hashOf(4))
	assert.ErrorIs(t, err, shared.ErrAdvanceNotApplied)

	rec, _, err := c.Read(ctx, a.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint8(1), rec.Level)
}

func TestAdvanceSafely_OutcomeUnknown(t *testing.T) {
	node := startNode(t, 100_000)
	c := newClient(node, 30*time.Millisecond)
	ctx := context.Background()
	a := keypair(t, 1)
	_, err := c.SubmitCreate(ctx, a, "Chemistry")
	require.NoError(t, err)

	node.drop.Store(true)
	node.stall.Store(true)
	_, err = c.AdvanceSafely(ctx, a, 2, hashOf(5))
	assert.ErrorIs(t, err, shared.ErrAdvanceOutcomeUnknown)
	assert.ErrorIs(t, err, shared.ErrOutcomeUnknown)
}

func TestAdvanceSafely_SendAckLost(t *testing.T) {
	node := startNode(t, 150)
	c := newClient(node, time.Second)
	ctx := context.Background()
	a := keypair(t, 1)
	_, err := c.SubmitCreate(ctx, a, "Astronomy")
	require.NoError(t, err)

	// The node queues the advance but the caller only sees a deadline.
	node.lostAck.Store(true)
	receipt, err := c.AdvanceSafely(ctx, a, 2, hashOf(6))
	if err != nil {
		assert.ErrorIs(t, err, shared.ErrAdvanceOutcomeUnknown)
		assert.NotErrorIs(t, err, shared.ErrAdvanceNotApplied)
	} else {
		assert.False(t, receipt.Signature.IsZero())
	}

	require.Eventually(t, func() bool {
		rec, found, err := c.Read(ctx, a.PublicKey())
		return err == nil && found && rec.Level == 2 && rec.MilestoneHash == hashOf(6)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_SendAckLostIsConfirmationTimeout(t *testing.T) {
	node := startNode(t, 150)
	c := newClient(node, time.Second)
	ctx := context.Background()
	a := keypair(t, 1)
	_, err := c.SubmitCreate(ctx, a, "Botany")
	require.NoError(t, err)

	node.lostAck.Store(true)
	_, err = c.SubmitAdvance(ctx, a, 3, hashOf(7))
	var timeout *ledgerclient.ConfirmationTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.False(t, timeout.Signature.IsZero())
	assert.NotZero(t, timeout.LastValidSlot)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_DefinitiveSendRejectionIsPlain(t *testing.T) {
	node := startNode(t, 150)
	c := newClient(node, time.Second)
	ctx := context.Background()
	a := keypair(t, 1)
	_, err := c.SubmitCreate(ctx, a, "Zoology")
	require.NoError(t, err)

	for _, reject := range []error{shared.ErrMempoolFull, shared.ErrBlockhashNotFound, shared.ErrInvalidTransaction} {
		node.rejectWith = reject
		_, err = c.SubmitAdvance(ctx, a, 2, hashOf(8))
		assert.ErrorIs(t, err, reject)
		var timeout *ledgerclient.ConfirmationTimeoutError
		assert.False(t, errors.As(err, &timeout), "got %v", err)
	}
}

func TestRead_CallerCancelDoesNotFailSharedRead(t *testing.T) {
	node := startNode(t, 150)
	c := newClient(node, 5*time.Second)
	a := keypair(t, 1)
	_, err := c.SubmitCreate(context.Background(), a, "Robotics")
	require.NoError(t, err)

	node.readGate = make(chan struct{})
	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := c.Read(first, a.PublicKey())
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return node.readsHeld.Load() == 1 }, time.Second, time.Millisecond)

	type readResult struct {
		rec   *progress.Record
		found bool
		err   error
	}
	second := make(chan readResult, 1)
	go func() {
		rec, found, err := c.Read(context.Background(), a.PublicKey())
		second <- readResult{rec, found, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(node.readGate)
	res := <-second
	require.NoError(t, res.err)
	require.True(t, res.found)
	assert.Equal(t, uint8(1), res.rec.Level)
	assert.Equal(t, int32(1), node.readsHeld.Load())
}

func TestRead_ConcurrentCallersAgree(t *testing.T) {
	node := startNode(t, 150)
	c := newClient(node, 5*time.Second)
	a := keypair(t, 1)
	_, err := c.SubmitCreate(context.Background(), a, "Biology")
	require.NoError(t, err)

	var wg sync.WaitGroup
	levels := make([]uint8, 8)
	for i := range levels {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, found, err := c.Read(context.Background(), a.PublicKey())
			if err == nil && found {
				levels[i] = rec.Level
				rec.Level = 99
			}
		}(i)
	}
	wg.Wait()
	for _, l := range levels {
		assert.Equal(t, uint8(1), l)
	}

	// Mutating a returned record does not leak into later reads.
	rec, _, err := c.Read(context.Background(), a.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint8(1), rec.Level)
}
