package command

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/catalog"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/domain/tutoring"
	"github.com/tutorhub/tutor-ledger/internal/infrastructure/persistence/memory"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/internal/ledger/tutorprogram"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type fakeStatuses map[identity.Signature]*ledger.TxStatus

func (f fakeStatuses) SignatureStatus(_ context.Context, sig identity.Signature) (*ledger.TxStatus, error) {
	st, ok := f[sig]
	if !ok {
		return nil, shared.ErrTransactionNotFound
	}
	return st, nil
}

type fakeProgress map[identity.PublicKey]*progress.Record

func (f fakeProgress) Read(_ context.Context, owner identity.PublicKey) (*progress.Record, bool, error) {
	rec, ok := f[owner]
	return rec.Clone(), ok, nil
}

type fakeMinter struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (m *fakeMinter) Mint(_ context.Context, recipient identity.PublicKey, meta badge.Metadata) (badge.MintReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return badge.MintReceipt{}, err
		}
	}
	return badge.MintReceipt{MintAddress: "Mint" + meta.Name, Signature: "sig-" + recipient.String()[:6]}, nil
}

type staticPublisher struct{}

func (staticPublisher) Publish(_ context.Context, doc badge.Document) (string, error) {
	return "https://arweave.net/lesson-badge.json", nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []shared.Event
}

func (b *recordingBus) Publish(e shared.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) types() []shared.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []shared.EventType
	for _, e := range b.events {
		out = append(out, e.EventType())
	}
	return out
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Course{
		{ID: "go", Title: "Intro to Go", Lessons: []catalog.Lesson{
			{ID: 1, Title: "Variables", Type: catalog.LessonDocument},
			{ID: 2, Title: "Functions", Type: catalog.LessonVideo},
		}},
		{ID: "chain", Title: "Ledgers", Lessons: []catalog.Lesson{
			{ID: 3, Title: "Consensus", Type: catalog.LessonChat},
		}},
	})
	require.NoError(t, err)
	return cat
}

type issueFixture struct {
	handler  *IssueBadgeHandler
	owner    *identity.Keypair
	sig      identity.Signature
	statuses fakeStatuses
	progress fakeProgress
	minter   *fakeMinter
	repo     *memory.AchievementRepository
	locker   *memory.Locker
	bus      *recordingBus
}

func newIssueFixture(t *testing.T) *issueFixture {
	t.Helper()
	owner, err := identity.GenerateKeypair()
	require.NoError(t, err)

	sig := owner.Sign([]byte("advance"))
	f := &issueFixture{
		owner: owner,
		sig:   sig,
		statuses: fakeStatuses{sig: {
			Signature:    sig,
			FeePayer:     owner.PublicKey(),
			Slot:         9,
			Instructions: []ledger.Instruction{advanceIx(t, owner.PublicKey(), 2)},
			Confirmation: ledger.CommitmentConfirmed,
		}},
		progress: fakeProgress{owner.PublicKey(): {Owner: owner.PublicKey(), Subject: "Go", Level: 2}},
		minter:   &fakeMinter{},
		repo:     memory.NewAchievementRepository(),
		locker:   memory.NewLocker(),
		bus:      &recordingBus{},
	}
	f.handler = NewIssueBadgeHandler(IssueBadgeDeps{
		Statuses:     f.statuses,
		Progress:     f.progress,
		Catalog:      testCatalog(t),
		Achievements: f.repo,
		Locker:       f.locker,
		Publisher:    staticPublisher{},
		Minter:       f.minter,
		Events:       f.bus,
	}, DefaultIssueBadgeHandlerConfig(), nil)
	return f
}

func advanceIx(t *testing.T, owner identity.PublicKey, level uint8) ledger.Instruction {
	t.Helper()
	ix, err := tutorprogram.AdvanceInstruction(identity.MustParsePublicKey(tutorprogram.DefaultProgramID), owner, level, progress.MilestoneHash{7})
	require.NoError(t, err)
	return ix
}

// failingRelease hands out locks whose release always errors.
type failingRelease struct{ *memory.Locker }

func (l failingRelease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if _, err := l.Locker.Acquire(ctx, key, ttl); err != nil {
		return nil, err
	}
	return func(context.Context) error { return errors.New("redis: connection reset") }, nil
}

func (f *issueFixture) cmd() IssueBadgeCommand {
	return IssueBadgeCommand{Owner: f.owner.PublicKey(), LessonID: 1, AdvanceSignature: f.sig}
}

// ══════════════════════════════════════════════════════════════════════════════
// ISSUE BADGE
// ══════════════════════════════════════════════════════════════════════════════

func TestIssueBadge_MintsOnce(t *testing.T) {
	f := newIssueFixture(t)
	ctx := context.Background()

	res, err := f.handler.Handle(ctx, f.cmd())
	require.NoError(t, err)
	assert.Nil(t, res.Advisory)
	assert.False(t, res.AlreadyMinted)
	assert.Equal(t, badge.StatusMinted, res.Achievement.Status)
	assert.Equal(t, "MintLesson 1 Badge", res.Achievement.MintAddress)
	assert.Equal(t, f.sig.String(), res.Achievement.AdvanceSignature)

	again, err := f.handler.Handle(ctx, f.cmd())
	require.NoError(t, err)
	assert.True(t, again.AlreadyMinted)
	assert.Equal(t, 1, f.minter.calls)
	assert.Equal(t, []shared.EventType{shared.EventBadgeMinted}, f.bus.types())
}

func TestIssueBadge_RejectsBadProof(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *issueFixture)
		want   error
	}{
		{
			name:   "unknown transaction",
			mutate: func(f *issueFixture) { delete(f.statuses, f.sig) },
			want:   shared.ErrInvalidBadgeProof,
		},
		{
			name:   "not confirmed",
			mutate: func(f *issueFixture) { f.statuses[f.sig].Confirmation = ledger.CommitmentProcessed },
			want:   shared.ErrInvalidBadgeProof,
		},
		{
			name:   "failed transaction",
			mutate: func(f *issueFixture) { f.statuses[f.sig].Err = &ledger.TxError{Code: 6001, Name: "Unauthorized"} },
			want:   shared.ErrInvalidBadgeProof,
		},
		{
			name: "paid by someone else",
			mutate: func(f *issueFixture) {
				other, _ := identity.GenerateKeypair()
				f.statuses[f.sig].FeePayer = other.PublicKey()
			},
			want: shared.ErrInvalidBadgeProof,
		},
		{
			name: "create transaction instead of advance",
			mutate: func(f *issueFixture) {
				ix, err := tutorprogram.CreateInstruction(identity.MustParsePublicKey(tutorprogram.DefaultProgramID), f.owner.PublicKey(), "Go")
				require.NoError(t, err)
				f.statuses[f.sig].Instructions = []ledger.Instruction{ix}
			},
			want: shared.ErrInvalidBadgeProof,
		},
		{
			name: "advance of another record",
			mutate: func(f *issueFixture) {
				other, _ := identity.GenerateKeypair()
				f.statuses[f.sig].Instructions = []ledger.Instruction{advanceIx(t, other.PublicKey(), 2)}
			},
			want: shared.ErrInvalidBadgeProof,
		},
		{
			name: "advance under another program",
			mutate: func(f *issueFixture) {
				other, _ := identity.GenerateKeypair()
				ix, err := tutorprogram.AdvanceInstruction(other.PublicKey(), f.owner.PublicKey(), 2, progress.MilestoneHash{})
				require.NoError(t, err)
				f.statuses[f.sig].Instructions = []ledger.Instruction{ix}
			},
			want: shared.ErrInvalidBadgeProof,
		},
		{
			name: "advance short of the lesson",
			mutate: func(f *issueFixture) {
				f.statuses[f.sig].Instructions = []ledger.Instruction{advanceIx(t, f.owner.PublicKey(), 1)}
			},
			want: shared.ErrInvalidBadgeProof,
		},
		{
			name:   "level does not cover lesson",
			mutate: func(f *issueFixture) { f.progress[f.owner.PublicKey()].Level = 1 },
			want:   shared.ErrLessonNotCompleted,
		},
		{
			name:   "no record",
			mutate: func(f *issueFixture) { delete(f.progress, f.owner.PublicKey()) },
			want:   shared.ErrLessonNotCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIssueFixture(t)
			tt.mutate(f)

			_, err := f.handler.Handle(context.Background(), f.cmd())
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, f.minter.calls)
		})
	}
}

func TestIssueBadge_ValidationAndCatalog(t *testing.T) {
	f := newIssueFixture(t)

	_, err := f.handler.Handle(context.Background(), IssueBadgeCommand{LessonID: 1, AdvanceSignature: f.sig})
	assert.True(t, shared.IsValidation(err))

	cmd := f.cmd()
	cmd.LessonID = 99
	_, err = f.handler.Handle(context.Background(), cmd)
	assert.ErrorIs(t, err, shared.ErrLessonNotFound)
}

func TestIssueBadge_Disabled(t *testing.T) {
	f := newIssueFixture(t)
	f.handler.deps.Enabled = func(identity.PublicKey) bool { return false }

	_, err := f.handler.Handle(context.Background(), f.cmd())
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

func TestIssueBadge_FailureIsAdvisory(t *testing.T) {
	f := newIssueFixture(t)
	f.minter.errs = []error{&badge.MintError{Category: badge.FailureInsufficientBalance, Err: errors.New("0 lamports")}}

	res, err := f.handler.Handle(context.Background(), f.cmd())
	require.NoError(t, err)
	require.NotNil(t, res.Advisory)
	assert.Equal(t, shared.AdvisoryBadgeInsufficientBalance, res.Advisory.Code)
	assert.Equal(t, badge.StatusFailed, res.Achievement.Status)
	assert.Equal(t, badge.FailureInsufficientBalance, res.Achievement.FailureCategory)
	assert.Equal(t, []shared.EventType{shared.EventBadgeFailed}, f.bus.types())

	stored, err := f.repo.Get(context.Background(), f.owner.PublicKey(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
}

func TestIssueBadge_LockHeld(t *testing.T) {
	f := newIssueFixture(t)
	ctx := context.Background()

	release, err := f.locker.Acquire(ctx, lockKey(f.owner.PublicKey(), 1), DefaultIssueBadgeHandlerConfig().LockTTL)
	require.NoError(t, err)
	defer func() { _ = release(ctx) }()

	_, err = f.handler.Handle(ctx, f.cmd())
	assert.ErrorIs(t, err, shared.ErrBadgeIssueInFlight)
	assert.Zero(t, f.minter.calls)
}

func TestIssueBadge_RetryFailed(t *testing.T) {
	f := newIssueFixture(t)
	ctx := context.Background()
	f.minter.errs = []error{&badge.MintError{Category: badge.FailureTimeout, Err: context.DeadlineExceeded}}

	res, err := f.handler.Handle(ctx, f.cmd())
	require.NoError(t, err)
	require.Equal(t, badge.StatusFailed, res.Achievement.Status)

	report, err := f.handler.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, &RetryReport{Attempted: 1, Minted: 1}, report)

	stored, err := f.repo.Get(ctx, f.owner.PublicKey(), 1)
	require.NoError(t, err)
	assert.Equal(t, badge.StatusMinted, stored.Status)
	assert.Equal(t, 2, stored.Attempts)

	report, err = f.handler.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, &RetryReport{}, report)
}

func TestIssueBadge_LogsFailedLockRelease(t *testing.T) {
	var buf bytes.Buffer
	f := newIssueFixture(t)
	ctx := context.Background()
	f.handler.logger = logger.New(logger.Options{Output: &buf, Level: logger.LevelWarn, Format: logger.FormatJSON})
	f.minter.errs = []error{&badge.MintError{Category: badge.FailureTimeout, Err: context.DeadlineExceeded}}

	f.handler.deps.Locker = failingRelease{memory.NewLocker()}
	res, err := f.handler.Handle(ctx, f.cmd())
	require.NoError(t, err)
	require.Equal(t, badge.StatusFailed, res.Achievement.Status)
	assert.Equal(t, 1, strings.Count(buf.String(), "failed to release issuance lock"))

	f.handler.deps.Locker = failingRelease{memory.NewLocker()}
	report, err := f.handler.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Minted)
	assert.Equal(t, 2, strings.Count(buf.String(), "failed to release issuance lock"))
	assert.Contains(t, buf.String(), "connection reset")
}

func TestIssueBadge_RetrySkipsPermanentFailures(t *testing.T) {
	f := newIssueFixture(t)
	ctx := context.Background()
	f.minter.errs = []error{&badge.MintError{Category: badge.FailureMetadataTooLarge, Err: shared.ErrBadgeMetadataTooBig}}

	_, err := f.handler.Handle(ctx, f.cmd())
	require.NoError(t, err)

	report, err := f.handler.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Equal(t, 1, f.minter.calls)
}

// ══════════════════════════════════════════════════════════════════════════════
// ASK TUTOR
// ══════════════════════════════════════════════════════════════════════════════

type fakeGenerator struct {
	reply string
	err   error
	got   tutoring.Request
}

func (g *fakeGenerator) Generate(_ context.Context, req tutoring.Request) (string, error) {
	g.got = req
	return g.reply, g.err
}

func TestAskTutor_UsesLessonContext(t *testing.T) {
	gen := &fakeGenerator{reply: "A variable names a value."}
	h := NewAskTutorHandler(gen, testCatalog(t), nil)

	res, err := h.Handle(context.Background(), AskTutorCommand{
		Messages: []tutoring.Turn{{Role: tutoring.RoleUser, Content: "What is a variable?"}},
		LessonID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "A variable names a value.", res.Reply)
	assert.Nil(t, res.Advisory)
	assert.Equal(t, "Intro to Go", gen.got.Subject)
	assert.Equal(t, "Variables", gen.got.Topic)
}

func TestAskTutor_FailuresBecomeAdvisories(t *testing.T) {
	tests := []struct {
		err  error
		code shared.AdvisoryCode
	}{
		{shared.ErrMissingCredential, shared.AdvisoryChatMissingCredential},
		{shared.ErrContentBlocked, shared.AdvisoryChatBlocked},
		{shared.ErrUpstreamFailure, shared.AdvisoryChatUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			h := NewAskTutorHandler(&fakeGenerator{err: tt.err}, testCatalog(t), nil)
			res, err := h.Handle(context.Background(), AskTutorCommand{
				Messages: []tutoring.Turn{{Role: tutoring.RoleUser, Content: "hi"}},
			})
			require.NoError(t, err)
			require.NotNil(t, res.Advisory)
			assert.Equal(t, tt.code, res.Advisory.Code)
			assert.Empty(t, res.Reply)
		})
	}
}

func TestAskTutor_RejectsBadInput(t *testing.T) {
	h := NewAskTutorHandler(&fakeGenerator{}, testCatalog(t), nil)

	_, err := h.Handle(context.Background(), AskTutorCommand{})
	assert.ErrorIs(t, err, shared.ErrEmptyConversation)

	_, err = h.Handle(context.Background(), AskTutorCommand{
		Messages: []tutoring.Turn{{Role: tutoring.RoleUser, Content: "hi"}},
		LessonID: 42,
	})
	assert.ErrorIs(t, err, shared.ErrLessonNotFound)
}

func TestAskTutor_Disabled(t *testing.T) {
	gen := &fakeGenerator{reply: "unused"}
	h := NewAskTutorHandler(gen, testCatalog(t), nil)
	h.Enabled = func(identity.PublicKey) bool { return false }

	res, err := h.Handle(context.Background(), AskTutorCommand{
		Messages: []tutoring.Turn{{Role: tutoring.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Advisory)
	assert.Equal(t, shared.AdvisoryChatUnavailable, res.Advisory.Code)
	assert.Empty(t, gen.got.Turns)
}
