package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

func wallet(t *testing.T, b byte) identity.PublicKey {
	t.Helper()
	seed := make([]byte, 32)
	seed[0] = b
	kp, err := identity.KeypairFromSeed(seed)
	require.NoError(t, err)
	return kp.PublicKey()
}

func TestProgressCache_PutGetInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewProgressCache(8, time.Minute)
	owner := wallet(t, 1)

	_, hit, err := c.Get(ctx, owner)
	require.NoError(t, err)
	assert.False(t, hit)

	rec, err := progress.NewRecord(owner, "Mathematics", 100)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, rec))

	got, hit, err := c.Get(ctx, owner)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, rec, got)

	got.Level = 9
	again, _, _ := c.Get(ctx, owner)
	assert.Equal(t, uint8(1), again.Level, "cached snapshot must not alias callers")

	require.NoError(t, c.Invalidate(ctx, owner))
	_, hit, _ = c.Get(ctx, owner)
	assert.False(t, hit)
}

func TestProgressCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewProgressCache(1, 0)
	a, b := wallet(t, 1), wallet(t, 2)

	ra, _ := progress.NewRecord(a, "a", 1)
	rb, _ := progress.NewRecord(b, "b", 1)
	require.NoError(t, c.Put(ctx, ra))
	require.NoError(t, c.Put(ctx, rb))

	_, hit, _ := c.Get(ctx, a)
	assert.False(t, hit)
	_, hit, _ = c.Get(ctx, b)
	assert.True(t, hit)
}

func TestChallengeStore_SingleUseAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewChallengeStore(16, func() time.Time { return now })
	w := wallet(t, 3)

	require.NoError(t, s.Save(ctx, "n1", w, time.Minute))
	got, err := s.Consume(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, w, got)

	_, err = s.Consume(ctx, "n1")
	assert.ErrorIs(t, err, shared.ErrChallengeNotFound)

	require.NoError(t, s.Save(ctx, "n2", w, time.Minute))
	now = now.Add(2 * time.Minute)
	_, err = s.Consume(ctx, "n2")
	assert.ErrorIs(t, err, shared.ErrChallengeNotFound)
}

func TestLocker_ExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	l := NewLocker()

	release, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, shared.ErrBadgeIssueInFlight)

	_, err = l.Acquire(ctx, "other", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.NoError(t, err)
}

func TestLocker_StaleReleaseKeepsNewHolder(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(0, 0)
	l := NewLocker()
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, shared.ErrBadgeIssueInFlight)
}

func TestAchievementRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewAchievementRepository()
	owner := wallet(t, 4)
	now := time.Unix(1_700_000_000, 0).UTC()

	_, err := repo.Get(ctx, owner, 1)
	assert.ErrorIs(t, err, shared.ErrBadgeNotFound)

	first := badge.NewAchievement(owner, 1, "Intro", "sig", now)
	require.NoError(t, repo.Save(ctx, first))

	retry := badge.NewAchievement(owner, 1, "Intro", "sig", now.Add(time.Second))
	retry.MarkFailed(&badge.MintError{Category: badge.FailureTimeout, Err: errors.New("slow")}, now.Add(time.Second))
	require.NoError(t, repo.Save(ctx, retry))

	got, err := repo.Get(ctx, owner, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID, "upsert keeps the original id")
	assert.Equal(t, badge.StatusFailed, got.Status)

	cancelled := badge.NewAchievement(owner, 2, "Next", "sig2", now)
	cancelled.MarkFailed(&badge.MintError{Category: badge.FailureCancelled}, now)
	require.NoError(t, repo.Save(ctx, cancelled))

	list, err := repo.ListByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].LessonID)

	retryable, err := repo.ListRetryable(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, 1, retryable[0].LessonID)

	retryable, err = repo.ListRetryable(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)
}
