package progress

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

func owner(t *testing.T, b byte) identity.PublicKey {
	t.Helper()
	kp, err := identity.KeypairFromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return kp.PublicKey()
}

func TestNewRecord_InitialState(t *testing.T) {
	rec, err := NewRecord(owner(t, 1), "Mathematics", 1_700_000_000)
	require.NoError(t, err)

	assert.Equal(t, InitialLevel, rec.Level)
	assert.True(t, rec.MilestoneHash.IsZero())
	assert.Equal(t, "Mathematics", rec.Subject)
	assert.Equal(t, int64(1_700_000_000), rec.LastUpdated)
	assert.Equal(t, 0, rec.CompletedLessons())
}

func TestValidateSubject_Bounds(t *testing.T) {
	assert.NoError(t, ValidateSubject(""))
	assert.NoError(t, ValidateSubject(strings.Repeat("A", 50)))
	assert.ErrorIs(t, ValidateSubject(strings.Repeat("A", 51)), shared.ErrSubjectTooLong)

	// 25 two-byte runes fit; 26 do not.
	assert.NoError(t, ValidateSubject(strings.Repeat("é", 25)))
	assert.ErrorIs(t, ValidateSubject(strings.Repeat("é", 26)), shared.ErrSubjectTooLong)
}

func TestValidateAdvance(t *testing.T) {
	assert.NoError(t, ValidateAdvance(1, 2))
	assert.ErrorIs(t, ValidateAdvance(5, 5), shared.ErrLevelNotIncreasing)
	assert.ErrorIs(t, ValidateAdvance(5, 4), shared.ErrLevelNotIncreasing)
}

func TestAccountCodec_RoundTrip(t *testing.T) {
	rec := &Record{
		Owner:         owner(t, 2),
		Subject:       "Blockchain Basics",
		Level:         5,
		MilestoneHash: MilestoneHash(bytes.Repeat([]byte{1}, 32)),
		LastUpdated:   1_700_000_123,
	}

	data, err := MarshalAccount(rec)
	require.NoError(t, err)
	assert.Len(t, data, AccountSpace)
	assert.Equal(t, 135, AccountSpace)
	assert.Equal(t, AccountDiscriminator[:], data[:8])

	decoded, err := UnmarshalAccount(data)
	require.NoError(t, err)
	if diff := cmp.Diff(rec, decoded); diff != "" {
		t.Errorf("decoded record mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalAccount_RejectsForeignData(t *testing.T) {
	_, err := UnmarshalAccount(make([]byte, AccountSpace))
	assert.ErrorIs(t, err, shared.ErrInvalidRecordData)

	data, err := MarshalAccount(&Record{Owner: owner(t, 1), Subject: "x", Level: 1})
	require.NoError(t, err)
	_, err = UnmarshalAccount(data[:20])
	assert.ErrorIs(t, err, shared.ErrInvalidFormat)
}

func TestMilestoneHash_BindsInputs(t *testing.T) {
	a := owner(t, 1)
	base := ComputeMilestoneHash(a, 3, 1000)

	assert.Equal(t, base, ComputeMilestoneHash(a, 3, 1000))
	assert.NotEqual(t, base, ComputeMilestoneHash(a, 4, 1000))
	assert.NotEqual(t, base, ComputeMilestoneHash(a, 3, 1001))
	assert.NotEqual(t, base, ComputeMilestoneHash(owner(t, 2), 3, 1000))

	parsed, err := ParseMilestoneHash(base.String())
	require.NoError(t, err)
	assert.Equal(t, base, parsed)
}

func TestDeriveAddress_PerOwner(t *testing.T) {
	program := owner(t, 99)
	a1, _, err := DeriveAddress(owner(t, 1), program)
	require.NoError(t, err)
	a2, _, err := DeriveAddress(owner(t, 1), program)
	require.NoError(t, err)
	b, _, err := DeriveAddress(owner(t, 2), program)
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
}

func TestTracker_OptimisticThenConfirm(t *testing.T) {
	base, err := NewRecord(owner(t, 1), "Mathematics", 100)
	require.NoError(t, err)
	tr := NewTracker(base)

	hash := MilestoneHash(bytes.Repeat([]byte{1}, 32))
	view, err := tr.ApplyOptimistic(2, hash, 200)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), view.Level)
	assert.Equal(t, uint8(2), tr.View().Level)
	assert.Equal(t, uint8(1), tr.Confirmed().Level)

	_, err = tr.ApplyOptimistic(3, hash, 300)
	assert.ErrorIs(t, err, shared.ErrInFlight)

	authoritative := base.Clone()
	authoritative.Advance(2, hash, 201)
	rec, err := tr.Reconcile(context.Background(), func(ctx context.Context) (*Record, bool, error) {
		return authoritative, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(201), rec.LastUpdated)
	assert.False(t, tr.HasPending())
	assert.Equal(t, int64(201), tr.View().LastUpdated)
}

func TestTracker_RollbackRestoresConfirmed(t *testing.T) {
	base, err := NewRecord(owner(t, 1), "Mathematics", 100)
	require.NoError(t, err)
	tr := NewTracker(base)

	_, err = tr.ApplyOptimistic(2, MilestoneHash{}, 200)
	require.NoError(t, err)
	tr.Rollback()

	assert.Equal(t, uint8(1), tr.View().Level)
	assert.False(t, tr.HasPending())
}

func TestTracker_ReconcileErrorKeepsState(t *testing.T) {
	base, err := NewRecord(owner(t, 1), "Mathematics", 100)
	require.NoError(t, err)
	tr := NewTracker(base)
	_, err = tr.ApplyOptimistic(2, MilestoneHash{}, 200)
	require.NoError(t, err)

	boom := errors.New("rpc down")
	_, err = tr.Reconcile(context.Background(), func(ctx context.Context) (*Record, bool, error) {
		return nil, false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, tr.HasPending())
}

func TestTracker_AbsentRecord(t *testing.T) {
	tr := NewTracker(nil)
	assert.Nil(t, tr.View())
	_, err := tr.ApplyOptimistic(2, MilestoneHash{}, 1)
	assert.ErrorIs(t, err, shared.ErrRecordNotFound)
}
