package identity

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

func seededKeypair(t *testing.T, b byte) *Keypair {
	t.Helper()
	kp, err := KeypairFromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return kp
}

func TestPublicKey_TextRoundTrip(t *testing.T) {
	kp := seededKeypair(t, 1)
	pk := kp.PublicKey()

	parsed, err := ParsePublicKey(pk.String())
	require.NoError(t, err)
	assert.Equal(t, pk, parsed)

	text, err := pk.MarshalText()
	require.NoError(t, err)
	var back PublicKey
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, pk, back)
}

func TestParsePublicKey_Invalid(t *testing.T) {
	_, err := ParsePublicKey("0OIl")
	assert.ErrorIs(t, err, shared.ErrInvalidFormat)

	_, err = ParsePublicKey("3yZe7d")
	assert.ErrorIs(t, err, shared.ErrInvalidFormat)
}

func TestKeypair_SignVerify(t *testing.T) {
	kp := seededKeypair(t, 7)
	msg := []byte("advance to level 5")
	sig := kp.Sign(msg)

	assert.True(t, kp.PublicKey().Verify(msg, sig))
	assert.False(t, kp.PublicKey().Verify([]byte("advance to level 6"), sig))
	assert.False(t, seededKeypair(t, 8).PublicKey().Verify(msg, sig))

	parsed, err := ParseSignature(sig.String())
	require.NoError(t, err)
	assert.Equal(t, sig, parsed)
}

func TestKeypair_SaveLoad(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys", "id.json")
	require.NoError(t, kp.Save(path))

	loaded, err := LoadKeypair(path)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), loaded.PublicKey())
}

func TestKeypairFromSecretKey_RejectsMismatch(t *testing.T) {
	a := seededKeypair(t, 1)
	b := seededKeypair(t, 2)
	secret := append(bytes.Repeat([]byte{1}, 32), b.PublicKey().Bytes()...)

	_, err := KeypairFromSecretKey(secret)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	ok := append(bytes.Repeat([]byte{1}, 32), a.PublicKey().Bytes()...)
	_, err = KeypairFromSecretKey(ok)
	assert.NoError(t, err)
}

func TestFindProgramAddress_DeterministicAndOffCurve(t *testing.T) {
	program := seededKeypair(t, 9).PublicKey()
	owner := seededKeypair(t, 3).PublicKey()
	seeds := [][]byte{[]byte("tutor"), owner[:]}

	addr1, bump1, err := FindProgramAddress(seeds, program)
	require.NoError(t, err)
	addr2, bump2, err := FindProgramAddress(seeds, program)
	require.NoError(t, err)

	assert.Equal(t, addr1, addr2)
	assert.Equal(t, bump1, bump2)
	assert.False(t, IsOnCurve(addr1[:]))

	recreated, err := CreateProgramAddress(append(seeds, []byte{bump1}), program)
	require.NoError(t, err)
	assert.Equal(t, addr1, recreated)
}

func TestFindProgramAddress_DistinctOwnersDoNotCollide(t *testing.T) {
	program := seededKeypair(t, 9).PublicKey()
	seen := make(map[PublicKey]PublicKey)

	for i := 1; i <= 64; i++ {
		owner := seededKeypair(t, byte(i)).PublicKey()
		addr, _, err := FindProgramAddress([][]byte{[]byte("tutor"), owner[:]}, program)
		require.NoError(t, err)
		if prev, dup := seen[addr]; dup {
			t.Fatalf("owners %s and %s share address %s", prev, owner, addr)
		}
		seen[addr] = owner
	}
}

func TestFindProgramAddress_DependsOnProgram(t *testing.T) {
	owner := seededKeypair(t, 3).PublicKey()
	seeds := [][]byte{[]byte("tutor"), owner[:]}

	a, _, err := FindProgramAddress(seeds, seededKeypair(t, 9).PublicKey())
	require.NoError(t, err)
	b, _, err := FindProgramAddress(seeds, seededKeypair(t, 10).PublicKey())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCreateProgramAddress_SeedLimits(t *testing.T) {
	program := seededKeypair(t, 9).PublicKey()

	_, err := CreateProgramAddress([][]byte{make([]byte, MaxSeedLen+1)}, program)
	assert.ErrorIs(t, err, ErrMaxSeedLengthExceeded)

	tooMany := make([][]byte, MaxSeeds+1)
	_, err = CreateProgramAddress(tooMany, program)
	assert.ErrorIs(t, err, ErrMaxSeedLengthExceeded)
}

func TestIsOnCurve_RealPublicKey(t *testing.T) {
	pk := seededKeypair(t, 5).PublicKey()
	assert.True(t, IsOnCurve(pk[:]))
}
