package progress

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
)

const milestoneDomain = "tutor-ledger/milestone/v1"

// ComputeMilestoneHash commits to the completion of lessonID by owner at
// completedAt (unix seconds).
func ComputeMilestoneHash(owner identity.PublicKey, lessonID int, completedAt int64) MilestoneHash {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(milestoneDomain))
	h.Write(owner[:])

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(lessonID))
	binary.LittleEndian.PutUint64(buf[8:], uint64(completedAt))
	h.Write(buf[:])

	var out MilestoneHash
	copy(out[:], h.Sum(nil))
	return out
}
