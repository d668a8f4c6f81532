// Package progress defines the on-ledger progress record: its schema, wire
// codec, validation rules, milestone commitments, and the optimistic tracker
// that reconciles local state with ledger reads.
package progress

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

const (
	// MaxSubjectLen bounds the subject's encoded (UTF-8) length.
	MaxSubjectLen = 50
	// InitialLevel is the level of a freshly created record.
	InitialLevel uint8 = 1
	// SeedPrefix is the namespace tag mixed into every record address.
	SeedPrefix = "tutor"
)

// MilestoneHash is an opaque 32-byte commitment to the last completed milestone.
type MilestoneHash [32]byte

func (h MilestoneHash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether no milestone has been recorded yet.
func (h MilestoneHash) IsZero() bool { return h == MilestoneHash{} }

func (h MilestoneHash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *MilestoneHash) UnmarshalText(text []byte) error {
	parsed, err := ParseMilestoneHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseMilestoneHash decodes a hex-encoded milestone hash.
func ParseMilestoneHash(s string) (MilestoneHash, error) {
	var h MilestoneHash
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(h) {
		return h, shared.NewDomainError("progress", "ParseMilestoneHash", shared.ErrInvalidFormat, "milestone hash must be 64 hex characters")
	}
	copy(h[:], raw)
	return h, nil
}

// Record is the per-identity progress record stored at the derived address.
type Record struct {
	Owner         identity.PublicKey `json:"owner"`
	Subject       string             `json:"subject"`
	Level         uint8              `json:"level"`
	MilestoneHash MilestoneHash      `json:"milestone_hash"`
	LastUpdated   int64              `json:"last_updated"`
}

// NewRecord builds the state written by the create transition.
func NewRecord(owner identity.PublicKey, subject string, now int64) (*Record, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	return &Record{
		Owner:       owner,
		Subject:     subject,
		Level:       InitialLevel,
		LastUpdated: now,
	}, nil
}

// Advance applies the advance transition. Owner and subject are untouched.
func (r *Record) Advance(newLevel uint8, hash MilestoneHash, now int64) {
	r.Level = newLevel
	r.MilestoneHash = hash
	r.LastUpdated = now
}

// UpdatedAt returns LastUpdated as a time.
func (r *Record) UpdatedAt() time.Time { return time.Unix(r.LastUpdated, 0).UTC() }

// CompletedLessons is the number of lessons the level accounts for.
func (r *Record) CompletedLessons() int { return int(r.Level) - int(InitialLevel) }

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// ValidateSubject enforces the subject length bound.
func ValidateSubject(subject string) error {
	if len(subject) > MaxSubjectLen {
		return shared.ErrSubjectTooLong
	}
	return nil
}

// ValidateAdvance enforces strictly increasing levels.
func ValidateAdvance(current, next uint8) error {
	if next <= current {
		return shared.ErrLevelNotIncreasing
	}
	return nil
}

// Seeds returns the address derivation seeds for owner.
func Seeds(owner identity.PublicKey) [][]byte {
	return [][]byte{[]byte(SeedPrefix), owner.Bytes()}
}

// DeriveAddress returns the record address of owner under programID.
func DeriveAddress(owner, programID identity.PublicKey) (identity.PublicKey, uint8, error) {
	return identity.FindProgramAddress(Seeds(owner), programID)
}

// discriminator returns the first 8 bytes of sha256(preimage).
func discriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}
