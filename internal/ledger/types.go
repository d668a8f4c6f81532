// Package ledger implements a single-leader replicated append-only ledger:
// signed transactions are queued in a mempool, executed sequentially per
// slot against registered programs, and sealed into hash-chained blocks.
// Reads are served at processed, confirmed or finalized commitment.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/mr-tron/base58"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// Hash is a block hash; the latest one doubles as the recent blockhash
// transactions must reference.
type Hash [32]byte

func (h Hash) String() string { return base58.Encode(h[:]) }

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a base58 hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != len(h) {
		return h, shared.NewDomainError("ledger", "ParseHash", shared.ErrInvalidFormat, "hash must be 32 base58-encoded bytes")
	}
	copy(h[:], raw)
	return h, nil
}

// Commitment is the consistency level of a read or confirmation.
type Commitment string

const (
	// CommitmentProcessed reads the newest state the node has executed.
	CommitmentProcessed Commitment = "processed"
	// CommitmentConfirmed reads state sealed into a committed block.
	CommitmentConfirmed Commitment = "confirmed"
	// CommitmentFinalized reads state buried under FinalityDepth blocks.
	CommitmentFinalized Commitment = "finalized"
)

func (c Commitment) rank() int {
	switch c {
	case CommitmentProcessed:
		return 0
	case CommitmentConfirmed:
		return 1
	case CommitmentFinalized:
		return 2
	default:
		return -1
	}
}

// Satisfies reports whether a status at c meets the required level.
func (c Commitment) Satisfies(required Commitment) bool {
	return c.rank() >= 0 && c.rank() >= required.rank()
}

// ParseCommitment parses a commitment name; empty means confirmed.
func ParseCommitment(s string) (Commitment, error) {
	switch c := Commitment(s); c {
	case "":
		return CommitmentConfirmed, nil
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
		return c, nil
	default:
		return "", shared.NewDomainError("ledger", "ParseCommitment", shared.ErrInvalidInput, fmt.Sprintf("unknown commitment %q", s))
	}
}

// Account is a stored account version.
type Account struct {
	Address identity.PublicKey `json:"address"`
	Owner   identity.PublicKey `json:"owner"`
	Data    []byte             `json:"data"`
	Slot    uint64             `json:"slot"`
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Data = append([]byte(nil), a.Data...)
	return &c
}

// Entry records one transaction's position and outcome in a block.
type Entry struct {
	Signature identity.Signature `json:"signature"`
	Failed    bool               `json:"failed"`
}

// Block is a sealed slot.
type Block struct {
	Slot          uint64  `json:"slot"`
	ParentHash    Hash    `json:"parent_hash"`
	Hash          Hash    `json:"hash"`
	UnixTimestamp int64   `json:"unix_timestamp"`
	Entries       []Entry `json:"entries"`
	WritesDigest  Hash    `json:"writes_digest"`
}

// ComputeHash hashes the block header and its entries.
func (b *Block) ComputeHash() Hash {
	h := sha256.New()
	h.Write(b.ParentHash[:])
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], b.Slot)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(b.UnixTimestamp))
	h.Write(buf[:])
	for _, e := range b.Entries {
		h.Write(e.Signature[:])
		if e.Failed {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	h.Write(b.WritesDigest[:])

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// DigestWrites hashes the account versions written in a slot, ordered by address.
func DigestWrites(writes []*Account) Hash {
	sorted := append([]*Account(nil), writes...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Address[:], sorted[j].Address[:]) < 0
	})

	h := sha256.New()
	var n [4]byte
	for _, a := range sorted {
		h.Write(a.Address[:])
		h.Write(a.Owner[:])
		binary.LittleEndian.PutUint32(n[:], uint32(len(a.Data)))
		h.Write(n[:])
		h.Write(a.Data)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// TxStatus is the recorded outcome of an executed transaction.
type TxStatus struct {
	Signature     identity.Signature `json:"signature"`
	FeePayer      identity.PublicKey `json:"fee_payer"`
	Slot          uint64             `json:"slot"`
	Index         int                `json:"index"`
	Err           *TxError           `json:"err,omitempty"`
	Logs          []string           `json:"logs"`
	UnixTimestamp int64              `json:"unix_timestamp"`
	// Instructions are the executed message's instructions.
	Instructions []Instruction `json:"instructions,omitempty"`
	// Confirmation is computed against the head at read time.
	Confirmation Commitment `json:"confirmation_status,omitempty"`
}

// Succeeded reports whether the transaction applied its writes.
func (s *TxStatus) Succeeded() bool { return s.Err == nil }

// BlockhashInfo describes the blockhash a new transaction should reference.
type BlockhashInfo struct {
	Blockhash     Hash   `json:"blockhash"`
	Slot          uint64 `json:"slot"`
	LastValidSlot uint64 `json:"last_valid_slot"`
}
