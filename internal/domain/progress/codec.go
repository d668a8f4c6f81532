package progress

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// AccountDiscriminator tags account data holding a Record.
var AccountDiscriminator = discriminator("account:Tutor")

// AccountSpace is the allocated size of a record account:
// discriminator, owner, subject (length prefix + max bytes), level, hash, timestamp.
const AccountSpace = 8 + 32 + 4 + MaxSubjectLen + 1 + 32 + 8

// MarshalAccount encodes r into account data of AccountSpace bytes.
func MarshalAccount(r *Record) ([]byte, error) {
	if err := ValidateSubject(r.Subject); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, AccountSpace)
	buf = append(buf, AccountDiscriminator[:]...)
	buf = append(buf, r.Owner[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Subject)))
	buf = append(buf, r.Subject...)
	buf = append(buf, r.Level)
	buf = append(buf, r.MilestoneHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.LastUpdated))

	// Trailing bytes of the allocation stay zero.
	return append(buf, make([]byte, AccountSpace-len(buf))...), nil
}

// UnmarshalAccount decodes account data written by MarshalAccount.
func UnmarshalAccount(data []byte) (*Record, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], AccountDiscriminator[:]) {
		return nil, shared.ErrInvalidRecordData
	}
	d := data[8:]
	need := func(n int) error {
		if len(d) < n {
			return shared.WrapError("progress", "Decode", shared.ErrInvalidFormat, "account data truncated",
				fmt.Errorf("need %d bytes, have %d", n, len(d)))
		}
		return nil
	}

	var r Record
	if err := need(32 + 4); err != nil {
		return nil, err
	}
	copy(r.Owner[:], d[:32])
	n := int(binary.LittleEndian.Uint32(d[32:36]))
	d = d[36:]
	if n > MaxSubjectLen {
		return nil, shared.ErrInvalidRecordData
	}
	if err := need(n + 1 + 32 + 8); err != nil {
		return nil, err
	}
	r.Subject = string(d[:n])
	d = d[n:]
	r.Level = d[0]
	copy(r.MilestoneHash[:], d[1:33])
	r.LastUpdated = int64(binary.LittleEndian.Uint64(d[33:41]))
	return &r, nil
}
