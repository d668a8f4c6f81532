package tutorprogram

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
)

// Instruction discriminators.
var (
	CreateDiscriminator  = discriminator("global:create_tutor")
	AdvanceDiscriminator = discriminator("global:update_progress")
)

func discriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// CreateArgs is the payload of the create instruction.
type CreateArgs struct {
	Subject string
}

// AdvanceArgs is the payload of the advance instruction.
type AdvanceArgs struct {
	NewLevel      uint8
	MilestoneHash progress.MilestoneHash
}

// CreateInstruction builds the create instruction for owner. The subject is
// not validated here; the program rejects oversized subjects.
func CreateInstruction(programID, owner identity.PublicKey, subject string) (ledger.Instruction, error) {
	record, _, err := progress.DeriveAddress(owner, programID)
	if err != nil {
		return ledger.Instruction{}, err
	}
	data := make([]byte, 0, 8+4+len(subject))
	data = append(data, CreateDiscriminator[:]...)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(subject)))
	data = append(data, subject...)

	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			{PublicKey: record, IsWritable: true},
			{PublicKey: owner, IsSigner: true, IsWritable: true},
		},
		Data: data,
	}, nil
}

// AdvanceInstruction builds the advance instruction bound to owner's record.
func AdvanceInstruction(programID, owner identity.PublicKey, newLevel uint8, hash progress.MilestoneHash) (ledger.Instruction, error) {
	record, _, err := progress.DeriveAddress(owner, programID)
	if err != nil {
		return ledger.Instruction{}, err
	}
	data := make([]byte, 0, 8+1+32)
	data = append(data, AdvanceDiscriminator[:]...)
	data = append(data, newLevel)
	data = append(data, hash[:]...)

	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			{PublicKey: record, IsWritable: true},
			{PublicKey: owner, IsSigner: true},
		},
		Data: data,
	}, nil
}

// DecodeCreate parses create instruction data.
func DecodeCreate(data []byte) (CreateArgs, error) {
	if len(data) < 12 || !bytes.Equal(data[:8], CreateDiscriminator[:]) {
		return CreateArgs{}, ledger.ErrInvalidInstructionData
	}
	n := binary.LittleEndian.Uint32(data[8:12])
	if uint64(len(data)-12) != uint64(n) {
		return CreateArgs{}, ledger.ErrInvalidInstructionData
	}
	return CreateArgs{Subject: string(data[12:])}, nil
}

// DecodeAdvance parses advance instruction data.
func DecodeAdvance(data []byte) (AdvanceArgs, error) {
	if len(data) != 8+1+32 || !bytes.Equal(data[:8], AdvanceDiscriminator[:]) {
		return AdvanceArgs{}, ledger.ErrInvalidInstructionData
	}
	args := AdvanceArgs{NewLevel: data[8]}
	copy(args.MilestoneHash[:], data[9:])
	return args, nil
}
