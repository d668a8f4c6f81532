package tutorprogram

import (
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
)

// Program error codes.
const (
	CodeSubjectTooLong     uint32 = 6000
	CodeUnauthorized       uint32 = 6001
	CodeLevelNotIncreasing uint32 = 6002
)

var (
	ErrSubjectTooLong = &ledger.ProgramError{
		Code: CodeSubjectTooLong,
		Name: "SubjectTooLong",
		Msg:  "Subject name is too long (max 50 chars)",
		Kind: shared.ErrSubjectTooLong,
	}
	ErrUnauthorized = &ledger.ProgramError{
		Code: CodeUnauthorized,
		Name: "Unauthorized",
		Msg:  "Unauthorized: only the record owner can update progress",
		Kind: shared.ErrNotRecordOwner,
	}
	ErrLevelNotIncreasing = &ledger.ProgramError{
		Code: CodeLevelNotIncreasing,
		Name: "LevelNotIncreasing",
		Msg:  "New level must be greater than the current level",
		Kind: shared.ErrLevelNotIncreasing,
	}
)

func init() {
	ledger.RegisterErrors(ErrSubjectTooLong, ErrUnauthorized, ErrLevelNotIncreasing)
}
