package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// ProgramError is an execution failure with a stable numeric code. Codes
// below 6000 are reserved for the runtime; programs use 6000 and up.
type ProgramError struct {
	Code uint32
	Name string
	Msg  string
	// Kind maps the failure onto the shared error taxonomy.
	Kind error
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("program error %d (%s): %s", e.Code, e.Name, e.Msg)
}

// Is matches any ProgramError with the same code.
func (e *ProgramError) Is(target error) bool {
	var t *ProgramError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func (e *ProgramError) Unwrap() error { return e.Kind }

// Runtime error codes.
const (
	CodeAccountAlreadyInUse      uint32 = 1
	CodeMissingRequiredSignature uint32 = 2
	CodeInvalidAccountData       uint32 = 3
	CodeAccountNotInitialized    uint32 = 4
	CodeIllegalOwner             uint32 = 5
	CodeInvalidSeeds             uint32 = 6
	CodeInvalidInstructionData   uint32 = 7
	CodeNotEnoughAccountKeys     uint32 = 8
	CodeUnknownProgram           uint32 = 9
	CodeReadonlyAccountModified  uint32 = 10
	CodeBlockhashExpired         uint32 = 11
	CodeProgramFailed            uint32 = 12
)

// Runtime errors.
var (
	ErrAccountAlreadyInUse      = &ProgramError{CodeAccountAlreadyInUse, "AccountAlreadyInUse", "account is already in use", shared.ErrAlreadyExists}
	ErrMissingRequiredSignature = &ProgramError{CodeMissingRequiredSignature, "MissingRequiredSignature", "a required signature is missing", shared.ErrUnauthorized}
	ErrInvalidAccountData       = &ProgramError{CodeInvalidAccountData, "InvalidAccountData", "account data is invalid for this instruction", shared.ErrInvalidFormat}
	ErrAccountNotInitialized    = &ProgramError{CodeAccountNotInitialized, "AccountNotInitialized", "account is not initialized", shared.ErrNotFound}
	ErrIllegalOwner             = &ProgramError{CodeIllegalOwner, "IllegalOwner", "account is owned by another program", shared.ErrForbidden}
	ErrInvalidSeeds             = &ProgramError{CodeInvalidSeeds, "InvalidSeeds", "address does not match the derived address", shared.ErrInvalidInput}
	ErrInvalidInstructionData   = &ProgramError{CodeInvalidInstructionData, "InvalidInstructionData", "instruction data is invalid", shared.ErrInvalidInput}
	ErrNotEnoughAccountKeys     = &ProgramError{CodeNotEnoughAccountKeys, "NotEnoughAccountKeys", "not enough account keys", shared.ErrInvalidInput}
	ErrUnknownProgram           = &ProgramError{CodeUnknownProgram, "UnknownProgram", "program is not deployed", shared.ErrNotFound}
	ErrReadonlyAccountModified  = &ProgramError{CodeReadonlyAccountModified, "ReadonlyAccountModified", "instruction modified a read-only account", shared.ErrForbidden}
	ErrBlockhashExpired         = &ProgramError{CodeBlockhashExpired, "BlockhashExpired", "blockhash expired before execution", shared.ErrExpired}
	ErrProgramFailed            = &ProgramError{CodeProgramFailed, "ProgramFailed", "program failed", shared.ErrInvalidState}
)

var (
	registryMu sync.RWMutex
	registry   = map[uint32]*ProgramError{}
)

func init() {
	RegisterErrors(
		ErrAccountAlreadyInUse, ErrMissingRequiredSignature, ErrInvalidAccountData,
		ErrAccountNotInitialized, ErrIllegalOwner, ErrInvalidSeeds, ErrInvalidInstructionData,
		ErrNotEnoughAccountKeys, ErrUnknownProgram, ErrReadonlyAccountModified,
		ErrBlockhashExpired, ErrProgramFailed,
	)
}

// RegisterErrors makes program errors resolvable from their codes, so a
// status read back from storage or the wire unwraps to the original value.
func RegisterErrors(errs ...*ProgramError) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, e := range errs {
		registry[e.Code] = e
	}
}

// LookupError resolves a registered program error.
func LookupError(code uint32) (*ProgramError, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	e, ok := registry[code]
	return e, ok
}

// TxError is the failure recorded in a TxStatus.
type TxError struct {
	InstructionIndex int    `json:"instruction_index"`
	Code             uint32 `json:"code"`
	Name             string `json:"name"`
	Message          string `json:"message"`
}

func (e *TxError) Error() string {
	return fmt.Sprintf("instruction %d failed: %s (%d): %s", e.InstructionIndex, e.Name, e.Code, e.Message)
}

// Unwrap returns the registered ProgramError for the code, or a detached one.
func (e *TxError) Unwrap() error {
	if pe, ok := LookupError(e.Code); ok {
		return pe
	}
	return &ProgramError{Code: e.Code, Name: e.Name, Msg: e.Message, Kind: shared.ErrInvalidState}
}

// newTxError converts an execution failure into a recordable error.
func newTxError(index int, err error) *TxError {
	var pe *ProgramError
	if !errors.As(err, &pe) {
		pe = &ProgramError{Code: ErrProgramFailed.Code, Name: ErrProgramFailed.Name, Msg: err.Error()}
	}
	return &TxError{InstructionIndex: index, Code: pe.Code, Name: pe.Name, Message: pe.Msg}
}
