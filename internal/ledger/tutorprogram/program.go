// Package tutorprogram is the progress ledger program: it creates one
// progress record per identity at a derived address and lets only the
// record owner advance it.
package tutorprogram

import (
	"bytes"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
)

// DefaultProgramID is the id the program is deployed under unless configured.
const DefaultProgramID = "DC5BMrRcTAQEk2N8B6eYzxDyuCWXjLVqP3MJEg8F2fgu"

// Option configures a Program.
type Option func(*Program)

// WithStrictMonotonic toggles the newLevel > level check on advance.
func WithStrictMonotonic(enabled bool) Option {
	return func(p *Program) { p.strictMonotonic = enabled }
}

// Program implements ledger.Program.
type Program struct {
	id              identity.PublicKey
	strictMonotonic bool
}

var _ ledger.Program = (*Program)(nil)

// New returns the program deployed at id. Strict monotonicity is on by default.
func New(id identity.PublicKey, opts ...Option) *Program {
	p := &Program{id: id, strictMonotonic: true}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Program) ID() identity.PublicKey { return p.id }
func (p *Program) Name() string           { return "tutor" }

// StrictMonotonic reports whether advance requires a higher level.
func (p *Program) StrictMonotonic() bool { return p.strictMonotonic }

// Process dispatches on the instruction discriminator.
func (p *Program) Process(ic *ledger.InvocationContext, ix ledger.Instruction) error {
	if len(ix.Data) < 8 {
		return ledger.ErrInvalidInstructionData
	}
	switch {
	case bytes.Equal(ix.Data[:8], CreateDiscriminator[:]):
		args, err := DecodeCreate(ix.Data)
		if err != nil {
			return err
		}
		ic.Logf("Instruction: CreateTutor")
		return p.create(ic, args)
	case bytes.Equal(ix.Data[:8], AdvanceDiscriminator[:]):
		args, err := DecodeAdvance(ix.Data)
		if err != nil {
			return err
		}
		ic.Logf("Instruction: UpdateProgress")
		return p.advance(ic, args)
	default:
		return ledger.ErrInvalidInstructionData
	}
}

// accounts resolves [record, user] and requires the user's signature.
func accounts(ic *ledger.InvocationContext) (record, user identity.PublicKey, err error) {
	recordMeta, err := ic.Meta(0)
	if err != nil {
		return record, user, err
	}
	userMeta, err := ic.Meta(1)
	if err != nil {
		return record, user, err
	}
	if !ic.IsSigner(userMeta.PublicKey) {
		return record, user, ledger.ErrMissingRequiredSignature
	}
	return recordMeta.PublicKey, userMeta.PublicKey, nil
}

func (p *Program) create(ic *ledger.InvocationContext, args CreateArgs) error {
	record, user, err := accounts(ic)
	if err != nil {
		return err
	}
	if err := progress.ValidateSubject(args.Subject); err != nil {
		return ErrSubjectTooLong
	}

	seeds := progress.Seeds(user)
	derived, bump, err := identity.FindProgramAddress(seeds, p.id)
	if err != nil || derived != record {
		return ledger.ErrInvalidSeeds
	}
	acc, err := ic.CreateDerived(record, append(seeds, []byte{bump}), progress.AccountSpace)
	if err != nil {
		return err
	}

	rec, err := progress.NewRecord(user, args.Subject, ic.Clock().UnixTimestamp)
	if err != nil {
		return ErrSubjectTooLong
	}
	if acc.Data, err = progress.MarshalAccount(rec); err != nil {
		return err
	}
	if err := ic.Store(acc); err != nil {
		return err
	}
	ic.Logf("Tutor profile created for %s: %s", user, args.Subject)
	return nil
}

func (p *Program) advance(ic *ledger.InvocationContext, args AdvanceArgs) error {
	record, user, err := accounts(ic)
	if err != nil {
		return err
	}

	acc, ok, err := ic.Load(record)
	if err != nil {
		return err
	}
	if !ok {
		return ledger.ErrAccountNotInitialized
	}
	if acc.Owner != p.id {
		return ledger.ErrIllegalOwner
	}
	rec, err := progress.UnmarshalAccount(acc.Data)
	if err != nil {
		return ledger.ErrInvalidAccountData
	}

	if rec.Owner != user {
		return ErrUnauthorized
	}
	derived, _, err := progress.DeriveAddress(user, p.id)
	if err != nil || derived != record {
		return ledger.ErrInvalidSeeds
	}
	if p.strictMonotonic {
		if err := progress.ValidateAdvance(rec.Level, args.NewLevel); err != nil {
			return ErrLevelNotIncreasing
		}
	}

	rec.Advance(args.NewLevel, args.MilestoneHash, ic.Clock().UnixTimestamp)
	if acc.Data, err = progress.MarshalAccount(rec); err != nil {
		return err
	}
	if err := ic.Store(acc); err != nil {
		return err
	}
	ic.Logf("Progress updated: level %d", args.NewLevel)
	return nil
}
