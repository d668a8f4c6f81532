package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

const (
	// MaxTransactionSize bounds the encoded transaction.
	MaxTransactionSize = 1232
	maxInstructions    = 16
	maxAccountsPerIx   = 32
)

// AccountMeta references an account from an instruction.
type AccountMeta struct {
	PublicKey  identity.PublicKey `json:"pubkey"`
	IsSigner   bool               `json:"is_signer"`
	IsWritable bool               `json:"is_writable"`
}

// Instruction invokes one program.
type Instruction struct {
	ProgramID identity.PublicKey `json:"program_id"`
	Accounts  []AccountMeta      `json:"accounts"`
	Data      []byte             `json:"data"`
}

// Message is the signed part of a transaction.
type Message struct {
	FeePayer        identity.PublicKey `json:"fee_payer"`
	RecentBlockhash Hash               `json:"recent_blockhash"`
	Instructions    []Instruction      `json:"instructions"`
}

// Signers lists the required signers: fee payer first, then every signer
// account meta in instruction order, without duplicates.
func (m *Message) Signers() []identity.PublicKey {
	out := []identity.PublicKey{m.FeePayer}
	seen := map[identity.PublicKey]bool{m.FeePayer: true}
	for _, ix := range m.Instructions {
		for _, a := range ix.Accounts {
			if a.IsSigner && !seen[a.PublicKey] {
				seen[a.PublicKey] = true
				out = append(out, a.PublicKey)
			}
		}
	}
	return out
}

// MarshalBinary encodes the message canonically. Signatures cover these bytes.
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Instructions) == 0 || len(m.Instructions) > maxInstructions {
		return nil, shared.WrapError("ledger", "EncodeMessage", shared.ErrInvalidInput, "instruction count",
			fmt.Errorf("need 1..%d instructions, got %d", maxInstructions, len(m.Instructions)))
	}
	buf := make([]byte, 0, 256)
	buf = append(buf, m.FeePayer[:]...)
	buf = append(buf, m.RecentBlockhash[:]...)
	buf = append(buf, byte(len(m.Instructions)))
	for _, ix := range m.Instructions {
		if len(ix.Accounts) > maxAccountsPerIx || len(ix.Data) > MaxTransactionSize {
			return nil, shared.NewDomainError("ledger", "EncodeMessage", shared.ErrInvalidInput, "instruction too large")
		}
		buf = append(buf, ix.ProgramID[:]...)
		buf = append(buf, byte(len(ix.Accounts)))
		for _, a := range ix.Accounts {
			buf = append(buf, a.PublicKey[:]...)
			var flags byte
			if a.IsSigner {
				flags |= 1
			}
			if a.IsWritable {
				flags |= 2
			}
			buf = append(buf, flags)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ix.Data)))
		buf = append(buf, ix.Data...)
	}
	return buf, nil
}

// Transaction is a signed message. Signatures align with Message.Signers().
type Transaction struct {
	Signatures []identity.Signature `json:"signatures"`
	Message    Message              `json:"message"`
}

// NewTransaction builds an unsigned transaction.
func NewTransaction(feePayer identity.PublicKey, blockhash Hash, instructions ...Instruction) *Transaction {
	return &Transaction{Message: Message{
		FeePayer:        feePayer,
		RecentBlockhash: blockhash,
		Instructions:    instructions,
	}}
}

// Sign signs the message with every required signer. All signers must be
// supplied; extra keypairs are rejected.
func (t *Transaction) Sign(keys ...*identity.Keypair) error {
	msg, err := t.Message.MarshalBinary()
	if err != nil {
		return err
	}
	signers := t.Message.Signers()
	index := make(map[identity.PublicKey]int, len(signers))
	for i, pk := range signers {
		index[pk] = i
	}

	sigs := make([]identity.Signature, len(signers))
	for _, k := range keys {
		i, ok := index[k.PublicKey()]
		if !ok {
			return shared.NewDomainError("ledger", "Sign", shared.ErrInvalidInput,
				fmt.Sprintf("%s is not a required signer", k.PublicKey()))
		}
		sigs[i] = k.Sign(msg)
	}
	for i, s := range sigs {
		if s.IsZero() {
			return shared.NewDomainError("ledger", "Sign", shared.ErrUnauthorized,
				fmt.Sprintf("missing signature for %s", signers[i]))
		}
	}
	t.Signatures = sigs
	return nil
}

// Verify checks that every required signer produced a valid signature.
func (t *Transaction) Verify() error {
	msg, err := t.Message.MarshalBinary()
	if err != nil {
		return err
	}
	signers := t.Message.Signers()
	if len(t.Signatures) != len(signers) {
		return shared.WrapError("ledger", "Verify", shared.ErrValidation, "signature count",
			fmt.Errorf("want %d signatures, got %d", len(signers), len(t.Signatures)))
	}
	for i, pk := range signers {
		if !pk.Verify(msg, t.Signatures[i]) {
			return shared.NewDomainError("ledger", "Verify", shared.ErrUnauthorized,
				fmt.Sprintf("invalid signature for %s", pk))
		}
	}
	return nil
}

// ID is the first signature, which identifies the transaction.
func (t *Transaction) ID() identity.Signature {
	if len(t.Signatures) == 0 {
		return identity.Signature{}
	}
	return t.Signatures[0]
}

// MarshalBinary encodes signatures followed by the message.
func (t *Transaction) MarshalBinary() ([]byte, error) {
	msg, err := t.Message.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if len(t.Signatures) > 255 {
		return nil, shared.NewDomainError("ledger", "EncodeTransaction", shared.ErrInvalidInput, "too many signatures")
	}
	buf := make([]byte, 0, 1+len(t.Signatures)*identity.SignatureSize+len(msg))
	buf = append(buf, byte(len(t.Signatures)))
	for _, s := range t.Signatures {
		buf = append(buf, s[:]...)
	}
	return append(buf, msg...), nil
}

// UnmarshalBinary decodes a transaction produced by MarshalBinary.
func (t *Transaction) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	n := int(r.u8())
	sigs := make([]identity.Signature, n)
	for i := range sigs {
		copy(sigs[i][:], r.take(identity.SignatureSize))
	}

	var m Message
	copy(m.FeePayer[:], r.take(32))
	copy(m.RecentBlockhash[:], r.take(32))
	ixCount := int(r.u8())
	for i := 0; i < ixCount && r.err == nil; i++ {
		var ix Instruction
		copy(ix.ProgramID[:], r.take(32))
		accCount := int(r.u8())
		for j := 0; j < accCount && r.err == nil; j++ {
			var a AccountMeta
			copy(a.PublicKey[:], r.take(32))
			flags := r.u8()
			a.IsSigner = flags&1 != 0
			a.IsWritable = flags&2 != 0
			ix.Accounts = append(ix.Accounts, a)
		}
		dataLen := int(r.u16())
		ix.Data = append([]byte(nil), r.take(dataLen)...)
		m.Instructions = append(m.Instructions, ix)
	}
	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return shared.NewDomainError("ledger", "DecodeTransaction", shared.ErrInvalidFormat, "trailing bytes")
	}
	t.Signatures = sigs
	t.Message = m
	return nil
}

// reader is a bounds-checked cursor; the first short read sticks in err.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.off+n > len(r.data) {
		r.err = shared.NewDomainError("ledger", "DecodeTransaction", shared.ErrInvalidFormat, "transaction truncated")
		return make([]byte, n)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte { return r.take(1)[0] }

func (r *reader) u16() uint16 { return binary.LittleEndian.Uint16(r.take(2)) }
