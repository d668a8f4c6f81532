// Package identity models the principals of the ledger: ed25519 public keys,
// keypairs, signatures, and program-derived addresses.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// PublicKeySize is the length of an encoded public key.
const PublicKeySize = 32

// SignatureSize is the length of an ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// PublicKey identifies a principal or an account address.
type PublicKey [PublicKeySize]byte

// ParsePublicKey decodes a base58 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, shared.WrapError("identity", "ParsePublicKey", shared.ErrInvalidFormat, "invalid base58", err)
	}
	if len(raw) != PublicKeySize {
		return pk, shared.NewDomainError("identity", "ParsePublicKey", shared.ErrInvalidFormat,
			fmt.Sprintf("public key must be %d bytes, got %d", PublicKeySize, len(raw)))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustParsePublicKey is ParsePublicKey for constants.
func MustParsePublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromBytes copies b into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, shared.NewDomainError("identity", "PublicKeyFromBytes", shared.ErrInvalidFormat,
			fmt.Sprintf("public key must be %d bytes, got %d", PublicKeySize, len(b)))
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk PublicKey) String() string { return base58.Encode(pk[:]) }

// Bytes returns a copy of the key bytes.
func (pk PublicKey) Bytes() []byte { return append([]byte(nil), pk[:]...) }

// IsZero reports whether the key is all zeros.
func (pk PublicKey) IsZero() bool { return pk == PublicKey{} }

// Compare orders keys bytewise.
func (pk PublicKey) Compare(other PublicKey) int { return bytes.Compare(pk[:], other[:]) }

func (pk PublicKey) MarshalText() ([]byte, error) { return []byte(pk.String()), nil }

func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// Signature is an ed25519 signature. The first signature of a transaction
// doubles as its identifier.
type Signature [SignatureSize]byte

// ParseSignature decodes a base58 signature.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	raw, err := base58.Decode(s)
	if err != nil {
		return sig, shared.WrapError("identity", "ParseSignature", shared.ErrInvalidFormat, "invalid base58", err)
	}
	if len(raw) != SignatureSize {
		return sig, shared.NewDomainError("identity", "ParseSignature", shared.ErrInvalidFormat,
			fmt.Sprintf("signature must be %d bytes, got %d", SignatureSize, len(raw)))
	}
	copy(sig[:], raw)
	return sig, nil
}

func (s Signature) String() string { return base58.Encode(s[:]) }

// IsZero reports whether the signature is unset.
func (s Signature) IsZero() bool { return s == Signature{} }

func (s Signature) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Signature) UnmarshalText(text []byte) error {
	parsed, err := ParseSignature(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Verify reports whether sig is a valid signature of msg by pk.
func (pk PublicKey) Verify(msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), msg, sig[:])
}
