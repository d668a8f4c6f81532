package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// Keypair holds signing authority for a PublicKey.
type Keypair struct {
	private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh random keypair.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{private: priv}, nil
}

// KeypairFromSeed derives a keypair from a 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, shared.NewDomainError("identity", "KeypairFromSeed", shared.ErrInvalidInput,
			fmt.Sprintf("seed must be %d bytes", ed25519.SeedSize))
	}
	return &Keypair{private: ed25519.NewKeyFromSeed(seed)}, nil
}

// KeypairFromSecretKey wraps a 64-byte ed25519 secret key (seed || public key).
func KeypairFromSecretKey(secret []byte) (*Keypair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, shared.NewDomainError("identity", "KeypairFromSecretKey", shared.ErrInvalidInput,
			fmt.Sprintf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret)))
	}
	kp, err := KeypairFromSeed(secret[:ed25519.SeedSize])
	if err != nil {
		return nil, err
	}
	if string(kp.private[ed25519.SeedSize:]) != string(secret[ed25519.SeedSize:]) {
		return nil, shared.NewDomainError("identity", "KeypairFromSecretKey", shared.ErrInvalidInput,
			"secret key public half does not match seed")
	}
	return kp, nil
}

// LoadKeypair reads a keypair file: a JSON array of the 64 secret key bytes.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair %s: %w", path, err)
	}
	var raw []byte
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, shared.WrapError("identity", "LoadKeypair", shared.ErrInvalidFormat, "keypair file is not a JSON byte array", err)
	}
	raw = make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, shared.NewDomainError("identity", "LoadKeypair", shared.ErrInvalidFormat,
				fmt.Sprintf("byte %d out of range", i))
		}
		raw[i] = byte(v)
	}
	return KeypairFromSecretKey(raw)
}

// Save writes the keypair in the format LoadKeypair reads, readable only by the owner.
func (k *Keypair) Save(path string) error {
	ints := make([]int, len(k.private))
	for i, b := range k.private {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create keypair dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// PublicKey returns the public half.
func (k *Keypair) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], k.private.Public().(ed25519.PublicKey))
	return pk
}

// Sign signs msg.
func (k *Keypair) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.private, msg))
	return sig
}
