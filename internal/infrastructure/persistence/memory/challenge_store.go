package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// ChallengeStore keeps sign-in nonces in process.
type ChallengeStore struct {
	mu  sync.Mutex
	lru *expiringLRU
}

// NewChallengeStore creates a ChallengeStore. now may be nil.
func NewChallengeStore(size int, now func() time.Time) *ChallengeStore {
	return &ChallengeStore{lru: newExpiringLRU(size, now)}
}

func (s *ChallengeStore) Save(_ context.Context, nonce string, wallet identity.PublicKey, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.add(nonce, wallet, ttl)
	return nil
}

// Consume redeems nonce once.
func (s *ChallengeStore) Consume(_ context.Context, nonce string) (identity.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lru.get(nonce)
	if !ok {
		return identity.PublicKey{}, shared.ErrChallengeNotFound
	}
	s.lru.remove(nonce)
	return v.(identity.PublicKey), nil
}
