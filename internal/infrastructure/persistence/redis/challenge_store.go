package redis

import (
	"context"
	"errors"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// ChallengeStore keeps sign-in nonces. A nonce is redeemable exactly once.
type ChallengeStore struct {
	cache *Cache
}

// NewChallengeStore creates a ChallengeStore.
func NewChallengeStore(cache *Cache) *ChallengeStore {
	return &ChallengeStore{cache: cache}
}

// Save records that nonce was issued to wallet.
func (s *ChallengeStore) Save(ctx context.Context, nonce string, wallet identity.PublicKey, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = TTLChallenge
	}
	return s.cache.SetString(ctx, ChallengeKey(nonce), wallet.String(), ttl)
}

// Consume redeems nonce and returns the wallet it was issued to.
func (s *ChallengeStore) Consume(ctx context.Context, nonce string) (identity.PublicKey, error) {
	val, err := s.cache.GetDelString(ctx, ChallengeKey(nonce))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) || errors.Is(err, ErrCacheKeyEmpty) {
			return identity.PublicKey{}, shared.ErrChallengeNotFound
		}
		return identity.PublicKey{}, err
	}
	return identity.ParsePublicKey(val)
}
