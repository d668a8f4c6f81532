package redis

import (
	"context"
	"errors"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
)

// ProgressCache implements progress.Cache on top of Cache.
type ProgressCache struct {
	cache *Cache
	ttl   time.Duration
}

var _ progress.Cache = (*ProgressCache)(nil)

// NewProgressCache creates a ProgressCache. A non-positive ttl selects
// TTLProgressSnapshot.
func NewProgressCache(cache *Cache, ttl time.Duration) *ProgressCache {
	if ttl <= 0 {
		ttl = TTLProgressSnapshot
	}
	return &ProgressCache{cache: cache, ttl: ttl}
}

// Get returns the cached snapshot for owner.
func (p *ProgressCache) Get(ctx context.Context, owner identity.PublicKey) (*progress.Record, bool, error) {
	var rec progress.Record
	if err := p.cache.Get(ctx, ProgressKey(owner.String()), &rec); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &rec, true, nil
}

// Put stores a confirmed snapshot.
func (p *ProgressCache) Put(ctx context.Context, rec *progress.Record) error {
	if rec == nil {
		return ErrCacheNilValue
	}
	return p.cache.Set(ctx, ProgressKey(rec.Owner.String()), rec, p.ttl)
}

// Invalidate drops the snapshots of the given owners.
func (p *ProgressCache) Invalidate(ctx context.Context, owners ...identity.PublicKey) error {
	if len(owners) == 0 {
		return nil
	}
	keys := make([]string, len(owners))
	for i, o := range owners {
		keys[i] = ProgressKey(o.String())
	}
	return p.cache.Delete(ctx, keys...)
}
