package memory

import (
	"context"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/progress"
)

// ProgressCache implements progress.Cache in process.
type ProgressCache struct {
	lru *expiringLRU
	ttl time.Duration
}

var _ progress.Cache = (*ProgressCache)(nil)

// NewProgressCache creates a ProgressCache holding up to size snapshots.
func NewProgressCache(size int, ttl time.Duration) *ProgressCache {
	return &ProgressCache{lru: newExpiringLRU(size, nil), ttl: ttl}
}

func (p *ProgressCache) Get(_ context.Context, owner identity.PublicKey) (*progress.Record, bool, error) {
	v, ok := p.lru.get(owner.String())
	if !ok {
		return nil, false, nil
	}
	return v.(*progress.Record).Clone(), true, nil
}

func (p *ProgressCache) Put(_ context.Context, rec *progress.Record) error {
	if rec == nil {
		return nil
	}
	p.lru.add(rec.Owner.String(), rec.Clone(), p.ttl)
	return nil
}

func (p *ProgressCache) Invalidate(_ context.Context, owners ...identity.PublicKey) error {
	for _, o := range owners {
		p.lru.remove(o.String())
	}
	return nil
}
