package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a single-instance Redis lock (SET NX PX + token-checked release).
type Locker struct {
	cache *Cache
}

var _ badge.Locker = (*Locker)(nil)

// NewLocker creates a Locker.
func NewLocker(cache *Cache) *Locker {
	return &Locker{cache: cache}
}

// Acquire takes the lock for key or fails with shared.ErrBadgeIssueInFlight.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if ttl <= 0 {
		ttl = TTLDistributedLock
	}
	token := uuid.NewString()
	lockKey := LockKey(key)

	ok, err := l.cache.SetNXString(ctx, lockKey, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, shared.ErrBadgeIssueInFlight
	}

	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.cache.Client(), []string{lockKey}, token).Err()
	}
	return release, nil
}
