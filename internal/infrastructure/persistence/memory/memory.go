// Package memory provides in-process fallbacks for the Redis and Postgres
// adapters, used when those backends are disabled and in tests.
package memory

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultSize bounds each LRU when no size is given.
const DefaultSize = 4096

// entry is an LRU value with an optional deadline.
type entry struct {
	value     any
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// expiringLRU is an LRU whose entries lapse after a TTL.
type expiringLRU struct {
	cache *lru.Cache
	now   func() time.Time
}

func newExpiringLRU(size int, now func() time.Time) *expiringLRU {
	if size <= 0 {
		size = DefaultSize
	}
	if now == nil {
		now = time.Now
	}
	c, err := lru.New(size)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &expiringLRU{cache: c, now: now}
}

func (l *expiringLRU) add(key string, value any, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = l.now().Add(ttl)
	}
	l.cache.Add(key, e)
}

func (l *expiringLRU) get(key string) (any, bool) {
	raw, ok := l.cache.Get(key)
	if !ok {
		return nil, false
	}
	e := raw.(entry)
	if e.expired(l.now()) {
		l.cache.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (l *expiringLRU) remove(key string) bool {
	return l.cache.Remove(key)
}
