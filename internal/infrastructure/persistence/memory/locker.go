package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// Locker implements badge.Locker for a single process.
type Locker struct {
	mu    sync.Mutex
	held  map[string]heldLock
	now   func() time.Time
	count uint64
}

type heldLock struct {
	token     uint64
	expiresAt time.Time
}

var _ badge.Locker = (*Locker)(nil)

// NewLocker creates a Locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]heldLock), now: time.Now}
}

func (l *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expiresAt) {
		return nil, shared.ErrBadgeIssueInFlight
	}
	l.count++
	token := l.count
	l.held[key] = heldLock{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[key]; ok && h.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}
