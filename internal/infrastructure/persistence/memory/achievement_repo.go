package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

type achievementKey struct {
	owner    identity.PublicKey
	lessonID int
}

// AchievementRepository implements badge.Repository in process.
type AchievementRepository struct {
	mu    sync.RWMutex
	items map[achievementKey]*badge.Achievement
}

var _ badge.Repository = (*AchievementRepository)(nil)

// NewAchievementRepository creates an empty repository.
func NewAchievementRepository() *AchievementRepository {
	return &AchievementRepository{items: make(map[achievementKey]*badge.Achievement)}
}

func (r *AchievementRepository) Get(_ context.Context, owner identity.PublicKey, lessonID int) (*badge.Achievement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[achievementKey{owner, lessonID}]
	if !ok {
		return nil, shared.ErrBadgeNotFound
	}
	c := *a
	return &c, nil
}

// Save upserts on (owner, lesson). The stored id is kept on conflict.
func (r *AchievementRepository) Save(_ context.Context, a *badge.Achievement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := achievementKey{a.Owner, a.LessonID}
	c := *a
	if prev, ok := r.items[k]; ok {
		c.ID = prev.ID
		c.CreatedAt = prev.CreatedAt
	}
	r.items[k] = &c
	return nil
}

func (r *AchievementRepository) ListByOwner(_ context.Context, owner identity.PublicKey) ([]*badge.Achievement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*badge.Achievement
	for k, a := range r.items {
		if k.owner == owner {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessonID < out[j].LessonID })
	return out, nil
}

func (r *AchievementRepository) ListRetryable(_ context.Context, maxAttempts, limit int) ([]*badge.Achievement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*badge.Achievement
	for _, a := range r.items {
		if a.Status == badge.StatusFailed && a.Attempts < maxAttempts && a.FailureCategory.Retryable() {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
