package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// AchievementRepository implements badge.Repository for PostgreSQL.
type AchievementRepository struct {
	conn *Connection
}

var _ badge.Repository = (*AchievementRepository)(nil)

// NewAchievementRepository creates a new AchievementRepository.
func NewAchievementRepository(conn *Connection) *AchievementRepository {
	return &AchievementRepository{conn: conn}
}

const achievementColumns = `
	id, owner, lesson_id, lesson_title, name, uri, status, mint_address, mint_signature,
	advance_signature, failure_category, failure_detail, attempts, created_at, updated_at`

// Get returns the achievement of owner for lessonID.
func (r *AchievementRepository) Get(ctx context.Context, owner identity.PublicKey, lessonID int) (*badge.Achievement, error) {
	query := `SELECT ` + achievementColumns + ` FROM achievements WHERE owner = $1 AND lesson_id = $2`
	a, err := scanAchievement(r.conn.QueryRow(ctx, query, owner.String(), lessonID))
	if IsNoRows(err) {
		return nil, shared.ErrBadgeNotFound
	}
	return a, err
}

// Save upserts on (owner, lesson_id). The stored id is kept on conflict.
func (r *AchievementRepository) Save(ctx context.Context, a *badge.Achievement) error {
	query := `
		INSERT INTO achievements (` + achievementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (owner, lesson_id) DO UPDATE SET
			lesson_title = EXCLUDED.lesson_title,
			uri = EXCLUDED.uri,
			status = EXCLUDED.status,
			mint_address = EXCLUDED.mint_address,
			mint_signature = EXCLUDED.mint_signature,
			advance_signature = EXCLUDED.advance_signature,
			failure_category = EXCLUDED.failure_category,
			failure_detail = EXCLUDED.failure_detail,
			attempts = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.conn.Exec(ctx, query,
		a.ID,
		a.Owner.String(),
		a.LessonID,
		a.LessonTitle,
		a.Name,
		a.URI,
		string(a.Status),
		a.MintAddress,
		a.MintSignature,
		a.AdvanceSignature,
		string(a.FailureCategory),
		a.FailureDetail,
		a.Attempts,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save achievement: %w", err)
	}
	return nil
}

// ListByOwner returns owner's achievements ordered by lesson.
func (r *AchievementRepository) ListByOwner(ctx context.Context, owner identity.PublicKey) ([]*badge.Achievement, error) {
	query := `SELECT ` + achievementColumns + ` FROM achievements WHERE owner = $1 ORDER BY lesson_id`
	rows, err := r.conn.Query(ctx, query, owner.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list achievements: %w", err)
	}
	return collectAchievements(rows)
}

// ListRetryable returns failed achievements with a retryable category and
// fewer than maxAttempts attempts, oldest first.
func (r *AchievementRepository) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*badge.Achievement, error) {
	query := `SELECT ` + achievementColumns + `
		FROM achievements
		WHERE status = 'failed' AND attempts < $1 AND failure_category = ANY($2)
		ORDER BY updated_at
		LIMIT $3`
	retryable := []string{
		string(badge.FailureTimeout),
		string(badge.FailureUpstream),
		string(badge.FailureInsufficientBalance),
	}
	rows, err := r.conn.Query(ctx, query, maxAttempts, retryable, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable achievements: %w", err)
	}
	return collectAchievements(rows)
}

func collectAchievements(rows pgx.Rows) ([]*badge.Achievement, error) {
	defer rows.Close()
	var out []*badge.Achievement
	for rows.Next() {
		a, err := scanAchievement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAchievement(row pgx.Row) (*badge.Achievement, error) {
	var (
		a                badge.Achievement
		owner            string
		status, category string
	)
	err := row.Scan(
		&a.ID, &owner, &a.LessonID, &a.LessonTitle, &a.Name, &a.URI, &status,
		&a.MintAddress, &a.MintSignature, &a.AdvanceSignature, &category, &a.FailureDetail,
		&a.Attempts, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pk, err := identity.ParsePublicKey(owner)
	if err != nil {
		return nil, fmt.Errorf("stored owner %q: %w", owner, err)
	}
	a.Owner = pk
	a.Status = badge.Status(status)
	a.FailureCategory = badge.FailureCategory(category)
	return &a, nil
}
