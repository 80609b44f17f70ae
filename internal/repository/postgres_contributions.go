package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"longevity-sync/internal/domain"
	"longevity-sync/pkg/database"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostgresContributionsRepository desci_contributions ledger plus the users.total_tokens_earned projection
type PostgresContributionsRepository struct {
	db *sql.DB
}

func NewPostgresContributionsRepository(db *sql.DB) *PostgresContributionsRepository {
	return &PostgresContributionsRepository{db: db}
}

var _ ContributionsRepository = (*PostgresContributionsRepository)(nil)

func (r *PostgresContributionsRepository) RecordContribution(ctx context.Context, c *domain.DesciContribution) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		t, err := recordContributionTx(ctx, tx, c)
		total = t
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// recordContributionTx appends c and refreshes the user's total inside the caller's transaction
func recordContributionTx(ctx context.Context, tx *sql.Tx, c *domain.DesciContribution) (decimal.Decimal, error) {
	if c.ContributionID == "" {
		c.ContributionID = uuid.NewString()
	}
	if c.ResearchStudy == "" {
		c.ResearchStudy = domain.ResearchStudyWearableSync
	}

	// serializes ledger writes per user
	var lockedID string
	err := tx.QueryRowContext(ctx, `SELECT user_id FROM users WHERE user_id = $1 FOR UPDATE`, c.UserID).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("failed to lock user: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO desci_contributions (
			contribution_id, user_id, provider, data_points, token_reward, research_study, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`, c.ContributionID, c.UserID, string(c.Provider), c.DataPoints, c.TokenReward, c.ResearchStudy).Scan(&c.CreatedAt)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to insert contribution: %w", err)
	}

	var total decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		UPDATE users
		SET total_tokens_earned = (
			SELECT COALESCE(SUM(token_reward), 0) FROM desci_contributions WHERE user_id = $1
		)
		WHERE user_id = $1
		RETURNING total_tokens_earned
	`, c.UserID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to refresh total tokens: %w", err)
	}
	return total, nil
}

func (r *PostgresContributionsRepository) ListContributions(ctx context.Context, userID string, page, size int) ([]*domain.DesciContribution, int, error) {
	page, size = normalizePage(page, size)

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM desci_contributions WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count contributions: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT contribution_id::text, user_id, provider, data_points, token_reward, research_study, created_at
		FROM desci_contributions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list contributions: %w", err)
	}
	defer rows.Close()

	var out []*domain.DesciContribution
	for rows.Next() {
		var (
			c        domain.DesciContribution
			provider string
		)
		if err := rows.Scan(&c.ContributionID, &c.UserID, &provider, &c.DataPoints, &c.TokenReward, &c.ResearchStudy, &c.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan contribution: %w", err)
		}
		c.Provider = domain.Provider(provider)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate contributions: %w", err)
	}
	return out, total, nil
}
