package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"longevity-sync/internal/domain"
)

// PostgresUsersRepository users table
type PostgresUsersRepository struct {
	db *sql.DB
}

func NewPostgresUsersRepository(db *sql.DB) *PostgresUsersRepository {
	return &PostgresUsersRepository{db: db}
}

var _ UsersRepository = (*PostgresUsersRepository)(nil)

func (r *PostgresUsersRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, COALESCE(email, ''), total_tokens_earned, created_at
		FROM users
		WHERE user_id = $1
	`
	var u domain.User
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&u.UserID, &u.Email, &u.TotalTokensEarned, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}
