package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User the subset of the application user this service reads and writes.
// TotalTokensEarned is a projection of SUM(desci_contributions.token_reward).
type User struct {
	UserID            string          `json:"user_id"`
	Email             string          `json:"email"`
	TotalTokensEarned decimal.Decimal `json:"total_tokens_earned"`
	CreatedAt         time.Time       `json:"created_at"`
}
