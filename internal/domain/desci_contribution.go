package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResearchStudyWearableSync research_study label written by the wearable sync flow
const ResearchStudyWearableSync = "wearable_sync"

// DesciContribution append-only reward ledger row
type DesciContribution struct {
	ContributionID string          `json:"contribution_id"`
	UserID         string          `json:"user_id"`
	Provider       Provider        `json:"provider"`
	DataPoints     int             `json:"data_points"`
	TokenReward    decimal.Decimal `json:"token_reward"`
	ResearchStudy  string          `json:"research_study"`
	CreatedAt      time.Time       `json:"created_at"`
}
