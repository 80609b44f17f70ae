package repository

import (
	"context"
	"errors"
	"time"

	"longevity-sync/internal/domain"

	"github.com/shopspring/decimal"
)

// ErrNotFound returned when the requested row does not exist
var ErrNotFound = errors.New("not found")

// ErrLedgerWrite wraps a WriteSync failure in the ledger step. The readings of the same
// sync were rolled back with it.
var ErrLedgerWrite = errors.New("ledger write failed")

// UsersRepository read access to application users
type UsersRepository interface {
	// GetUser returns ErrNotFound for unknown ids
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// ConnectionsRepository per-(user, provider) sync state
type ConnectionsRepository interface {
	// UpsertConnection creates the row (active, lastSyncAt=syncedAt) or refreshes credential,
	// lastSyncAt and is_active on the existing one. One statement; uniqueness is the store's job.
	UpsertConnection(ctx context.Context, userID string, provider domain.Provider, cred domain.Credential, syncedAt time.Time) (*domain.WearableConnection, error)

	// GetConnection returns ErrNotFound when the pair never synced
	GetConnection(ctx context.Context, userID string, provider domain.Provider) (*domain.WearableConnection, error)

	// ListActiveConnections active connections of one provider; empty provider lists all
	ListActiveConnections(ctx context.Context, provider domain.Provider) ([]*domain.WearableConnection, error)

	// DeactivateConnection sets is_active=false; rows are never deleted
	DeactivateConnection(ctx context.Context, userID string, provider domain.Provider) error
}

// ReadingsRepository biomarker readings
type ReadingsRepository interface {
	// BulkInsert skips readings colliding on (user_id, metric, source, date) and returns
	// how many rows were actually written. Empty input is a no-op.
	BulkInsert(ctx context.Context, readings []domain.BiomarkerReading) (int, error)

	ListReadings(ctx context.Context, filter ReadingFilters) ([]*domain.BiomarkerReading, error)
}

// ReadingFilters UserID is required, the rest optional
type ReadingFilters struct {
	UserID string
	Metric domain.Metric
	Source domain.Provider
	From   *time.Time
	To     *time.Time
	Limit  int
}

// DefaultReadingsLimit applied when ReadingFilters.Limit is not set
const DefaultReadingsLimit = 500

// ContributionsRepository the reward ledger
type ContributionsRepository interface {
	// RecordContribution appends c and refreshes users.total_tokens_earned from the ledger sum
	// in the same transaction. Returns the new total. ErrNotFound when the user does not exist.
	RecordContribution(ctx context.Context, c *domain.DesciContribution) (decimal.Decimal, error)

	ListContributions(ctx context.Context, userID string, page, size int) ([]*domain.DesciContribution, int, error)
}

// ContributionFunc builds the ledger row of a sync once the number of newly written
// readings is known. Returning nil skips the ledger.
type ContributionFunc func(inserted int) *domain.DesciContribution

// SyncWrite what WriteSync persisted
type SyncWrite struct {
	Inserted          int
	Contribution      *domain.DesciContribution
	TotalTokensEarned *decimal.Decimal
}

// SyncWriter persists the readings and the ledger row of one sync as a single unit:
// either both are stored or neither is.
type SyncWriter interface {
	WriteSync(ctx context.Context, readings []domain.BiomarkerReading, contribute ContributionFunc) (*SyncWrite, error)
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 50
	}
	if size > 500 {
		size = 500
	}
	return page, size
}
