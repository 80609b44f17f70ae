package repository

import (
	"context"
	"database/sql"
	"fmt"

	"longevity-sync/internal/domain"
	"longevity-sync/pkg/database"
)

// PostgresSyncWriter writes biomarker_readings and desci_contributions of one sync in one transaction
type PostgresSyncWriter struct {
	db *sql.DB
}

func NewPostgresSyncWriter(db *sql.DB) *PostgresSyncWriter {
	return &PostgresSyncWriter{db: db}
}

var _ SyncWriter = (*PostgresSyncWriter)(nil)

func (w *PostgresSyncWriter) WriteSync(ctx context.Context, readings []domain.BiomarkerReading, contribute ContributionFunc) (*SyncWrite, error) {
	out := &SyncWrite{}
	err := database.WithTx(ctx, w.db, func(tx *sql.Tx) error {
		inserted := 0
		if len(readings) > 0 {
			n, err := bulkInsertTx(ctx, tx, readings)
			if err != nil {
				return err
			}
			inserted = n
		}
		out.Inserted = inserted

		c := contribute(inserted)
		if c == nil {
			return nil
		}
		total, err := recordContributionTx(ctx, tx, c)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLedgerWrite, err)
		}
		out.Contribution = c
		out.TotalTokensEarned = &total
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
