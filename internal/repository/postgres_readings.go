package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"longevity-sync/internal/domain"
	"longevity-sync/pkg/database"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// bulkInsertChunk readings per INSERT statement
const bulkInsertChunk = 1000

// PostgresReadingsRepository biomarker_readings table
type PostgresReadingsRepository struct {
	db *sql.DB
}

func NewPostgresReadingsRepository(db *sql.DB) *PostgresReadingsRepository {
	return &PostgresReadingsRepository{db: db}
}

var _ ReadingsRepository = (*PostgresReadingsRepository)(nil)

// BulkInsert writes all chunks in one transaction; rows colliding on the natural key are skipped
func (r *PostgresReadingsRepository) BulkInsert(ctx context.Context, readings []domain.BiomarkerReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	inserted := 0
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		n, err := bulkInsertTx(ctx, tx, readings)
		inserted = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// bulkInsertTx inserts readings chunk by chunk inside the caller's transaction
func bulkInsertTx(ctx context.Context, tx *sql.Tx, readings []domain.BiomarkerReading) (int, error) {
	now := time.Now().UTC()
	inserted := 0
	for start := 0; start < len(readings); start += bulkInsertChunk {
		end := start + bulkInsertChunk
		if end > len(readings) {
			end = len(readings)
		}
		n, err := insertReadingsChunk(ctx, tx, readings[start:end], now)
		if err != nil {
			return 0, err
		}
		inserted += n
	}
	return inserted, nil
}

func insertReadingsChunk(ctx context.Context, tx *sql.Tx, readings []domain.BiomarkerReading, createdAt time.Time) (int, error) {
	n := len(readings)
	var (
		ids      = make([]string, n)
		users    = make([]string, n)
		metrics  = make([]string, n)
		values   = make([]float64, n)
		units    = make([]string, n)
		sources  = make([]string, n)
		dates    = make([]string, n)
		metadata = make([]string, n)
	)
	for i, rd := range readings {
		ids[i] = rd.ReadingID
		if ids[i] == "" {
			ids[i] = uuid.NewString()
		}
		users[i] = rd.UserID
		metrics[i] = string(rd.Metric)
		values[i] = rd.Value
		units[i] = rd.Unit
		sources[i] = string(rd.Source)
		dates[i] = rd.Date.UTC().Format(time.RFC3339Nano)
		metadata[i] = "null"
		if len(rd.Metadata) > 0 {
			b, err := json.Marshal(rd.Metadata)
			if err != nil {
				return 0, fmt.Errorf("failed to marshal reading metadata: %w", err)
			}
			metadata[i] = string(b)
		}
	}

	query := `
		INSERT INTO biomarker_readings (
			reading_id, user_id, metric, value, unit, source, date, metadata, created_at
		)
		SELECT r.reading_id, r.user_id, r.metric, r.value, r.unit, r.source, r.date,
			NULLIF(r.metadata, 'null'::jsonb), $9
		FROM unnest(
			$1::uuid[], $2::text[], $3::text[], $4::float8[],
			$5::text[], $6::text[], $7::timestamptz[], $8::jsonb[]
		) AS r(reading_id, user_id, metric, value, unit, source, date, metadata)
		ON CONFLICT (user_id, metric, source, date) DO NOTHING
	`
	res, err := tx.ExecContext(ctx, query,
		pq.Array(ids), pq.Array(users), pq.Array(metrics), pq.Array(values),
		pq.Array(units), pq.Array(sources), pq.Array(dates), pq.Array(metadata),
		createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert readings: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted count: %w", err)
	}
	return int(affected), nil
}

func (r *PostgresReadingsRepository) ListReadings(ctx context.Context, filter ReadingFilters) ([]*domain.BiomarkerReading, error) {
	where := []string{"user_id = $1"}
	args := []interface{}{filter.UserID}
	argN := 2

	if filter.Metric != "" {
		where = append(where, fmt.Sprintf("metric = $%d", argN))
		args = append(args, string(filter.Metric))
		argN++
	}
	if filter.Source != "" {
		where = append(where, fmt.Sprintf("source = $%d", argN))
		args = append(args, string(filter.Source))
		argN++
	}
	if filter.From != nil {
		where = append(where, fmt.Sprintf("date >= $%d", argN))
		args = append(args, filter.From.UTC())
		argN++
	}
	if filter.To != nil {
		where = append(where, fmt.Sprintf("date <= $%d", argN))
		args = append(args, filter.To.UTC())
		argN++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultReadingsLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT reading_id::text, user_id, metric, value, unit, source, date, metadata, created_at
		FROM biomarker_readings
		WHERE %s
		ORDER BY date DESC, metric
		LIMIT $%d
	`, strings.Join(where, " AND "), argN)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}
	defer rows.Close()

	var out []*domain.BiomarkerReading
	for rows.Next() {
		var (
			rd       domain.BiomarkerReading
			metric   string
			source   string
			metadata []byte
		)
		if err := rows.Scan(&rd.ReadingID, &rd.UserID, &metric, &rd.Value, &rd.Unit, &source, &rd.Date, &metadata, &rd.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		rd.Metric = domain.Metric(metric)
		rd.Source = domain.Provider(source)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rd.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode reading metadata: %w", err)
			}
		}
		out = append(out, &rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}
	return out, nil
}
