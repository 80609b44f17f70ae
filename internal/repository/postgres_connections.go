package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"longevity-sync/internal/domain"

	"github.com/google/uuid"
)

// PostgresConnectionsRepository wearable_connections table
type PostgresConnectionsRepository struct {
	db *sql.DB
}

func NewPostgresConnectionsRepository(db *sql.DB) *PostgresConnectionsRepository {
	return &PostgresConnectionsRepository{db: db}
}

var _ ConnectionsRepository = (*PostgresConnectionsRepository)(nil)

const connectionColumns = `
	connection_id::text, user_id, provider, credential_kind, access_token,
	last_sync_at, is_active, created_at, updated_at
`

func (r *PostgresConnectionsRepository) UpsertConnection(ctx context.Context, userID string, provider domain.Provider, cred domain.Credential, syncedAt time.Time) (*domain.WearableConnection, error) {
	var token sql.NullString
	if cred.IsOAuth() {
		token = sql.NullString{String: cred.Token, Valid: true}
	}

	query := `
		INSERT INTO wearable_connections (
			connection_id, user_id, provider, credential_kind, access_token,
			last_sync_at, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, TRUE, $6, $6)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			credential_kind = EXCLUDED.credential_kind,
			access_token = EXCLUDED.access_token,
			last_sync_at = EXCLUDED.last_sync_at,
			is_active = TRUE,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + connectionColumns

	row := r.db.QueryRowContext(ctx, query,
		uuid.NewString(), userID, string(provider), string(cred.Kind), token, syncedAt.UTC(),
	)
	conn, err := scanConnection(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert wearable connection: %w", err)
	}
	return conn, nil
}

func (r *PostgresConnectionsRepository) GetConnection(ctx context.Context, userID string, provider domain.Provider) (*domain.WearableConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM wearable_connections WHERE user_id = $1 AND provider = $2`
	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, userID, string(provider)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wearable connection: %w", err)
	}
	return conn, nil
}

func (r *PostgresConnectionsRepository) ListActiveConnections(ctx context.Context, provider domain.Provider) ([]*domain.WearableConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM wearable_connections WHERE is_active = TRUE`
	args := []interface{}{}
	if provider != "" {
		query += ` AND provider = $1`
		args = append(args, string(provider))
	}
	query += ` ORDER BY last_sync_at NULLS FIRST`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list wearable connections: %w", err)
	}
	defer rows.Close()

	var out []*domain.WearableConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wearable connection: %w", err)
		}
		out = append(out, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wearable connections: %w", err)
	}
	return out, nil
}

func (r *PostgresConnectionsRepository) DeactivateConnection(ctx context.Context, userID string, provider domain.Provider) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE wearable_connections
		SET is_active = FALSE, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2
	`, userID, string(provider))
	if err != nil {
		return fmt.Errorf("failed to deactivate wearable connection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to deactivate wearable connection: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row rowScanner) (*domain.WearableConnection, error) {
	var (
		conn       domain.WearableConnection
		provider   string
		kind       string
		token      sql.NullString
		lastSyncAt sql.NullTime
	)
	if err := row.Scan(
		&conn.ConnectionID, &conn.UserID, &provider, &kind, &token,
		&lastSyncAt, &conn.IsActive, &conn.CreatedAt, &conn.UpdatedAt,
	); err != nil {
		return nil, err
	}
	conn.Provider = domain.Provider(provider)
	switch domain.CredentialKind(kind) {
	case domain.CredentialOAuthToken:
		conn.Credential = domain.OAuthToken(token.String)
	case domain.CredentialFileUpload:
		conn.Credential = domain.FileUploadMarker()
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time
		conn.LastSyncAt = &t
	}
	return &conn, nil
}
