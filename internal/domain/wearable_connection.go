package domain

import "time"

// WearableConnection per-(user, provider) sync state; unique on (UserID, Provider)
type WearableConnection struct {
	ConnectionID string     `json:"connection_id"`
	UserID       string     `json:"user_id"`
	Provider     Provider   `json:"provider"`
	Credential   Credential `json:"-"`
	LastSyncAt   *time.Time `json:"last_sync_at"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
