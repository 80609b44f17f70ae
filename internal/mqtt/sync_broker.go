package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"longevity-sync/internal/domain"
	"longevity-sync/internal/service"

	"go.uber.org/zap"
)

// StoredSyncer re-syncs a pair with its stored credential
type StoredSyncer interface {
	SyncStored(ctx context.Context, userID string, p domain.Provider) (*service.SyncResult, error)
}

// SyncRequestMessage one element of a sync-request payload
type SyncRequestMessage struct {
	UserID   string `json:"userId"`
	Provider string `json:"provider"`
}

// SyncBroker handles sync requests published by other services, e.g.
//
//	[{"userId": "0b4c...", "provider": "oura"}]
//
// A single object is accepted as well.
type SyncBroker struct {
	syncer  StoredSyncer
	timeout time.Duration
	logger  *zap.Logger
}

func NewSyncBroker(syncer StoredSyncer, timeout time.Duration, logger *zap.Logger) *SyncBroker {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &SyncBroker{syncer: syncer, timeout: timeout, logger: logger}
}

// HandleMessage processes every element; one failed sync does not stop the rest
func (b *SyncBroker) HandleMessage(topic string, payload []byte) error {
	messages, err := decodeSyncRequests(payload)
	if err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	failed := 0
	for _, msg := range messages {
		if err := b.processMessage(msg); err != nil {
			failed++
			b.logger.Error("Failed to process sync request",
				zap.String("topic", topic),
				zap.String("user_id", msg.UserID),
				zap.String("provider", msg.Provider),
				zap.Error(err),
			)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d sync requests failed", failed, len(messages))
	}
	return nil
}

func decodeSyncRequests(payload []byte) ([]SyncRequestMessage, error) {
	var messages []SyncRequestMessage
	if err := json.Unmarshal(payload, &messages); err == nil {
		return messages, nil
	}
	var single SyncRequestMessage
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, err
	}
	return []SyncRequestMessage{single}, nil
}

func (b *SyncBroker) processMessage(msg SyncRequestMessage) error {
	p, ok := domain.ParseProvider(msg.Provider)
	if !ok {
		return fmt.Errorf("unknown provider %q", msg.Provider)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	res, err := b.syncer.SyncStored(ctx, msg.UserID, p)
	if err != nil {
		return err
	}
	b.logger.Info("MQTT-triggered sync completed",
		zap.String("user_id", msg.UserID),
		zap.String("provider", string(p)),
		zap.Int("synced", res.Synced),
		zap.String("reward", res.Reward.String()),
	)
	return nil
}
