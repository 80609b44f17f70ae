package service

import (
	"context"
	"time"

	"longevity-sync/internal/domain"
	redisclient "longevity-sync/pkg/redis"

	"github.com/go-redis/redis/v8"
)

// SyncCompletedEvent published after every successful sync
type SyncCompletedEvent struct {
	SyncID            string          `json:"syncId"`
	UserID            string          `json:"userId"`
	Provider          domain.Provider `json:"provider"`
	Synced            int             `json:"synced"`
	Inserted          int             `json:"inserted"`
	Reward            string          `json:"reward"`
	TotalTokensEarned string          `json:"totalTokensEarned,omitempty"`
	ContributionID    string          `json:"contributionId,omitempty"`
	FailedMetrics     []string        `json:"failedMetrics,omitempty"`
	SyncedAt          time.Time       `json:"syncedAt"`
}

// EventPublisher fan-out of sync outcomes to other services
type EventPublisher interface {
	PublishSyncCompleted(ctx context.Context, ev SyncCompletedEvent) error
}

// RedisStreamPublisher XADDs events to a capped Redis stream
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamPublisher) PublishSyncCompleted(ctx context.Context, ev SyncCompletedEvent) error {
	_, err := redisclient.PublishJSONToStream(ctx, p.client, p.stream, p.maxLen, ev)
	return err
}
