package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"longevity-sync/internal/domain"
	"longevity-sync/internal/service"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ResyncService what the job needs from the sync service
type ResyncService interface {
	ActiveOAuthConnections(ctx context.Context) ([]*domain.WearableConnection, error)
	SyncStored(ctx context.Context, userID string, p domain.Provider) (*service.SyncResult, error)
}

// RunSummary outcome of one pass
type RunSummary struct {
	Total  int
	Synced int
	Failed int
}

// SyncScheduler periodically re-syncs every active OAuth connection.
// Spec accepts 5 fields or 6 with leading seconds; overlapping runs are skipped.
type SyncScheduler struct {
	cron        *cron.Cron
	svc         ResyncService
	spec        string
	concurrency int
	timeout     time.Duration
	logger      *zap.Logger
}

func NewSyncScheduler(svc ResyncService, spec string, concurrency int, timeout time.Duration, logger *zap.Logger) *SyncScheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &SyncScheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		svc:         svc,
		spec:        spec,
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger,
	}
}

func (s *SyncScheduler) Start() error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("Wearable re-sync scheduler started", zap.String("spec", s.spec), zap.Int("concurrency", s.concurrency))
	return nil
}

// Stop waits for a running pass to finish
func (s *SyncScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Wearable re-sync scheduler stopped")
}

// RunOnce re-syncs all active OAuth connections with at most `concurrency` syncs in flight
func (s *SyncScheduler) RunOnce(ctx context.Context) RunSummary {
	conns, err := s.svc.ActiveOAuthConnections(ctx)
	if err != nil {
		s.logger.Error("Failed to list active connections", zap.Error(err))
		return RunSummary{}
	}

	s.logger.Info("Starting wearable re-sync", zap.Int("connections", len(conns)))

	var (
		wg     sync.WaitGroup
		synced int64
		failed int64
		sem    = make(chan struct{}, s.concurrency)
	)
	for _, conn := range conns {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			s.logger.Warn("Re-sync interrupted", zap.Error(ctx.Err()))
			wg.Wait()
			return RunSummary{Total: len(conns), Synced: int(synced), Failed: int(failed)}
		}

		wg.Add(1)
		go func(conn *domain.WearableConnection) {
			defer wg.Done()
			defer func() { <-sem }()

			syncCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			if _, err := s.svc.SyncStored(syncCtx, conn.UserID, conn.Provider); err != nil {
				atomic.AddInt64(&failed, 1)
				s.logger.Warn("Scheduled sync failed",
					zap.String("user_id", conn.UserID),
					zap.String("provider", string(conn.Provider)),
					zap.Error(err),
				)
				return
			}
			atomic.AddInt64(&synced, 1)
		}(conn)
	}
	wg.Wait()

	summary := RunSummary{Total: len(conns), Synced: int(synced), Failed: int(failed)}
	s.logger.Info("Wearable re-sync completed",
		zap.Int("total", summary.Total),
		zap.Int("synced", summary.Synced),
		zap.Int("failed", summary.Failed),
	)
	return summary
}
