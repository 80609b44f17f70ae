package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"longevity-sync/internal/domain"
	"longevity-sync/internal/normalizer"
	"longevity-sync/internal/provider"
	"longevity-sync/internal/repository"
	"longevity-sync/internal/reward"
	"longevity-sync/internal/store"
	apperrors "longevity-sync/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SyncRequest one client-initiated sync. REST providers need an OAuth credential,
// file-based providers an Export.
type SyncRequest struct {
	UserID     string
	Provider   domain.Provider
	Credential domain.Credential
	Export     *provider.ExportFile

	// storedCredential marks syncs started without the client (MQTT, scheduler); they
	// re-read the whole window, so only newly written readings are rewarded
	storedCredential bool
}

// SyncResult summary returned to the caller
type SyncResult struct {
	SyncID            string
	Synced            int
	Inserted          int
	Reward            decimal.Decimal
	Counts            map[provider.Category]int
	FailedMetrics     []provider.Category
	ContributionID    string
	TotalTokensEarned *decimal.Decimal
}

// ConnectionStatus `{connected, lastSyncAt}` view of a connection
type ConnectionStatus struct {
	Connected  bool       `json:"connected"`
	LastSyncAt *time.Time `json:"lastSyncAt"`
}

// SyncOptions policy knobs
type SyncOptions struct {
	ProviderTimeout time.Duration
	// RewardInserted rewards only readings that were actually written
	RewardInserted bool
	StatusCacheTTL time.Duration
}

// SyncService orchestrates fetch, normalize, persist and reward for one sync
type SyncService struct {
	users         repository.UsersRepository
	connections   repository.ConnectionsRepository
	readings      repository.ReadingsRepository
	contributions repository.ContributionsRepository
	writer        repository.SyncWriter
	adapters      provider.AdapterFactory
	calculator    *reward.Calculator
	opts          SyncOptions
	logger        *zap.Logger

	statusCache store.KV
	events      EventPublisher
	archiver    ExportArchiver

	now func() time.Time
}

func NewSyncService(
	users repository.UsersRepository,
	connections repository.ConnectionsRepository,
	readings repository.ReadingsRepository,
	contributions repository.ContributionsRepository,
	writer repository.SyncWriter,
	adapters provider.AdapterFactory,
	calculator *reward.Calculator,
	opts SyncOptions,
	logger *zap.Logger,
) *SyncService {
	if calculator == nil {
		calculator = reward.NewCalculator(reward.DefaultRate)
	}
	return &SyncService{
		users:         users,
		connections:   connections,
		readings:      readings,
		contributions: contributions,
		writer:        writer,
		adapters:      adapters,
		calculator:    calculator,
		opts:          opts,
		logger:        logger,
		now:           time.Now,
	}
}

// WithStatusCache enables the read-through connection status cache
func (s *SyncService) WithStatusCache(kv store.KV) *SyncService {
	s.statusCache = kv
	return s
}

// WithEvents publishes a SyncCompletedEvent after each successful sync
func (s *SyncService) WithEvents(p EventPublisher) *SyncService {
	s.events = p
	return s
}

// WithArchiver keeps a copy of every accepted export upload
func (s *SyncService) WithArchiver(a ExportArchiver) *SyncService {
	s.archiver = a
	return s
}

// Sync runs the pipeline once. Validation and unknown-user failures happen before any write.
// Per-category fetch failures degrade to empty results; persistence and ledger failures abort.
func (s *SyncService) Sync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	started := s.now()
	res, err := s.sync(ctx, req)

	outcome := "success"
	if err != nil {
		outcome = apperrors.CodeOf(err)
	}
	syncTotal.WithLabelValues(string(req.Provider), outcome).Inc()
	syncDuration.WithLabelValues(string(req.Provider)).Observe(s.now().Sub(started).Seconds())
	return res, err
}

func (s *SyncService) sync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	// 1. validate
	if err := validateSyncRequest(req); err != nil {
		return nil, err
	}

	// 2. resolve user
	if _, err := s.users.GetUser(ctx, req.UserID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("User not found")
		}
		return nil, apperrors.New(apperrors.ErrInternal, "failed to load user", err)
	}

	syncedAt := s.now().UTC()
	adapter, window, err := s.adapters.Adapter(req.Provider, provider.Source{
		Credential: req.Credential,
		Export:     req.Export,
	}, syncedAt)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, apperrors.New(apperrors.ErrInternal, "failed to prepare provider", err)
	}

	logger := s.logger.With(
		zap.String("user_id", req.UserID),
		zap.String("provider", string(req.Provider)),
	)

	// 3. fetch
	data := provider.FetchAll(ctx, adapter, window, s.opts.ProviderTimeout)
	failed := data.Failed()
	for _, c := range failed {
		fetchFailures.WithLabelValues(string(req.Provider), string(c)).Inc()
		logger.Warn("Provider fetch failed, continuing without category",
			zap.String("category", string(c)),
			zap.Error(data.Errors[c]),
		)
	}

	// 4. normalize
	norm := normalizer.Normalize(req.UserID, req.Provider, data, syncedAt)
	candidates := len(norm.Readings)

	// 5. persist connection
	cred := req.Credential
	if req.Provider.FileBased() {
		cred = domain.FileUploadMarker()
	}
	if _, err := s.connections.UpsertConnection(ctx, req.UserID, req.Provider, cred, syncedAt); err != nil {
		logger.Error("Failed to upsert wearable connection", zap.Error(err))
		return nil, apperrors.New(apperrors.ErrPersistence, "failed to save wearable connection", err)
	}

	// 6-8. readings and ledger row commit together
	rewardInserted := s.opts.RewardInserted || req.storedCredential
	var (
		dataPoints int
		tokens     decimal.Decimal
	)
	write, err := s.writer.WriteSync(ctx, norm.Readings, func(inserted int) *domain.DesciContribution {
		dataPoints = candidates
		if rewardInserted {
			dataPoints = inserted
		}
		tokens = s.calculator.Calculate(dataPoints)
		if !tokens.IsPositive() {
			return nil
		}
		return &domain.DesciContribution{
			UserID:        req.UserID,
			Provider:      req.Provider,
			DataPoints:    dataPoints,
			TokenReward:   tokens,
			ResearchStudy: domain.ResearchStudyWearableSync,
		}
	})
	if err != nil {
		// the connection row already carries the new lastSyncAt
		s.invalidateStatus(ctx, req.UserID, req.Provider)
		if errors.Is(err, repository.ErrLedgerWrite) {
			logger.Error("Failed to record contribution, readings rolled back",
				zap.Int("data_points", dataPoints),
				zap.String("token_reward", tokens.String()),
				zap.Error(err),
			)
			return nil, apperrors.New(apperrors.ErrLedger, "failed to record contribution", err)
		}
		logger.Error("Failed to insert readings", zap.Int("candidates", candidates), zap.Error(err))
		return nil, apperrors.New(apperrors.ErrPersistence, "failed to save readings", err)
	}
	inserted := write.Inserted

	result := &SyncResult{
		SyncID:        uuid.NewString(),
		Synced:        candidates,
		Inserted:      inserted,
		Reward:        tokens,
		Counts:        norm.Counts,
		FailedMetrics: failed,
	}
	if write.Contribution != nil {
		result.ContributionID = write.Contribution.ContributionID
		result.TotalTokensEarned = write.TotalTokensEarned
		rewardTokens.WithLabelValues(string(req.Provider)).Add(tokens.InexactFloat64())
	}

	readingsTotal.WithLabelValues(string(req.Provider), "candidate").Add(float64(candidates))
	readingsTotal.WithLabelValues(string(req.Provider), "inserted").Add(float64(inserted))

	logger.Info("Wearable sync completed",
		zap.String("sync_id", result.SyncID),
		zap.Int("synced", candidates),
		zap.Int("inserted", inserted),
		zap.String("reward", tokens.String()),
		zap.Int("failed_categories", len(failed)),
	)

	// 9. best-effort side effects
	s.afterSync(ctx, logger, req, result, syncedAt)
	return result, nil
}

func validateSyncRequest(req SyncRequest) error {
	if req.Provider.FileBased() {
		if req.UserID == "" || req.Export == nil || req.Export.Size <= 0 {
			return apperrors.Validation("Missing required fields: userId and file")
		}
		return nil
	}
	if req.UserID == "" || !req.Credential.IsOAuth() {
		return apperrors.Validation("Missing required fields: userId and accessToken")
	}
	return nil
}

func (s *SyncService) afterSync(ctx context.Context, logger *zap.Logger, req SyncRequest, result *SyncResult, syncedAt time.Time) {
	s.cacheStatus(ctx, req.UserID, req.Provider, ConnectionStatus{Connected: true, LastSyncAt: &syncedAt})

	if s.events != nil {
		ev := SyncCompletedEvent{
			SyncID:         result.SyncID,
			UserID:         req.UserID,
			Provider:       req.Provider,
			Synced:         result.Synced,
			Inserted:       result.Inserted,
			Reward:         result.Reward.String(),
			ContributionID: result.ContributionID,
			SyncedAt:       syncedAt,
		}
		if result.TotalTokensEarned != nil {
			ev.TotalTokensEarned = result.TotalTokensEarned.String()
		}
		for _, c := range result.FailedMetrics {
			ev.FailedMetrics = append(ev.FailedMetrics, string(c))
		}
		if err := s.events.PublishSyncCompleted(ctx, ev); err != nil {
			logger.Warn("Failed to publish sync event", zap.Error(err))
		}
	}

	if s.archiver != nil && req.Export != nil {
		key, err := s.archiver.Archive(ctx, req.UserID, *req.Export)
		if err != nil {
			logger.Warn("Failed to archive export file", zap.Error(err))
		} else {
			logger.Debug("Archived export file", zap.String("key", key))
		}
	}
}

// ====== connection status ======

func statusCacheKey(userID string, p domain.Provider) string {
	return fmt.Sprintf("wearable:status:%s:%s", userID, p)
}

func (s *SyncService) cacheStatus(ctx context.Context, userID string, p domain.Provider, st ConnectionStatus) {
	if s.statusCache == nil {
		return
	}
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := s.statusCache.Set(ctx, statusCacheKey(userID, p), string(b), s.opts.StatusCacheTTL); err != nil {
		s.logger.Warn("Failed to cache connection status", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *SyncService) invalidateStatus(ctx context.Context, userID string, p domain.Provider) {
	if s.statusCache == nil {
		return
	}
	if err := s.statusCache.Del(ctx, statusCacheKey(userID, p)); err != nil {
		s.logger.Warn("Failed to invalidate connection status", zap.String("user_id", userID), zap.Error(err))
	}
}

// ConnectionStatus reports whether the pair has an active connection and when it last synced
func (s *SyncService) ConnectionStatus(ctx context.Context, userID string, p domain.Provider) (*ConnectionStatus, error) {
	if userID == "" {
		return nil, apperrors.Validation("Missing required fields: userId")
	}

	if s.statusCache != nil {
		if raw, err := s.statusCache.Get(ctx, statusCacheKey(userID, p)); err == nil {
			var st ConnectionStatus
			if json.Unmarshal([]byte(raw), &st) == nil {
				return &st, nil
			}
		} else if !errors.Is(err, store.ErrMiss) {
			s.logger.Warn("Connection status cache unavailable", zap.Error(err))
		}
	}

	st := ConnectionStatus{}
	conn, err := s.connections.GetConnection(ctx, userID, p)
	switch {
	case err == nil:
		st.Connected = conn.IsActive
		st.LastSyncAt = conn.LastSyncAt
	case errors.Is(err, repository.ErrNotFound):
	default:
		return nil, apperrors.New(apperrors.ErrInternal, "failed to load connection", err)
	}

	s.cacheStatus(ctx, userID, p, st)
	return &st, nil
}

// Disconnect deactivates the connection; readings and ledger rows are kept
func (s *SyncService) Disconnect(ctx context.Context, userID string, p domain.Provider) error {
	if userID == "" {
		return apperrors.Validation("Missing required fields: userId")
	}
	if err := s.connections.DeactivateConnection(ctx, userID, p); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound("Connection not found")
		}
		return apperrors.New(apperrors.ErrPersistence, "failed to deactivate connection", err)
	}
	s.invalidateStatus(ctx, userID, p)
	s.logger.Info("Wearable connection deactivated", zap.String("user_id", userID), zap.String("provider", string(p)))
	return nil
}

// ====== stored-credential syncs (MQTT trigger, scheduler) ======

// SyncStored re-syncs a pair with the credential saved by its last sync. The reward
// always counts only newly written readings, whatever the configured basis.
func (s *SyncService) SyncStored(ctx context.Context, userID string, p domain.Provider) (*SyncResult, error) {
	if userID == "" {
		return nil, apperrors.Validation("Missing required fields: userId")
	}
	if p.FileBased() {
		return nil, apperrors.Validation(fmt.Sprintf("provider %s requires a file upload", p))
	}
	conn, err := s.connections.GetConnection(ctx, userID, p)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("Connection not found")
		}
		return nil, apperrors.New(apperrors.ErrInternal, "failed to load connection", err)
	}
	if !conn.IsActive || !conn.Credential.IsOAuth() {
		return nil, apperrors.Validation("Connection is inactive or has no stored token")
	}
	return s.Sync(ctx, SyncRequest{UserID: userID, Provider: p, Credential: conn.Credential, storedCredential: true})
}

// ActiveOAuthConnections connections the scheduler can re-sync on its own
func (s *SyncService) ActiveOAuthConnections(ctx context.Context) ([]*domain.WearableConnection, error) {
	conns, err := s.connections.ListActiveConnections(ctx, "")
	if err != nil {
		return nil, err
	}
	out := conns[:0]
	for _, c := range conns {
		if !c.Provider.FileBased() && c.Credential.IsOAuth() {
			out = append(out, c)
		}
	}
	return out, nil
}

// ====== queries ======

func (s *SyncService) Readings(ctx context.Context, filter repository.ReadingFilters) ([]*domain.BiomarkerReading, error) {
	if filter.UserID == "" {
		return nil, apperrors.Validation("Missing required fields: userId")
	}
	out, err := s.readings.ListReadings(ctx, filter)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "failed to list readings", err)
	}
	return out, nil
}

func (s *SyncService) Contributions(ctx context.Context, userID string, page, size int) ([]*domain.DesciContribution, int, error) {
	if userID == "" {
		return nil, 0, apperrors.Validation("Missing required fields: userId")
	}
	out, total, err := s.contributions.ListContributions(ctx, userID, page, size)
	if err != nil {
		return nil, 0, apperrors.New(apperrors.ErrInternal, "failed to list contributions", err)
	}
	return out, total, nil
}
