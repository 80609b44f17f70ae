package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"longevity-sync/internal/domain"
	"longevity-sync/internal/provider"
	"longevity-sync/internal/repository"
	"longevity-sync/internal/reward"
	"longevity-sync/internal/store"
	apperrors "longevity-sync/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ====== test doubles ======

type stubAdapter struct {
	name      domain.Provider
	steps     []provider.StepCount
	heartRate *provider.HeartRateData
	sleep     []provider.SleepSession
	hrv       []provider.HRVSample
	readiness []provider.ReadinessDay
	activity  []provider.ActivitySample
	errs      map[provider.Category]error
	hang      map[provider.Category]bool
}

func (a *stubAdapter) Name() domain.Provider { return a.name }

func (a *stubAdapter) result(c provider.Category) error {
	if a.hang[c] {
		select {}
	}
	if err, ok := a.errs[c]; ok {
		return err
	}
	return nil
}

func (a *stubAdapter) FetchSteps(context.Context, provider.Window) ([]provider.StepCount, error) {
	if err := a.result(provider.CategorySteps); err != nil {
		return nil, err
	}
	return a.steps, nil
}

func (a *stubAdapter) FetchHeartRate(context.Context, provider.Window) (*provider.HeartRateData, error) {
	if err := a.result(provider.CategoryHeartRate); err != nil {
		return nil, err
	}
	return a.heartRate, nil
}

func (a *stubAdapter) FetchSleep(context.Context, provider.Window) ([]provider.SleepSession, error) {
	if err := a.result(provider.CategorySleep); err != nil {
		return nil, err
	}
	return a.sleep, nil
}

func (a *stubAdapter) FetchHRV(context.Context, provider.Window) ([]provider.HRVSample, error) {
	if err := a.result(provider.CategoryHRV); err != nil {
		return nil, err
	}
	return a.hrv, nil
}

func (a *stubAdapter) FetchReadiness(context.Context, provider.Window) ([]provider.ReadinessDay, error) {
	if err := a.result(provider.CategoryReadiness); err != nil {
		return nil, err
	}
	return a.readiness, nil
}

func (a *stubAdapter) FetchActivity(context.Context, provider.Window) ([]provider.ActivitySample, error) {
	if err := a.result(provider.CategoryActivity); err != nil {
		return nil, err
	}
	return a.activity, nil
}

type stubFactory struct {
	adapter provider.Adapter
	calls   int
}

func (f *stubFactory) Adapter(p domain.Provider, src provider.Source, now time.Time) (provider.Adapter, provider.Window, error) {
	f.calls++
	return f.adapter, provider.TrailingWindow(now, provider.DefaultWindowDays), nil
}

type failingWriter struct {
	err error
}

func (w failingWriter) WriteSync(context.Context, []domain.BiomarkerReading, repository.ContributionFunc) (*repository.SyncWrite, error) {
	return nil, w.err
}

// staticUsers resolves every id, standing in for a user row removed while the sync runs
type staticUsers struct{}

func (staticUsers) GetUser(_ context.Context, userID string) (*domain.User, error) {
	return &domain.User{UserID: userID}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []SyncCompletedEvent
}

func (p *recordingPublisher) PublishSyncCompleted(_ context.Context, ev SyncCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type recordingArchiver struct {
	keys []string
	err  error
}

func (a *recordingArchiver) Archive(_ context.Context, userID string, f provider.ExportFile) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	key := userID + "/" + f.Name
	a.keys = append(a.keys, key)
	return key, nil
}

// ====== fixtures ======

var syncClock = time.Date(2024, 3, 31, 9, 0, 0, 0, time.UTC)

// ringAdapter 2 scored nights, 3 HRV samples and 10 readiness days out of 30
func ringAdapter() *stubAdapter {
	night1 := time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC)
	night2 := night1.AddDate(0, 0, 1)

	readiness := make([]provider.ReadinessDay, 0, 30)
	for i := 0; i < 30; i++ {
		day := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
		entry := provider.ReadinessDay{Day: day}
		if i%3 == 0 {
			entry.Score = provider.Float64(float64(60 + i))
		}
		readiness = append(readiness, entry)
	}

	return &stubAdapter{
		name: domain.ProviderOura,
		errs: map[provider.Category]error{provider.CategorySteps: provider.ErrUnsupported},
		sleep: []provider.SleepSession{
			{Day: night1, Score: provider.Float64(80), Contributors: &provider.SleepContributors{TotalSleep: provider.Float64(7.0)}},
			{Day: night2, Score: provider.Float64(85), Contributors: &provider.SleepContributors{TotalSleep: provider.Float64(6.5)}},
		},
		hrv: []provider.HRVSample{
			{Timestamp: night1.Add(23 * time.Hour), HRV: provider.Float64(42)},
			{Timestamp: night2.Add(23 * time.Hour), RMSSD: provider.Float64(38)},
			{Timestamp: night2.Add(47 * time.Hour), HRV: provider.Float64(45), BPM: provider.Float64(52)},
		},
		readiness: readiness,
	}
}

func newTestSyncService(t *testing.T, adapter provider.Adapter, opts SyncOptions) (*SyncService, *repository.MemoryWearablesStore) {
	t.Helper()
	mem := repository.NewMemoryWearablesStore()
	mem.AddUser("user-1", "user-1@example.com")

	svc := NewSyncService(mem, mem, mem, mem, mem, &stubFactory{adapter: adapter},
		reward.NewCalculator(reward.DefaultRate), opts, zap.NewNop())
	svc.now = func() time.Time { return syncClock }
	return svc, mem
}

func ouraRequest() SyncRequest {
	return SyncRequest{UserID: "user-1", Provider: domain.ProviderOura, Credential: domain.OAuthToken("tok")}
}

// ====== pipeline ======

func TestSync_RingScenario(t *testing.T) {
	svc, mem := newTestSyncService(t, ringAdapter(), SyncOptions{})
	ctx := context.Background()

	res, err := svc.Sync(ctx, ouraRequest())
	require.NoError(t, err)

	assert.Equal(t, 17, res.Synced)
	assert.Equal(t, 17, res.Inserted)
	assert.Equal(t, "1.7", res.Reward.String())
	assert.Equal(t, 4, res.Counts[provider.CategorySleep])
	assert.Equal(t, 3, res.Counts[provider.CategoryHRV])
	assert.Equal(t, 10, res.Counts[provider.CategoryReadiness])
	assert.Equal(t, 0, res.Counts[provider.CategorySteps])
	assert.Empty(t, res.FailedMetrics)

	contributions, total, err := mem.ListContributions(ctx, "user-1", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, 17, contributions[0].DataPoints)
	assert.Equal(t, "1.7", contributions[0].TokenReward.String())
	assert.Equal(t, domain.ResearchStudyWearableSync, contributions[0].ResearchStudy)

	user, err := mem.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "1.7", user.TotalTokensEarned.String())
	require.NotNil(t, res.TotalTokensEarned)
	assert.Equal(t, "1.7", res.TotalTokensEarned.String())
}

func TestSync_DedupIdempotence(t *testing.T) {
	svc, mem := newTestSyncService(t, ringAdapter(), SyncOptions{})
	ctx := context.Background()

	_, err := svc.Sync(ctx, ouraRequest())
	require.NoError(t, err)
	first := mem.ReadingCount()

	res, err := svc.Sync(ctx, ouraRequest())
	require.NoError(t, err)
	assert.Equal(t, first, mem.ReadingCount())
	assert.Equal(t, 0, res.Inserted)
	// candidate basis: the repeat sync is still rewarded
	assert.Equal(t, "1.7", res.Reward.String())
	assert.Equal(t, "3.4", res.TotalTokensEarned.String())
}

func TestSync_InsertedBasisDoesNotRewardDuplicates(t *testing.T) {
	svc, mem := newTestSyncService(t, ringAdapter(), SyncOptions{RewardInserted: true})
	ctx := context.Background()

	_, err := svc.Sync(ctx, ouraRequest())
	require.NoError(t, err)
	res, err := svc.Sync(ctx, ouraRequest())
	require.NoError(t, err)

	assert.True(t, res.Reward.IsZero())
	assert.Empty(t, res.ContributionID)
	_, total, err := mem.ListContributions(ctx, "user-1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSync_PartialFailureIsolation(t *testing.T) {
	adapter := &stubAdapter{
		name:  domain.ProviderGoogleFit,
		steps: []provider.StepCount{{Count: 8000}},
		heartRate: &provider.HeartRateData{Samples: []provider.HeartRateSample{
			{Timestamp: syncClock.Add(-2 * time.Hour), BPM: 70},
			{Timestamp: syncClock.Add(-time.Hour), BPM: 58},
		}},
		errs: map[provider.Category]error{
			provider.CategorySleep:     errors.New("502 bad gateway"),
			provider.CategoryHRV:       provider.ErrUnsupported,
			provider.CategoryReadiness: provider.ErrUnsupported,
			provider.CategoryActivity:  provider.ErrUnsupported,
		},
	}
	svc, mem := newTestSyncService(t, adapter, SyncOptions{})

	res, err := svc.Sync(context.Background(), SyncRequest{
		UserID: "user-1", Provider: domain.ProviderGoogleFit, Credential: domain.OAuthToken("tok"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Counts[provider.CategorySleep])
	assert.Equal(t, 1, res.Counts[provider.CategorySteps])
	assert.Equal(t, 1, res.Counts[provider.CategoryHeartRate])
	assert.Equal(t, []provider.Category{provider.CategorySleep}, res.FailedMetrics)
	assert.Equal(t, 2, mem.ReadingCount())
	assert.Equal(t, "0.2", res.Reward.String())
}

func TestSync_CategoryTimeoutDoesNotBlock(t *testing.T) {
	adapter := ringAdapter()
	adapter.hang = map[provider.Category]bool{provider.CategoryHRV: true}
	svc, _ := newTestSyncService(t, adapter, SyncOptions{ProviderTimeout: 50 * time.Millisecond})

	done := make(chan struct{})
	var res *SyncResult
	var err error
	go func() {
		res, err = svc.Sync(context.Background(), ouraRequest())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sync blocked on a hanging category")
	}
	require.NoError(t, err)
	assert.Equal(t, 14, res.Synced)
	assert.Contains(t, res.FailedMetrics, provider.CategoryHRV)
}

func TestSync_ZeroReadingsSkipsLedger(t *testing.T) {
	svc, mem := newTestSyncService(t, &stubAdapter{name: domain.ProviderOura}, SyncOptions{})
	ctx := context.Background()

	res, err := svc.Sync(ctx, ouraRequest())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Synced)
	assert.True(t, res.Reward.IsZero())
	assert.Nil(t, res.TotalTokensEarned)

	_, total, err := mem.ListContributions(ctx, "user-1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Equal(t, 1, mem.ConnectionCount())
}

func TestSync_ConnectionUpsertUniqueness(t *testing.T) {
	svc, mem := newTestSyncService(t, ringAdapter(), SyncOptions{})
	ctx := context.Background()

	_, err := svc.Sync(ctx, ouraRequest())
	require.NoError(t, err)

	second := syncClock.Add(3 * time.Hour)
	svc.now = func() time.Time { return second }
	_, err = svc.Sync(ctx, ouraRequest())
	require.NoError(t, err)

	assert.Equal(t, 1, mem.ConnectionCount())
	conn, err := mem.GetConnection(ctx, "user-1", domain.ProviderOura)
	require.NoError(t, err)
	assert.True(t, conn.IsActive)
	require.NotNil(t, conn.LastSyncAt)
	assert.True(t, conn.LastSyncAt.Equal(second))
}

func TestSync_MissingFieldsRejectedWithoutWrites(t *testing.T) {
	cases := []struct {
		name string
		req  SyncRequest
	}{
		{"missing token", SyncRequest{UserID: "user-1", Provider: domain.ProviderOura}},
		{"missing user", SyncRequest{Provider: domain.ProviderOura, Credential: domain.OAuthToken("tok")}},
		{"file marker is not a token", SyncRequest{UserID: "user-1", Provider: domain.ProviderGoogleFit, Credential: domain.FileUploadMarker()}},
		{"missing file", SyncRequest{UserID: "user-1", Provider: domain.ProviderAppleHealth}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, mem := newTestSyncService(t, ringAdapter(), SyncOptions{})
			factory := svc.adapters.(*stubFactory)

			_, err := svc.Sync(context.Background(), tc.req)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
			assert.Equal(t, 400, apperrors.HTTPStatus(err))

			assert.Equal(t, 0, factory.calls)
			assert.Equal(t, 0, mem.ConnectionCount())
			assert.Equal(t, 0, mem.ReadingCount())
			_, total, _ := mem.ListContributions(context.Background(), tc.req.UserID, 1, 10)
			assert.Equal(t, 0, total)
		})
	}
}

func TestSync_UnknownUser(t *testing.T) {
	svc, mem := newTestSyncService(t, ringAdapter(), SyncOptions{})

	req := ouraRequest()
	req.UserID = "ghost"
	_, err := svc.Sync(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 404, apperrors.HTTPStatus(err))
	assert.Equal(t, 0, mem.ConnectionCount())
}

func TestSync_ReadingPersistenceFailureGrantsNoReward(t *testing.T) {
	mem := repository.NewMemoryWearablesStore()
	mem.AddUser("user-1", "")
	svc := NewSyncService(mem, mem, mem, mem, failingWriter{err: errors.New("disk full")},
		&stubFactory{adapter: ringAdapter()}, nil, SyncOptions{}, zap.NewNop())

	_, err := svc.Sync(context.Background(), ouraRequest())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))
	assert.Equal(t, "internal server error", apperrors.PublicMessage(err))

	_, total, _ := mem.ListContributions(context.Background(), "user-1", 1, 10)
	assert.Equal(t, 0, total)
}

func TestSync_LedgerFailureRollsBackReadings(t *testing.T) {
	mem := repository.NewMemoryWearablesStore()
	svc := NewSyncService(staticUsers{}, mem, mem, mem, mem,
		&stubFactory{adapter: ringAdapter()}, nil, SyncOptions{RewardInserted: true}, zap.NewNop())
	svc.now = func() time.Time { return syncClock }
	ctx := context.Background()

	_, err := svc.Sync(ctx, ouraRequest())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrLedger))
	assert.Equal(t, 500, apperrors.HTTPStatus(err))
	assert.Equal(t, 0, mem.ReadingCount())

	// a retry once the ledger accepts the row stores and rewards everything
	mem.AddUser("user-1", "")
	res, err := svc.Sync(ctx, ouraRequest())
	require.NoError(t, err)
	assert.Equal(t, 17, res.Inserted)
	assert.Equal(t, "1.7", res.Reward.String())
	require.NotNil(t, res.TotalTokensEarned)
	assert.Equal(t, "1.7", res.TotalTokensEarned.String())
	assert.Equal(t, 17, mem.ReadingCount())
}

func TestSync_WriteFailureInvalidatesCachedStatus(t *testing.T) {
	mem := repository.NewMemoryWearablesStore()
	mem.AddUser("user-1", "")
	kv := store.NewMemoryKV()
	svc := NewSyncService(mem, mem, mem, mem, failingWriter{err: errors.New("disk full")},
		&stubFactory{adapter: ringAdapter()}, nil, SyncOptions{StatusCacheTTL: time.Minute}, zap.NewNop())
	svc.WithStatusCache(kv)
	svc.now = func() time.Time { return syncClock }
	ctx := context.Background()

	st, err := svc.ConnectionStatus(ctx, "user-1", domain.ProviderOura)
	require.NoError(t, err)
	assert.False(t, st.Connected)

	_, err = svc.Sync(ctx, ouraRequest())
	require.Error(t, err)

	_, err = kv.Get(ctx, statusCacheKey("user-1", domain.ProviderOura))
	assert.ErrorIs(t, err, store.ErrMiss)

	st, err = svc.ConnectionStatus(ctx, "user-1", domain.ProviderOura)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	require.NotNil(t, st.LastSyncAt)
	assert.True(t, st.LastSyncAt.Equal(syncClock))
}

func TestSync_AppleStoresFileMarkerAndArchives(t *testing.T) {
	adapter := &stubAdapter{name: domain.ProviderAppleHealth, steps: []provider.StepCount{{Count: 1200}}}
	svc, mem := newTestSyncService(t, adapter, SyncOptions{})
	archiver := &recordingArchiver{}
	events := &recordingPublisher{}
	svc.WithArchiver(archiver).WithEvents(events)

	body := []byte("<HealthData/>")
	res, err := svc.Sync(context.Background(), SyncRequest{
		UserID:   "user-1",
		Provider: domain.ProviderAppleHealth,
		Export:   &provider.ExportFile{Name: "export.xml", Reader: bytes.NewReader(body), Size: int64(len(body))},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	conn, err := mem.GetConnection(context.Background(), "user-1", domain.ProviderAppleHealth)
	require.NoError(t, err)
	assert.Equal(t, domain.CredentialFileUpload, conn.Credential.Kind)

	assert.Equal(t, []string{"user-1/export.xml"}, archiver.keys)
	require.Len(t, events.events, 1)
	assert.Equal(t, "0.1", events.events[0].Reward)
	assert.Equal(t, domain.ProviderAppleHealth, events.events[0].Provider)
}

func TestSync_ArchiveFailureIsNotFatal(t *testing.T) {
	adapter := &stubAdapter{name: domain.ProviderAppleHealth, steps: []provider.StepCount{{Count: 10}}}
	svc, _ := newTestSyncService(t, adapter, SyncOptions{})
	svc.WithArchiver(&recordingArchiver{err: errors.New("access denied")})

	body := []byte("<HealthData/>")
	_, err := svc.Sync(context.Background(), SyncRequest{
		UserID:   "user-1",
		Provider: domain.ProviderAppleHealth,
		Export:   &provider.ExportFile{Name: "export.xml", Reader: bytes.NewReader(body), Size: int64(len(body))},
	})
	require.NoError(t, err)
}

// ====== status / disconnect / stored syncs ======

func TestConnectionStatus_CachedAndInvalidated(t *testing.T) {
	svc, _ := newTestSyncService(t, ringAdapter(), SyncOptions{StatusCacheTTL: time.Minute})
	svc.WithStatusCache(store.NewMemoryKV())
	ctx := context.Background()

	st, err := svc.ConnectionStatus(ctx, "user-1", domain.ProviderOura)
	require.NoError(t, err)
	assert.False(t, st.Connected)
	assert.Nil(t, st.LastSyncAt)

	_, err = svc.Sync(ctx, ouraRequest())
	require.NoError(t, err)

	st, err = svc.ConnectionStatus(ctx, "user-1", domain.ProviderOura)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	require.NotNil(t, st.LastSyncAt)
	assert.True(t, st.LastSyncAt.Equal(syncClock))

	require.NoError(t, svc.Disconnect(ctx, "user-1", domain.ProviderOura))
	st, err = svc.ConnectionStatus(ctx, "user-1", domain.ProviderOura)
	require.NoError(t, err)
	assert.False(t, st.Connected)
	require.NotNil(t, st.LastSyncAt)
}

func TestConnectionStatus_RequiresUser(t *testing.T) {
	svc, _ := newTestSyncService(t, ringAdapter(), SyncOptions{})
	_, err := svc.ConnectionStatus(context.Background(), "", domain.ProviderOura)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestDisconnect_UnknownConnection(t *testing.T) {
	svc, _ := newTestSyncService(t, ringAdapter(), SyncOptions{})
	err := svc.Disconnect(context.Background(), "user-1", domain.ProviderGoogleFit)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestSyncStored(t *testing.T) {
	svc, _ := newTestSyncService(t, ringAdapter(), SyncOptions{RewardInserted: true})
	ctx := context.Background()

	_, err := svc.SyncStored(ctx, "user-1", domain.ProviderOura)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	_, err = svc.Sync(ctx, ouraRequest())
	require.NoError(t, err)

	res, err := svc.SyncStored(ctx, "user-1", domain.ProviderOura)
	require.NoError(t, err)
	assert.Equal(t, 17, res.Synced)

	conns, err := svc.ActiveOAuthConnections(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)

	require.NoError(t, svc.Disconnect(ctx, "user-1", domain.ProviderOura))
	_, err = svc.SyncStored(ctx, "user-1", domain.ProviderOura)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = svc.SyncStored(ctx, "user-1", domain.ProviderAppleHealth)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestSyncStored_RewardsOnlyNewReadings(t *testing.T) {
	// default candidate basis: only client syncs may be rewarded for repeats
	svc, mem := newTestSyncService(t, ringAdapter(), SyncOptions{})
	ctx := context.Background()

	_, err := mem.UpsertConnection(ctx, "user-1", domain.ProviderOura, domain.OAuthToken("tok"), syncClock.Add(-time.Hour))
	require.NoError(t, err)

	first, err := svc.SyncStored(ctx, "user-1", domain.ProviderOura)
	require.NoError(t, err)
	assert.Equal(t, 17, first.Inserted)
	assert.Equal(t, "1.7", first.Reward.String())

	second, err := svc.SyncStored(ctx, "user-1", domain.ProviderOura)
	require.NoError(t, err)
	assert.Equal(t, 17, second.Synced)
	assert.Equal(t, 0, second.Inserted)
	assert.True(t, second.Reward.IsZero())
	assert.Empty(t, second.ContributionID)

	_, total, err := mem.ListContributions(ctx, "user-1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	user, err := mem.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "1.7", user.TotalTokensEarned.String())
}

func TestQueries_RequireUser(t *testing.T) {
	svc, _ := newTestSyncService(t, ringAdapter(), SyncOptions{})
	ctx := context.Background()

	_, err := svc.Readings(ctx, repository.ReadingFilters{})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	_, _, err = svc.Contributions(ctx, "", 1, 10)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = svc.Sync(ctx, ouraRequest())
	require.NoError(t, err)
	readings, err := svc.Readings(ctx, repository.ReadingFilters{UserID: "user-1", Metric: domain.MetricReadiness})
	require.NoError(t, err)
	assert.Len(t, readings, 10)
}
