package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"longevity-sync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcAdapter struct {
	steps     func(ctx context.Context) ([]StepCount, error)
	heartRate func(ctx context.Context) (*HeartRateData, error)
	sleep     func(ctx context.Context) ([]SleepSession, error)
	calls     int32
}

func (a *funcAdapter) Name() domain.Provider { return domain.ProviderOura }

func (a *funcAdapter) FetchSteps(ctx context.Context, _ Window) ([]StepCount, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.steps == nil {
		return nil, ErrUnsupported
	}
	return a.steps(ctx)
}

func (a *funcAdapter) FetchHeartRate(ctx context.Context, _ Window) (*HeartRateData, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.heartRate == nil {
		return nil, ErrUnsupported
	}
	return a.heartRate(ctx)
}

func (a *funcAdapter) FetchSleep(ctx context.Context, _ Window) ([]SleepSession, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.sleep == nil {
		return nil, ErrUnsupported
	}
	return a.sleep(ctx)
}

func (a *funcAdapter) FetchHRV(context.Context, Window) ([]HRVSample, error) {
	atomic.AddInt32(&a.calls, 1)
	return nil, ErrUnsupported
}

func (a *funcAdapter) FetchReadiness(context.Context, Window) ([]ReadinessDay, error) {
	atomic.AddInt32(&a.calls, 1)
	return nil, ErrUnsupported
}

func (a *funcAdapter) FetchActivity(context.Context, Window) ([]ActivitySample, error) {
	atomic.AddInt32(&a.calls, 1)
	return nil, ErrUnsupported
}

func TestFetchAll_IsolatesFailures(t *testing.T) {
	a := &funcAdapter{
		steps: func(context.Context) ([]StepCount, error) { return []StepCount{{Count: 10}}, nil },
		heartRate: func(context.Context) (*HeartRateData, error) {
			return &HeartRateData{Samples: []HeartRateSample{{BPM: 60}}}, nil
		},
		sleep: func(context.Context) ([]SleepSession, error) { return nil, errors.New("boom") },
	}

	data := FetchAll(context.Background(), a, TrailingWindow(time.Now(), 30), time.Second)
	assert.Equal(t, int32(6), atomic.LoadInt32(&a.calls))
	assert.Len(t, data.Steps, 1)
	assert.Len(t, data.HeartRate.Samples, 1)
	assert.Empty(t, data.Sleep)
	assert.Equal(t, []Category{CategorySleep}, data.Failed())
	assert.EqualError(t, data.Errors[CategorySleep], "boom")
}

func TestFetchAll_UnsupportedIsNotAFailure(t *testing.T) {
	data := FetchAll(context.Background(), &funcAdapter{}, TrailingWindow(time.Now(), 30), time.Second)
	assert.Empty(t, data.Failed())
}

func TestFetchAll_TimeoutWithCtxIgnoringAdapter(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	a := &funcAdapter{
		steps: func(context.Context) ([]StepCount, error) { return []StepCount{{Count: 5}}, nil },
		sleep: func(context.Context) ([]SleepSession, error) {
			<-release
			return nil, nil
		},
	}

	start := time.Now()
	data := FetchAll(context.Background(), a, TrailingWindow(time.Now(), 30), 30*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Contains(t, data.Errors, CategorySleep)
	assert.ErrorIs(t, data.Errors[CategorySleep], context.DeadlineExceeded)
	assert.Len(t, data.Steps, 1)
}

func TestFetchAll_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := &funcAdapter{
		steps: func(ctx context.Context) ([]StepCount, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	data := FetchAll(ctx, a, TrailingWindow(time.Now(), 30), 0)
	assert.ErrorIs(t, data.Errors[CategorySteps], context.Canceled)
}

type partialReadinessAdapter struct {
	*funcAdapter
	days []ReadinessDay
}

func (a *partialReadinessAdapter) FetchReadiness(context.Context, Window) ([]ReadinessDay, error) {
	return a.days, &PartialError{Failed: 1, Total: 3, Err: errors.New("status 503")}
}

func TestFetchAll_PartialKeepsDataAndReportsFailure(t *testing.T) {
	day := time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC)
	a := &partialReadinessAdapter{
		funcAdapter: &funcAdapter{},
		days:        []ReadinessDay{{Day: day, Score: Float64(70)}, {Day: day.AddDate(0, 0, 1)}},
	}

	data := FetchAll(context.Background(), a, TrailingWindow(time.Now(), 3), time.Second)
	assert.Len(t, data.Readiness, 2)
	assert.Equal(t, []Category{CategoryReadiness}, data.Failed())

	var partial *PartialError
	require.ErrorAs(t, data.Errors[CategoryReadiness], &partial)
	assert.Equal(t, 1, partial.Failed)
	assert.Contains(t, partial.Error(), "1 of 3 requests failed")
}

func TestWindowDays(t *testing.T) {
	now := time.Date(2024, 3, 31, 15, 4, 5, 0, time.UTC)
	days := TrailingWindow(now, 30).Days()

	require.Len(t, days, 30)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), days[0])
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), days[29])

	assert.Len(t, Window{Start: now, End: now}.Days(), 1)
}
