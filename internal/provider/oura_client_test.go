package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newOuraTestServer(t *testing.T, mux *http.ServeMux) *OuraClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewOuraClient(ClientConfig{BaseURL: srv.URL, Timeout: 2 * time.Second}, zap.NewNop())
}

var ouraWindow = Window{
	Start: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 3, 31, 9, 0, 0, 0, time.UTC),
}

func TestOuraDailySleep_FollowsNextToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/usercollection/daily_sleep", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("start_date"))
		assert.Equal(t, "2024-03-31", r.URL.Query().Get("end_date"))
		if r.URL.Query().Get("next_token") == "" {
			fmt.Fprint(w, `{"data":[{"day":"2024-03-29","score":80,"contributors":{"total_sleep":7.0,"deep_sleep":1.2}}],"next_token":"p2"}`)
			return
		}
		fmt.Fprint(w, `{"data":[{"day":"2024-03-30","score":85,"contributors":{"total_sleep":6.5}}],"next_token":null}`)
	})
	client := newOuraTestServer(t, mux)

	sessions, err := client.DailySleep(context.Background(), "tok", ouraWindow)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, 80.0, *sessions[0].Score)
	assert.Equal(t, 7.0, *sessions[0].Contributors.TotalSleep)
	assert.Equal(t, 1.2, *sessions[0].Contributors.DeepSleep)
	assert.Nil(t, sessions[1].Contributors.DeepSleep)
	assert.Equal(t, time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC), sessions[1].Day)
}

func TestOuraSleepHRV(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/usercollection/sleep", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"day":"2024-03-30","bedtime_start":"2024-03-29T23:10:00+01:00","average_hrv":41,"average_heart_rate":54.5},
			{"day":"2024-03-31","bedtime_start":"2024-03-30T23:40:00+01:00","rmssd":37}
		]}`)
	})
	client := newOuraTestServer(t, mux)

	samples, err := client.SleepHRV(context.Background(), "tok", ouraWindow)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, time.Date(2024, 3, 29, 22, 10, 0, 0, time.UTC), samples[0].Timestamp)
	assert.Equal(t, 41.0, *samples[0].HRV)
	assert.Equal(t, 54.5, *samples[0].BPM)
	assert.Nil(t, samples[1].HRV)
	assert.Equal(t, 37.0, *samples[1].RMSSD)
}

func TestOuraDailyReadiness_OneRequestPerDay(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/usercollection/daily_readiness", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		day := r.URL.Query().Get("start_date")
		switch day {
		case "2024-03-10", "2024-03-20":
			fmt.Fprintf(w, `{"data":[{"day":%q,"score":77,"contributors":{"resting_heart_rate":90}}]}`, day)
		default:
			fmt.Fprint(w, `{"data":[]}`)
		}
	})
	client := newOuraTestServer(t, mux)

	days, err := client.DailyReadiness(context.Background(), "tok", ouraWindow)
	require.NoError(t, err)
	assert.Equal(t, int32(30), atomic.LoadInt32(&calls))
	require.Len(t, days, 30)

	scored := 0
	for _, d := range days {
		if d.Score != nil {
			scored++
			assert.Equal(t, 77.0, *d.Score)
			assert.Equal(t, 90.0, d.Contributors["resting_heart_rate"])
		}
	}
	assert.Equal(t, 2, scored)
}

func TestOuraDailyReadiness_AllDaysFailing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/usercollection/daily_readiness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client := newOuraTestServer(t, mux)

	_, err := client.DailyReadiness(context.Background(), "tok", Window{Start: ouraWindow.End.AddDate(0, 0, -2), End: ouraWindow.End})
	require.Error(t, err)
}

func TestOuraDailyReadiness_OneFailedDayIsReported(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/usercollection/daily_readiness", func(w http.ResponseWriter, r *http.Request) {
		day := r.URL.Query().Get("start_date")
		if day == "2024-03-15" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `{"data":[{"day":%q,"score":70}]}`, day)
	})
	client := newOuraTestServer(t, mux)

	days, err := client.DailyReadiness(context.Background(), "tok", ouraWindow)
	require.Error(t, err)
	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 1, partial.Failed)
	assert.Equal(t, 30, partial.Total)
	assert.Contains(t, err.Error(), "503")

	require.Len(t, days, 29)
	for _, d := range days {
		assert.NotEqual(t, "2024-03-15", d.Day.Format(ouraDayLayout))
		require.NotNil(t, d.Score)
	}
}

func TestOuraDailyReadiness_RateBudgetRunsOutMidWindow(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/usercollection/daily_readiness", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprintf(w, `{"data":[{"day":%q,"score":80}]}`, r.URL.Query().Get("start_date"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := NewOuraClient(ClientConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, RequestsPerSecond: 1, Burst: 1}, zap.NewNop())

	// one request now, one after a second, then the next slot is past the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	days, err := client.DailyReadiness(ctx, "tok", ouraWindow)
	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, errRateBudget)
	assert.Equal(t, 28, partial.Failed)
	assert.Len(t, days, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOuraClient_RateLimitIsPerToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/usercollection/daily_sleep", func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer user-"))
		fmt.Fprint(w, `{"data":[{"day":"2024-03-30","score":85}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := NewOuraClient(ClientConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, RequestsPerSecond: 1, Burst: 1}, zap.NewNop())

	tokens := []string{"user-1", "user-2", "user-3", "user-4"}
	errs := make([]error, len(tokens))
	var wg sync.WaitGroup
	for i, tok := range tokens {
		wg.Add(1)
		go func(i int, tok string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()
			_, errs[i] = client.DailySleep(ctx, tok, ouraWindow)
		}(i, tok)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, tokens[i])
	}

	// the same token has no budget left within the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := client.DailySleep(ctx, "user-1", ouraWindow)
	assert.ErrorIs(t, err, errRateBudget)

	assert.Same(t, client.limiterFor("user-2"), client.limiterFor("user-2"))
	assert.NotSame(t, client.limiterFor("user-2"), client.limiterFor("user-3"))
}

func TestOuraAdapter_ConcurrentUsersKeepAllReadinessDays(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/usercollection/daily_readiness", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[{"day":%q,"score":75}]}`, r.URL.Query().Get("start_date"))
	})
	mux.HandleFunc("/v2/usercollection/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	// 34 requests per user fit the deadline only when each token is paced on its own
	client := NewOuraClient(ClientConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, RequestsPerSecond: 50, Burst: 5}, zap.NewNop())

	results := make([]*Data, 4)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := &ouraAdapter{client: client, token: fmt.Sprintf("user-%d", i)}
			results[i] = FetchAll(context.Background(), a, ouraWindow, time.Second)
		}(i)
	}
	wg.Wait()

	for i, data := range results {
		assert.Empty(t, data.Failed(), "user-%d", i)
		assert.Len(t, data.Readiness, 30, "user-%d", i)
	}
}

func TestOuraDailyActivityAndHeartRate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/usercollection/daily_activity", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"day":"2024-03-30","timestamp":"2024-03-30T04:00:00+00:00","steps":9120,"active_calories":410.5}]}`)
	})
	mux.HandleFunc("/v2/usercollection/heartrate", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("start_datetime"))
		fmt.Fprint(w, `{"data":[{"bpm":61,"source":"awake","timestamp":"2024-03-30T10:00:00+00:00"},{"bpm":52,"source":"rest","timestamp":"2024-03-30T03:00:00+00:00"}]}`)
	})
	client := newOuraTestServer(t, mux)

	activity, err := client.DailyActivity(context.Background(), "tok", ouraWindow)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, 9120, *activity[0].Steps)
	assert.Equal(t, 410.5, *activity[0].ActiveCalories)

	hr, err := client.HeartRate(context.Background(), "tok", ouraWindow)
	require.NoError(t, err)
	require.Len(t, hr.Samples, 2)
	assert.Equal(t, 52.0, hr.Samples[1].BPM)
}

func TestOuraClient_ErrorStatus(t *testing.T) {
	client := newOuraTestServer(t, http.NewServeMux())

	_, err := client.DailySleep(context.Background(), "wrong", ouraWindow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestOuraAdapter_StepsUnsupported(t *testing.T) {
	a := &ouraAdapter{client: NewOuraClient(ClientConfig{BaseURL: "http://127.0.0.1:1"}, zap.NewNop()), token: "tok"}
	_, err := a.FetchSteps(context.Background(), ouraWindow)
	assert.ErrorIs(t, err, ErrUnsupported)
}
