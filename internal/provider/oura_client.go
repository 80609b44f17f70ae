package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"longevity-sync/internal/domain"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const ouraDayLayout = "2006-01-02"

// maxOuraPages guards against a vendor that keeps returning next_token
const maxOuraPages = 50

const (
	// limiterIdleTTL a token's limiter is dropped after this long without requests
	limiterIdleTTL = 15 * time.Minute
	// limiterPruneAt tracked tokens before idle limiters are pruned
	limiterPruneAt = 1024
)

// errRateBudget the call's deadline ends before the token's rate limit allows another request
var errRateBudget = errors.New("oura rate budget exhausted")

// ClientConfig HTTP settings shared by the REST vendors
type ClientConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RetryCount        int
	RequestsPerSecond float64
	Burst             int
}

// OuraClient Oura v2 REST API client, shared by all users (token is per request).
// Oura rate-limits per access token, so requests are paced per token.
type OuraClient struct {
	httpClient *resty.Client
	limit      rate.Limit
	burst      int
	logger     *zap.Logger

	mu       sync.Mutex
	limiters map[string]*tokenLimiter
}

type tokenLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewOuraClient builds the client; RequestsPerSecond <= 0 disables pacing
func NewOuraClient(cfg ClientConfig, logger *zap.Logger) *OuraClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json")

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &OuraClient{
		httpClient: client,
		limit:      limit,
		burst:      burst,
		logger:     logger,
		limiters:   map[string]*tokenLimiter{},
	}
}

// limiterFor the token's limiter, created on first use
func (c *OuraClient) limiterFor(token string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if tl, ok := c.limiters[token]; ok {
		tl.lastUsed = now
		return tl.limiter
	}
	if len(c.limiters) >= limiterPruneAt {
		for t, tl := range c.limiters {
			if now.Sub(tl.lastUsed) > limiterIdleTTL {
				delete(c.limiters, t)
			}
		}
	}
	tl := &tokenLimiter{limiter: rate.NewLimiter(c.limit, c.burst), lastUsed: now}
	c.limiters[token] = tl
	return tl.limiter
}

// ouraPage common envelope of usercollection endpoints
type ouraPage struct {
	Data      []json.RawMessage `json:"data"`
	NextToken *string           `json:"next_token"`
}

type ouraDailySleep struct {
	Day          string   `json:"day"`
	Score        *float64 `json:"score"`
	Contributors struct {
		TotalSleep *float64 `json:"total_sleep"`
		DeepSleep  *float64 `json:"deep_sleep"`
		REMSleep   *float64 `json:"rem_sleep"`
		Efficiency *float64 `json:"efficiency"`
	} `json:"contributors"`
}

type ouraSleepPeriod struct {
	Day              string   `json:"day"`
	BedtimeStart     string   `json:"bedtime_start"`
	BedtimeEnd       string   `json:"bedtime_end"`
	AverageHRV       *float64 `json:"average_hrv"`
	RMSSD            *float64 `json:"rmssd"`
	AverageHeartRate *float64 `json:"average_heart_rate"`
}

type ouraReadiness struct {
	Day          string         `json:"day"`
	Score        *float64       `json:"score"`
	Contributors map[string]any `json:"contributors"`
}

type ouraActivity struct {
	Day            string   `json:"day"`
	Timestamp      string   `json:"timestamp"`
	Steps          *int     `json:"steps"`
	ActiveCalories *float64 `json:"active_calories"`
}

type ouraHeartRate struct {
	BPM       float64 `json:"bpm"`
	Source    string  `json:"source"`
	Timestamp string  `json:"timestamp"`
}

// collection pages through a usercollection endpoint
func (c *OuraClient) collection(ctx context.Context, token, path string, params map[string]string) ([]json.RawMessage, error) {
	var items []json.RawMessage
	query := make(map[string]string, len(params)+1)
	for k, v := range params {
		query[k] = v
	}

	limiter := c.limiterFor(token)
	for page := 0; page < maxOuraPages; page++ {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", errRateBudget, err)
		}

		resp, err := c.httpClient.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetQueryParams(query).
			Get(path)
		if err != nil {
			return nil, fmt.Errorf("failed to call Oura API %s: %w", path, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("Oura API %s returned status %d", path, resp.StatusCode())
		}

		var body ouraPage
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			return nil, fmt.Errorf("failed to decode Oura API %s response: %w", path, err)
		}

		items = append(items, body.Data...)
		if body.NextToken == nil || *body.NextToken == "" {
			return items, nil
		}
		query["next_token"] = *body.NextToken
	}

	c.logger.Warn("Oura pagination limit reached", zap.String("path", path))
	return items, nil
}

func dayRange(w Window) map[string]string {
	return map[string]string{
		"start_date": w.Start.UTC().Format(ouraDayLayout),
		"end_date":   w.End.UTC().Format(ouraDayLayout),
	}
}

// DailySleep scored sleep records with contributors
func (c *OuraClient) DailySleep(ctx context.Context, token string, w Window) ([]SleepSession, error) {
	raw, err := c.collection(ctx, token, "/v2/usercollection/daily_sleep", dayRange(w))
	if err != nil {
		return nil, err
	}

	sessions := make([]SleepSession, 0, len(raw))
	for _, item := range raw {
		var rec ouraDailySleep
		if err := json.Unmarshal(item, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode Oura daily_sleep: %w", err)
		}
		day, err := time.Parse(ouraDayLayout, rec.Day)
		if err != nil {
			continue
		}
		sessions = append(sessions, SleepSession{
			Day:   day,
			Score: rec.Score,
			Contributors: &SleepContributors{
				TotalSleep: rec.Contributors.TotalSleep,
				DeepSleep:  rec.Contributors.DeepSleep,
				REMSleep:   rec.Contributors.REMSleep,
				Efficiency: rec.Contributors.Efficiency,
			},
		})
	}
	return sessions, nil
}

// SleepHRV one HRV sample per sleep period
func (c *OuraClient) SleepHRV(ctx context.Context, token string, w Window) ([]HRVSample, error) {
	raw, err := c.collection(ctx, token, "/v2/usercollection/sleep", dayRange(w))
	if err != nil {
		return nil, err
	}

	samples := make([]HRVSample, 0, len(raw))
	for _, item := range raw {
		var rec ouraSleepPeriod
		if err := json.Unmarshal(item, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode Oura sleep: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, rec.BedtimeStart)
		if err != nil {
			if ts, err = time.Parse(ouraDayLayout, rec.Day); err != nil {
				continue
			}
		}
		samples = append(samples, HRVSample{
			Timestamp: ts.UTC(),
			HRV:       rec.AverageHRV,
			RMSSD:     rec.RMSSD,
			BPM:       rec.AverageHeartRate,
		})
	}
	return samples, nil
}

// DailyReadiness requests each day of the window separately; days without a
// score come back with a nil Score. Days that fail are left out and reported through a
// PartialError alongside the days that succeeded. Once the rate budget or ctx runs out the
// remaining days count as failed.
func (c *OuraClient) DailyReadiness(ctx context.Context, token string, w Window) ([]ReadinessDay, error) {
	days := w.Days()
	out := make([]ReadinessDay, 0, len(days))
	var lastErr error
	failed := 0

	for i, day := range days {
		raw, err := c.collection(ctx, token, "/v2/usercollection/daily_readiness", map[string]string{
			"start_date": day.Format(ouraDayLayout),
			"end_date":   day.AddDate(0, 0, 1).Format(ouraDayLayout),
		})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || errors.Is(err, errRateBudget) {
				failed += len(days) - i
				c.logger.Warn("Oura readiness stopped early",
					zap.String("day", day.Format(ouraDayLayout)),
					zap.Int("days_left", len(days)-i),
					zap.Error(err),
				)
				break
			}
			c.logger.Warn("Oura readiness day failed",
				zap.String("day", day.Format(ouraDayLayout)),
				zap.Error(err),
			)
			failed++
			continue
		}

		entry := ReadinessDay{Day: day}
		for _, item := range raw {
			var rec ouraReadiness
			if err := json.Unmarshal(item, &rec); err != nil {
				continue
			}
			if rec.Day != "" && rec.Day != day.Format(ouraDayLayout) {
				continue
			}
			entry.Score = rec.Score
			entry.Contributors = rec.Contributors
			break
		}
		out = append(out, entry)
	}

	switch {
	case failed == 0:
		return out, nil
	case len(out) == 0:
		return nil, lastErr
	default:
		return out, &PartialError{Failed: failed, Total: len(days), Err: lastErr}
	}
}

// DailyActivity one sample per day with steps and active calories
func (c *OuraClient) DailyActivity(ctx context.Context, token string, w Window) ([]ActivitySample, error) {
	raw, err := c.collection(ctx, token, "/v2/usercollection/daily_activity", dayRange(w))
	if err != nil {
		return nil, err
	}

	samples := make([]ActivitySample, 0, len(raw))
	for _, item := range raw {
		var rec ouraActivity
		if err := json.Unmarshal(item, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode Oura daily_activity: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil {
			if ts, err = time.Parse(ouraDayLayout, rec.Day); err != nil {
				continue
			}
		}
		samples = append(samples, ActivitySample{
			Timestamp:      ts.UTC(),
			Steps:          rec.Steps,
			ActiveCalories: rec.ActiveCalories,
		})
	}
	return samples, nil
}

// HeartRate raw bpm series
func (c *OuraClient) HeartRate(ctx context.Context, token string, w Window) (*HeartRateData, error) {
	raw, err := c.collection(ctx, token, "/v2/usercollection/heartrate", map[string]string{
		"start_datetime": w.Start.UTC().Format(time.RFC3339),
		"end_datetime":   w.End.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	data := &HeartRateData{Samples: make([]HeartRateSample, 0, len(raw))}
	for _, item := range raw {
		var rec ouraHeartRate
		if err := json.Unmarshal(item, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode Oura heartrate: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil {
			continue
		}
		data.Samples = append(data.Samples, HeartRateSample{Timestamp: ts.UTC(), BPM: rec.BPM})
	}
	return data, nil
}

// ouraAdapter binds the shared client to one user's token
type ouraAdapter struct {
	client *OuraClient
	token  string
}

func (a *ouraAdapter) Name() domain.Provider { return domain.ProviderOura }

// FetchSteps Oura reports steps per day inside the activity series
func (a *ouraAdapter) FetchSteps(ctx context.Context, w Window) ([]StepCount, error) {
	return nil, ErrUnsupported
}

func (a *ouraAdapter) FetchHeartRate(ctx context.Context, w Window) (*HeartRateData, error) {
	return a.client.HeartRate(ctx, a.token, w)
}

func (a *ouraAdapter) FetchSleep(ctx context.Context, w Window) ([]SleepSession, error) {
	return a.client.DailySleep(ctx, a.token, w)
}

func (a *ouraAdapter) FetchHRV(ctx context.Context, w Window) ([]HRVSample, error) {
	return a.client.SleepHRV(ctx, a.token, w)
}

func (a *ouraAdapter) FetchReadiness(ctx context.Context, w Window) ([]ReadinessDay, error) {
	return a.client.DailyReadiness(ctx, a.token, w)
}

func (a *ouraAdapter) FetchActivity(ctx context.Context, w Window) ([]ActivitySample, error) {
	return a.client.DailyActivity(ctx, a.token, w)
}
