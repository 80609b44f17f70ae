package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"longevity-sync/internal/domain"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	googleFitStepType      = "com.google.step_count.delta"
	googleFitHeartRateSrc  = "derived:com.google.heart_rate.bpm:com.google.android.gms:merge_heart_rate_bpm"
	googleFitSleepActivity = "72"
)

// GoogleFitClient Google Fitness REST API client
type GoogleFitClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

func NewGoogleFitClient(cfg ClientConfig, logger *zap.Logger) *GoogleFitClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json")

	return &GoogleFitClient{httpClient: client, logger: logger}
}

func (c *GoogleFitClient) do(req *resty.Request, method, path string) (gjson.Result, error) {
	resp, err := req.Execute(method, path)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to call Google Fit %s: %w", path, err)
	}
	if resp.IsError() {
		return gjson.Result{}, fmt.Errorf("Google Fit %s returned status %d", path, resp.StatusCode())
	}
	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("Google Fit %s returned invalid JSON", path)
	}
	return gjson.ParseBytes(body), nil
}

// StepTotal sums step_count.delta over the whole window into one bucket
func (c *GoogleFitClient) StepTotal(ctx context.Context, token string, w Window) (int, error) {
	startMs := w.Start.UnixMilli()
	endMs := w.End.UnixMilli()
	payload := map[string]any{
		"aggregateBy":     []map[string]string{{"dataTypeName": googleFitStepType}},
		"bucketByTime":    map[string]int64{"durationMillis": endMs - startMs},
		"startTimeMillis": startMs,
		"endTimeMillis":   endMs,
	}

	req := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(payload)
	result, err := c.do(req, resty.MethodPost, "/fitness/v1/users/me/dataset:aggregate")
	if err != nil {
		return 0, err
	}

	total := 0
	for _, bucket := range result.Get("bucket").Array() {
		for _, dataset := range bucket.Get("dataset").Array() {
			for _, point := range dataset.Get("point").Array() {
				total += int(point.Get("value.0.intVal").Int())
			}
		}
	}
	return total, nil
}

// HeartRateSeries merged bpm samples of the window
func (c *GoogleFitClient) HeartRateSeries(ctx context.Context, token string, w Window) (*HeartRateData, error) {
	datasetID := fmt.Sprintf("%d-%d", w.Start.UnixNano(), w.End.UnixNano())
	req := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParams(map[string]string{"source": googleFitHeartRateSrc, "dataset": datasetID})
	result, err := c.do(req, resty.MethodGet, "/fitness/v1/users/me/dataSources/{source}/datasets/{dataset}")
	if err != nil {
		return nil, err
	}

	data := &HeartRateData{}
	result.Get("point").ForEach(func(_, p gjson.Result) bool {
		nanos, err := strconv.ParseInt(p.Get("startTimeNanos").String(), 10, 64)
		if err != nil {
			return true
		}
		bpm := p.Get("value.0.fpVal")
		if !bpm.Exists() {
			return true
		}
		data.Samples = append(data.Samples, HeartRateSample{
			Timestamp: time.Unix(0, nanos).UTC(),
			BPM:       bpm.Float(),
		})
		return true
	})
	return data, nil
}

// SleepSessions sessions with activityType 72 (sleep)
func (c *GoogleFitClient) SleepSessions(ctx context.Context, token string, w Window) ([]SleepSession, error) {
	req := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(map[string]string{
			"startTime":    w.Start.UTC().Format(time.RFC3339),
			"endTime":      w.End.UTC().Format(time.RFC3339),
			"activityType": googleFitSleepActivity,
		})
	result, err := c.do(req, resty.MethodGet, "/fitness/v1/users/me/sessions")
	if err != nil {
		return nil, err
	}

	var sessions []SleepSession
	result.Get("session").ForEach(func(_, s gjson.Result) bool {
		if at := s.Get("activityType"); at.Exists() && at.String() != googleFitSleepActivity {
			return true
		}
		startMs, err1 := strconv.ParseInt(s.Get("startTimeMillis").String(), 10, 64)
		endMs, err2 := strconv.ParseInt(s.Get("endTimeMillis").String(), 10, 64)
		if err1 != nil || err2 != nil || endMs <= startMs {
			return true
		}
		start := time.UnixMilli(startMs).UTC()
		end := time.UnixMilli(endMs).UTC()
		sessions = append(sessions, SleepSession{
			Day:   truncateDay(end),
			Start: &start,
			End:   &end,
		})
		return true
	})
	return sessions, nil
}

type googleFitAdapter struct {
	client *GoogleFitClient
	token  string
}

func (a *googleFitAdapter) Name() domain.Provider { return domain.ProviderGoogleFit }

// FetchSteps one total for the window, dated at sync time
func (a *googleFitAdapter) FetchSteps(ctx context.Context, w Window) ([]StepCount, error) {
	total, err := a.client.StepTotal(ctx, a.token, w)
	if err != nil {
		return nil, err
	}
	return []StepCount{{Count: total}}, nil
}

func (a *googleFitAdapter) FetchHeartRate(ctx context.Context, w Window) (*HeartRateData, error) {
	return a.client.HeartRateSeries(ctx, a.token, w)
}

func (a *googleFitAdapter) FetchSleep(ctx context.Context, w Window) ([]SleepSession, error) {
	return a.client.SleepSessions(ctx, a.token, w)
}

func (a *googleFitAdapter) FetchHRV(ctx context.Context, w Window) ([]HRVSample, error) {
	return nil, ErrUnsupported
}

func (a *googleFitAdapter) FetchReadiness(ctx context.Context, w Window) ([]ReadinessDay, error) {
	return nil, ErrUnsupported
}

func (a *googleFitAdapter) FetchActivity(ctx context.Context, w Window) ([]ActivitySample, error) {
	return nil, ErrUnsupported
}
