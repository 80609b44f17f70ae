package provider

import (
	"context"
	"errors"
	"time"

	"longevity-sync/internal/domain"
)

// ErrUnsupported is returned by adapters for categories the vendor does not offer.
// The fan-out treats it as an empty result, not as a failure.
var ErrUnsupported = errors.New("category not supported by provider")

// DefaultWindowDays trailing window used for REST providers
const DefaultWindowDays = 30

// Category metric family fetched by one adapter call
type Category string

const (
	CategorySteps     Category = "steps"
	CategoryHeartRate Category = "heartRate"
	CategorySleep     Category = "sleep"
	CategoryHRV       Category = "hrv"
	CategoryReadiness Category = "readiness"
	CategoryActivity  Category = "activity"
)

// Categories in fetch/report order
var Categories = []Category{
	CategorySteps,
	CategoryHeartRate,
	CategorySleep,
	CategoryHRV,
	CategoryReadiness,
	CategoryActivity,
}

// Window [Start, End) time range handed to REST adapters
type Window struct {
	Start time.Time
	End   time.Time
}

// TrailingWindow the `days` days ending at now
func TrailingWindow(now time.Time, days int) Window {
	return Window{Start: now.AddDate(0, 0, -days), End: now}
}

// Days returns one UTC midnight per calendar day covered by the window, oldest first,
// ending with the day of End.
func (w Window) Days() []time.Time {
	n := int(w.End.Sub(w.Start).Hours()/24 + 0.5)
	if n < 1 {
		n = 1
	}
	last := truncateDay(w.End)
	days := make([]time.Time, 0, n)
	for i := n - 1; i >= 0; i-- {
		days = append(days, last.AddDate(0, 0, -i))
	}
	return days
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StepCount a step total. At is zero when the vendor has no per-day breakdown,
// in which case the reading is dated at sync time.
type StepCount struct {
	Count int
	At    time.Time
}

type HeartRateSample struct {
	Timestamp time.Time
	BPM       float64
}

// RestingHeartRate a resting value computed by the vendor
type RestingHeartRate struct {
	Date time.Time
	BPM  float64
}

// HeartRateData either a raw series, vendor resting values, or both
type HeartRateData struct {
	Samples []HeartRateSample
	Resting []RestingHeartRate
}

// SleepContributors components of a composite sleep score
type SleepContributors struct {
	TotalSleep *float64 `json:"total_sleep,omitempty"`
	DeepSleep  *float64 `json:"deep_sleep,omitempty"`
	REMSleep   *float64 `json:"rem_sleep,omitempty"`
	Efficiency *float64 `json:"efficiency,omitempty"`
}

// SleepSession either a scored daily record (Score + Contributors) or a timed session (Start/End)
type SleepSession struct {
	Day          time.Time
	Start        *time.Time
	End          *time.Time
	Score        *float64
	Contributors *SleepContributors
}

type HRVSample struct {
	Timestamp time.Time
	HRV       *float64
	RMSSD     *float64
	BPM       *float64
}

// ReadinessDay a nil Score means the vendor had no data for Day
type ReadinessDay struct {
	Day          time.Time
	Score        *float64
	Contributors map[string]any
}

type ActivitySample struct {
	Timestamp      time.Time
	Steps          *int
	ActiveCalories *float64
}

// Adapter per-vendor capability interface; every method is independently callable and failable
type Adapter interface {
	Name() domain.Provider
	FetchSteps(ctx context.Context, w Window) ([]StepCount, error)
	FetchHeartRate(ctx context.Context, w Window) (*HeartRateData, error)
	FetchSleep(ctx context.Context, w Window) ([]SleepSession, error)
	FetchHRV(ctx context.Context, w Window) ([]HRVSample, error)
	FetchReadiness(ctx context.Context, w Window) ([]ReadinessDay, error)
	FetchActivity(ctx context.Context, w Window) ([]ActivitySample, error)
}

// Float64 helper for optional numeric fields
func Float64(v float64) *float64 {
	return &v
}

// Int helper for optional integer fields
func Int(v int) *int {
	return &v
}
