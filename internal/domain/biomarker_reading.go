package domain

import "time"

// Metric biomarker kind
type Metric string

const (
	MetricSteps            Metric = "steps"
	MetricHeartRateResting Metric = "heart_rate_resting"
	MetricSleepDuration    Metric = "sleep_duration"
	MetricSleepScore       Metric = "sleep_score"
	MetricHRV              Metric = "hrv"
	MetricReadiness        Metric = "readiness"
	MetricActiveCalories   Metric = "active_calories"
)

// Unit returns the unit stored alongside readings of m
func (m Metric) Unit() string {
	switch m {
	case MetricSteps:
		return "count"
	case MetricHeartRateResting:
		return "bpm"
	case MetricSleepDuration:
		return "hours"
	case MetricSleepScore, MetricReadiness:
		return "score"
	case MetricHRV:
		return "ms"
	case MetricActiveCalories:
		return "kcal"
	}
	return ""
}

// BiomarkerReading one normalized measurement.
// (UserID, Metric, Source, Date) is the natural dedup key; Date is when the measurement
// happened, not when it was ingested.
type BiomarkerReading struct {
	ReadingID string         `json:"reading_id"`
	UserID    string         `json:"user_id"`
	Metric    Metric         `json:"metric"`
	Value     float64        `json:"value"`
	Unit      string         `json:"unit"`
	Source    Provider       `json:"source"`
	Date      time.Time      `json:"date"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
