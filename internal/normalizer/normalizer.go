package normalizer

import (
	"math"
	"time"

	"longevity-sync/internal/domain"
	"longevity-sync/internal/provider"
)

// Result reading candidates plus how many came from each category
type Result struct {
	Readings []domain.BiomarkerReading
	Counts   map[provider.Category]int
}

// Normalize turns one fan-out result into reading candidates. Readings are dated at the
// measurement time; only undated step totals use syncedAt. Empty sections produce nothing.
func Normalize(userID string, source domain.Provider, data *provider.Data, syncedAt time.Time) Result {
	res := Result{Counts: make(map[provider.Category]int, len(provider.Categories))}
	for _, c := range provider.Categories {
		res.Counts[c] = 0
	}
	if data == nil {
		return res
	}

	n := &builder{userID: userID, source: source, res: &res}
	n.steps(data.Steps, syncedAt.UTC())
	n.heartRate(data.HeartRate)
	n.sleep(data.Sleep)
	n.hrv(data.HRV)
	n.readiness(data.Readiness)
	n.activity(data.Activity)
	return res
}

type builder struct {
	userID string
	source domain.Provider
	res    *Result
}

func (b *builder) add(c provider.Category, m domain.Metric, value float64, at time.Time, meta map[string]any) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	b.res.Readings = append(b.res.Readings, domain.BiomarkerReading{
		UserID:   b.userID,
		Metric:   m,
		Value:    value,
		Unit:     m.Unit(),
		Source:   b.source,
		Date:     at.UTC(),
		Metadata: meta,
	})
	b.res.Counts[c]++
}

func (b *builder) steps(steps []provider.StepCount, syncedAt time.Time) {
	for _, s := range steps {
		if s.Count <= 0 {
			continue
		}
		at := s.At
		if at.IsZero() {
			at = syncedAt
		}
		b.add(provider.CategorySteps, domain.MetricSteps, float64(s.Count), at, nil)
	}
}

// heartRate: a series yields one reading valued at its minimum, vendor resting values pass through
func (b *builder) heartRate(hr provider.HeartRateData) {
	if len(hr.Samples) > 0 {
		minSample := hr.Samples[0]
		maxBPM := hr.Samples[0].BPM
		sum := 0.0
		for _, s := range hr.Samples {
			sum += s.BPM
			if s.BPM < minSample.BPM {
				minSample = s
			}
			if s.BPM > maxBPM {
				maxBPM = s.BPM
			}
		}
		b.add(provider.CategoryHeartRate, domain.MetricHeartRateResting, minSample.BPM, minSample.Timestamp, map[string]any{
			"average": sum / float64(len(hr.Samples)),
			"max":     maxBPM,
		})
	}
	for _, r := range hr.Resting {
		b.add(provider.CategoryHeartRate, domain.MetricHeartRateResting, r.BPM, r.Date, nil)
	}
}

func (b *builder) sleep(sessions []provider.SleepSession) {
	for _, s := range sessions {
		if s.Score != nil {
			meta := contributorsMeta(s.Contributors)
			b.add(provider.CategorySleep, domain.MetricSleepScore, *s.Score, s.Day, meta)
			if s.Contributors != nil && s.Contributors.TotalSleep != nil {
				b.add(provider.CategorySleep, domain.MetricSleepDuration, *s.Contributors.TotalSleep, s.Day, nil)
			}
			continue
		}
		if s.Start == nil || s.End == nil || !s.End.After(*s.Start) {
			continue
		}
		hours := s.End.Sub(*s.Start).Hours()
		at := s.Day
		if at.IsZero() {
			at = *s.Start
		}
		b.add(provider.CategorySleep, domain.MetricSleepDuration, hours, at, map[string]any{
			"startTime": s.Start.UTC().Format(time.RFC3339),
			"endTime":   s.End.UTC().Format(time.RFC3339),
		})
	}
}

func contributorsMeta(c *provider.SleepContributors) map[string]any {
	if c == nil {
		return nil
	}
	meta := make(map[string]any, 4)
	if c.TotalSleep != nil {
		meta["total_sleep"] = *c.TotalSleep
	}
	if c.DeepSleep != nil {
		meta["deep_sleep"] = *c.DeepSleep
	}
	if c.REMSleep != nil {
		meta["rem_sleep"] = *c.REMSleep
	}
	if c.Efficiency != nil {
		meta["efficiency"] = *c.Efficiency
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// hrv: value is the hrv field, falling back to rmssd
func (b *builder) hrv(samples []provider.HRVSample) {
	for _, s := range samples {
		value := s.HRV
		if value == nil {
			value = s.RMSSD
		}
		if value == nil {
			continue
		}
		meta := map[string]any{}
		if s.BPM != nil {
			meta["bpm"] = *s.BPM
		}
		if s.RMSSD != nil {
			meta["rmssd"] = *s.RMSSD
		}
		if len(meta) == 0 {
			meta = nil
		}
		b.add(provider.CategoryHRV, domain.MetricHRV, *value, s.Timestamp, meta)
	}
}

func (b *builder) readiness(days []provider.ReadinessDay) {
	for _, d := range days {
		if d.Score == nil {
			continue
		}
		var meta map[string]any
		if len(d.Contributors) > 0 {
			meta = d.Contributors
		}
		b.add(provider.CategoryReadiness, domain.MetricReadiness, *d.Score, d.Day, meta)
	}
}

func (b *builder) activity(samples []provider.ActivitySample) {
	for _, s := range samples {
		if s.Steps != nil {
			b.add(provider.CategoryActivity, domain.MetricSteps, float64(*s.Steps), s.Timestamp, nil)
		}
		if s.ActiveCalories != nil {
			b.add(provider.CategoryActivity, domain.MetricActiveCalories, *s.ActiveCalories, s.Timestamp, nil)
		}
	}
}
