package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "longevity"
	metricsSubsystem = "wearable_sync"
)

var syncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: metricsNamespace,
	Subsystem: metricsSubsystem,
	Name:      "syncs_total",
	Help:      "Sync attempts by provider and outcome",
}, []string{"provider", "outcome"})

var syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: metricsNamespace,
	Subsystem: metricsSubsystem,
	Name:      "sync_duration_seconds",
	Help:      "End-to-end sync duration",
	Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"provider"})

var readingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: metricsNamespace,
	Subsystem: metricsSubsystem,
	Name:      "readings_total",
	Help:      "Normalized readings by provider; stage is candidate or inserted",
}, []string{"provider", "stage"})

var fetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: metricsNamespace,
	Subsystem: metricsSubsystem,
	Name:      "fetch_failures_total",
	Help:      "Per-category provider fetch failures that were degraded to empty results",
}, []string{"provider", "category"})

var rewardTokens = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: metricsNamespace,
	Subsystem: metricsSubsystem,
	Name:      "reward_tokens_total",
	Help:      "Tokens granted by wearable syncs",
}, []string{"provider"})
