package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var providerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "aiocensor_provider_call_duration_sec",
	Help:    "Duration of single provider calls",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
}, []string{"provider", "outcome"})

var providerCallCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aiocensor_provider_calls",
	Help: "Number of provider calls by outcome",
}, []string{"provider", "outcome"})

var providerFallbackCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aiocensor_provider_fallbacks",
	Help: "Number of image url requests reissued as inline payloads",
}, []string{"provider"})

var providerSkipCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aiocensor_provider_skips",
	Help: "Number of providers skipped for a request",
}, []string{"provider", "kind"})

var moderationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "aiocensor_moderation_duration_sec",
	Help: "Duration of whole moderation calls",
}, []string{"kind"})

var moderationResultCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aiocensor_moderation_results",
	Help: "Number of moderation calls by result",
}, []string{"kind", "result"})
