package nexus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "pubky_cache"
	subsystem        = "nexus"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total number of requests issued to the Nexus indexer",
		},
		[]string{"endpoint", "outcome"}, // outcome: "success", "error"
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Time taken by Nexus requests, rate limiter wait excluded",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)
