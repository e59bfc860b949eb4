package poststream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "pubky_cache"
	subsystem        = "post_stream"

	sourceCache  = "cache"
	sourceRemote = "remote"
	sourceEnd    = "end_of_stream"
	sourceError  = "error"
)

var (
	slicesServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "slices_served_total",
			Help:      "Total number of stream slices served, by where they came from",
		},
		[]string{"source"}, // source: "cache", "remote", "end_of_stream", "error"
	)

	duplicateRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "duplicate_page_retries_total",
			Help:      "Total number of remote pages that only held cached posts and were retried further back",
		},
	)
)
