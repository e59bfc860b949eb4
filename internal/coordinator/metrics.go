package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "pubky_cache"
	subsystem        = "polling"

	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomePanic   = "panic"
)

var (
	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "polls_total",
			Help:      "Total number of poll cycles run by each coordinator",
		},
		[]string{"poller", "outcome"}, // outcome: "success", "error", "panic"
	)

	pollingActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "active",
			Help:      "Whether the coordinator currently has a running interval",
		},
		[]string{"poller"},
	)
)
