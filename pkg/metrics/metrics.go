package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Range metrics
	RangesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyris_ranges_total",
			Help: "Total number of ranges by status",
		},
		[]string{"status"},
	)

	// Operation ledger metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyris_operations_total",
			Help: "Total number of recorded operations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyris_operation_duration_seconds",
			Help:    "Operation duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Task metrics
	TaskResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyris_task_results_total",
			Help: "Total number of guest task results by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Builder metrics
	ImageBuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyris_image_builds_total",
			Help: "Total number of base image builds",
		},
	)

	ImageCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyris_image_cache_hits_total",
			Help: "Total number of image builds served from the cache",
		},
	)

	// SSH metrics
	SSHRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyris_ssh_retries_total",
			Help: "Total number of SSH attempts retried after transient errors",
		},
	)

	// IP resolver metrics
	IPResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyris_ip_resolutions_total",
			Help: "Total number of IP resolutions by method and outcome",
		},
		[]string{"method", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(RangesTotal)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(TaskResultsTotal)
	prometheus.MustRegister(ImageBuildsTotal)
	prometheus.MustRegister(ImageCacheHits)
	prometheus.MustRegister(SSHRetriesTotal)
	prometheus.MustRegister(IPResolutionsTotal)
}
