package repopool

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lastSyncTimestamp is a Gauge that captures the timestamp of the last
	// successful sync
	lastSyncTimestamp *prometheus.GaugeVec
	// syncCount is a Counter vector of sync jobs
	syncCount *prometheus.CounterVec
	// syncLatency is a Histogram vector that keeps track of sync durations
	syncLatency *prometheus.HistogramVec
	// syncRetries is a Counter vector of failed attempts which were retried
	syncRetries *prometheus.CounterVec
	// lfsObjectsFetched is a Counter vector of downloaded LFS objects
	lfsObjectsFetched *prometheus.CounterVec
)

// EnableMetrics will enable metrics collection for sync jobs.
// Available metrics are...
//   - last_sync_timestamp - (tags: repo)
//     A Gauge that captures the Timestamp of the last successful sync per repo.
//   - sync_count - (tags: repo,success)
//     A Counter for each repo sync, incremented with each job and tagged with the result (success=true|false)
//   - sync_latency_seconds - (tags: repo)
//     A Histogram that keeps track of the successful sync latency per repo.
//   - sync_retries_total - (tags: repo)
//     A Counter of retried attempts per repo.
//   - lfs_objects_fetched_total - (tags: repo)
//     A Counter of LFS objects downloaded per repo.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	factory := promauto.With(registerer)

	lastSyncTimestamp = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "last_sync_timestamp",
		Help:      "Timestamp of the last successful repository sync",
	},
		[]string{
			// id of the repository
			"repo",
		},
	)

	syncCount = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sync_count",
		Help:      "Count of repository sync jobs",
	},
		[]string{
			"repo",
			// Whether the sync was successful or not
			"success",
		},
	)

	syncLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "sync_latency_seconds",
		Help:      "Latency for repository sync",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300, 600, 1800},
	},
		[]string{"repo"},
	)

	syncRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sync_retries_total",
		Help:      "Count of retried repository sync attempts",
	},
		[]string{"repo"},
	)

	lfsObjectsFetched = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "lfs_objects_fetched_total",
		Help:      "Count of LFS objects downloaded from source",
	},
		[]string{"repo"},
	)
}

// recordSync records a finished sync job by updating all the relevant metrics
func recordSync(repo string, success bool, elapsed time.Duration) {
	// if metrics not enabled return
	if lastSyncTimestamp == nil || syncCount == nil || syncLatency == nil {
		return
	}
	if success {
		lastSyncTimestamp.With(prometheus.Labels{
			"repo": repo,
		}).Set(float64(time.Now().Unix()))
		syncLatency.WithLabelValues(repo).Observe(elapsed.Seconds())
	}
	syncCount.With(prometheus.Labels{
		"repo":    repo,
		"success": strconv.FormatBool(success),
	}).Inc()
}

func recordRetry(repo string) {
	if syncRetries == nil {
		return
	}
	syncRetries.WithLabelValues(repo).Inc()
}

func recordLFSFetched(repo string, count int) {
	if lfsObjectsFetched == nil || count <= 0 {
		return
	}
	lfsObjectsFetched.WithLabelValues(repo).Add(float64(count))
}
