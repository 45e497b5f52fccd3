package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pricesync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	webhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Inbound webhooks by result.",
		},
		[]string{"result"},
	)

	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Sync jobs created by origin.",
		},
		[]string{"origin"},
	)

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Processed sync jobs by outcome.",
		},
		[]string{"outcome"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent processing one sync job.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Durable queue size by status.",
		},
		[]string{"status"},
	)

	remoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Remote API calls by channel and status code.",
		},
		[]string{"channel", "code"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, webhookRequests, jobsEnqueued, jobsProcessed, jobDuration, queueDepth, remoteRequests)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncWebhook counts an inbound webhook by result (updated, skipped, unauthorized, invalid, error).
func IncWebhook(result string) {
	webhookRequests.WithLabelValues(result).Inc()
}

func AddEnqueued(origin string, n int) {
	jobsEnqueued.WithLabelValues(origin).Add(float64(n))
}

// ObserveJob records the outcome (completed, retry, failed, released) and duration of a job.
func ObserveJob(outcome string, d time.Duration) {
	jobsProcessed.WithLabelValues(outcome).Inc()
	jobDuration.Observe(d.Seconds())
}

// SetQueueDepth publishes the durable count for one status.
func SetQueueDepth(status string, n int64) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// IncRemote counts a Remote call. Code 0 means no HTTP response.
func IncRemote(channel string, code int) {
	remoteRequests.WithLabelValues(channel, strconv.Itoa(code)).Inc()
}
