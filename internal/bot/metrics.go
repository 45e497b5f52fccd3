package bot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the operator bot's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	CommandsProcessed    *prometheus.CounterVec
	ErrorsTotal          prometheus.Counter
	UpdateProcessingTime prometheus.Histogram
}

// NewMetrics registers the bot collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommandsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pricesync_bot_commands_total",
			Help: "Operator commands handled, by command",
		}, []string{"command"}),
		ErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_bot_errors_total",
			Help: "Operator commands that failed or panicked",
		}),
		UpdateProcessingTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricesync_bot_update_processing_seconds",
			Help:    "Time spent processing updates",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) observeUpdate(d time.Duration) {
	if m != nil {
		m.UpdateProcessingTime.Observe(d.Seconds())
	}
}

func (m *Metrics) incCommand(command string) {
	if m == nil {
		return
	}
	switch command {
	case "start", "help", "stats", "issues", "job", "sync", "retry", "pause", "resume":
	default:
		command = "unknown"
	}
	m.CommandsProcessed.WithLabelValues(command).Inc()
}

func (m *Metrics) incError() {
	if m != nil {
		m.ErrorsTotal.Inc()
	}
}
