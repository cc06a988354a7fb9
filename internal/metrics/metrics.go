package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	MessagesSent     *prometheus.CounterVec
	MessagesFailed   *prometheus.CounterVec
	MessagesRetried  *prometheus.CounterVec
	SendLatency      *prometheus.HistogramVec
	CircuitOpen      *prometheus.GaugeVec
	DispatchLoops    prometheus.Gauge
	LeaseEvents      *prometheus.CounterVec
	RecipientChecks  *prometheus.CounterVec
	BatchesCompleted prometheus.Counter
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = newMetrics(namespace)
		prometheus.MustRegister(metricsInstance.collectors()...)
	})
	return metricsInstance
}

// NewUnregistered builds collectors without registering them. Used by tests
// that construct many engines in one process.
func NewUnregistered() *Metrics {
	return newMetrics("")
}

func newMetrics(namespace string) *Metrics {
	return &Metrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total outbound messages delivered to the channel.",
		}, []string{"account"}),
		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Total outbound messages that ended failed, by failure code.",
		}, []string{"code"}),
		MessagesRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_retried_total",
			Help:      "Total messages requeued, by failure code.",
		}, []string{"code"}),
		SendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Latency distribution for surface sends.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		CircuitOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_open",
			Help:      "1 while the account's circuit breaker is open.",
		}, []string{"account"}),
		DispatchLoops: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_loops",
			Help:      "Number of account dispatch loops running in this process.",
		}),
		LeaseEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_events_total",
			Help:      "Lease lifecycle events by kind.",
		}, []string{"event"}),
		RecipientChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipient_checks_total",
			Help:      "Recipient reachability checks by outcome.",
		}, []string{"outcome"}),
		BatchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_completed_total",
			Help:      "Batches that reached their terminal state.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors grouped by component.",
		}, []string{"component"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesSent,
		m.MessagesFailed,
		m.MessagesRetried,
		m.SendLatency,
		m.CircuitOpen,
		m.DispatchLoops,
		m.LeaseEvents,
		m.RecipientChecks,
		m.BatchesCompleted,
		m.Errors,
	}
}
