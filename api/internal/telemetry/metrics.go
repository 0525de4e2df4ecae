package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide collectors. Each instance owns its own registry so
// tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent     prometheus.Counter
	MessagesDecoded  prometheus.Counter
	DispatchFailures *prometheus.CounterVec
	ArtifactsStored  *prometheus.CounterVec
	AuditFailures    prometheus.Counter
	CipherLatency    *prometheus.HistogramVec
	CipherUp         prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medsecure",
			Name:      "messages_sent_total",
			Help:      "Messages persisted after a successful encode.",
		}),
		MessagesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medsecure",
			Name:      "messages_decrypted_total",
			Help:      "Successful decrypt calls, including repeats.",
		}),
		DispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medsecure",
			Name:      "dispatch_failures_total",
			Help:      "Failed dispatcher operations by operation and error kind.",
		}, []string{"op", "kind"}),
		ArtifactsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medsecure",
			Name:      "artifacts_stored_total",
			Help:      "Packaged artifacts by storage mode (remote or inline).",
		}, []string{"mode"}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medsecure",
			Name:      "audit_failures_total",
			Help:      "Audit entries that could not be written.",
		}),
		CipherLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medsecure",
			Name:      "cipher_request_duration_seconds",
			Help:      "Latency of Cipher Service calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
		CipherUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "medsecure",
			Name:      "cipher_service_up",
			Help:      "1 when the last Cipher Service health check passed.",
		}),
	}

	m.registry.MustRegister(
		m.MessagesSent,
		m.MessagesDecoded,
		m.DispatchFailures,
		m.ArtifactsStored,
		m.AuditFailures,
		m.CipherLatency,
		m.CipherUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
